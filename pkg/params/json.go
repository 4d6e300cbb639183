package params

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/optable/apsi/pkg/psi"
)

// MaxFileSize bounds the size of a parameters file
const MaxFileSize = 100000

// source is the JSON document. he_params is accepted as an alias of
// seal_params.
type source struct {
	TableParams *TableParams `json:"table_params"`
	ItemParams  *ItemParams  `json:"item_params"`
	QueryParams *QueryParams `json:"query_params"`
	SealParams  *HEParams    `json:"seal_params,omitempty"`
	HEParams    *HEParams    `json:"he_params,omitempty"`
}

// FromJSON parses and validates parameters from their JSON form.
func FromJSON(b []byte) (Parameters, error) {
	var src source
	if err := json.Unmarshal(b, &src); err != nil {
		return Parameters{}, fmt.Errorf("%w: cannot parse parameters: %v", psi.ErrInvalidArgument, err)
	}

	he := src.SealParams
	if he == nil {
		he = src.HEParams
	}
	switch {
	case src.TableParams == nil:
		return Parameters{}, fmt.Errorf("%w: table_params is missing", psi.ErrInvalidArgument)
	case src.ItemParams == nil:
		return Parameters{}, fmt.Errorf("%w: item_params is missing", psi.ErrInvalidArgument)
	case src.QueryParams == nil:
		return Parameters{}, fmt.Errorf("%w: query_params is missing", psi.ErrInvalidArgument)
	case he == nil:
		return Parameters{}, fmt.Errorf("%w: seal_params is missing", psi.ErrInvalidArgument)
	}

	return New(*src.TableParams, *src.ItemParams, *src.QueryParams, *he)
}

// Load reads parameters from jsonOrPath, which is either the path of a
// JSON file or the JSON text itself.
func Load(jsonOrPath string) (Parameters, error) {
	if strings.HasPrefix(strings.TrimSpace(jsonOrPath), "{") {
		return FromJSON([]byte(jsonOrPath))
	}

	f, err := os.Open(jsonOrPath)
	if err != nil {
		return Parameters{}, fmt.Errorf("%w: %v", psi.ErrInvalidArgument, err)
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return Parameters{}, err
	}
	if len(b) > MaxFileSize {
		return Parameters{}, fmt.Errorf("%w: parameters file %s is larger than %d bytes", psi.ErrInvalidArgument, jsonOrPath, MaxFileSize)
	}

	return FromJSON(b)
}

// MarshalJSON writes the JSON source form of the parameters
func (p Parameters) MarshalJSON() ([]byte, error) {
	table, item, query, he := p.Table(), p.Item(), p.Query(), p.HE()
	return json.Marshal(source{
		TableParams: &table,
		ItemParams:  &item,
		QueryParams: &query,
		SealParams:  &he,
	})
}
