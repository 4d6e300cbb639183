package params

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/optable/apsi/pkg/psi"
)

const (
	// Version of the binary parameters format
	Version uint32 = 1

	maxQueryPowers = 1 << 16
	maxCoeffModuli = 64
)

// Magic starts every binary parameters blob
var Magic = [4]byte{'A', 'P', 'S', 'P'}

// header is the fixed size part of the blob
type header struct {
	Magic             [4]byte
	Version           uint32
	HashFuncCount     uint32
	TableSize         uint32
	MaxItemsPerBin    uint32
	HashType          uint32
	FeltsPerItem      uint32
	PSLowDegree       uint32
	PlainModulus      uint64
	PolyModulusDegree uint64
	QueryPowerCount   uint32
	CoeffModulusCount uint32
}

// MarshalBinary returns the self describing binary form of the
// parameters. All fields are little endian.
func (p Parameters) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Save(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the binary form of the parameters to w
func (p Parameters) Save(w io.Writer) error {
	h := header{
		Magic:             Magic,
		Version:           Version,
		HashFuncCount:     p.table.HashFuncCount,
		TableSize:         p.table.TableSize,
		MaxItemsPerBin:    p.table.MaxItemsPerBin,
		HashType:          p.table.HashType,
		FeltsPerItem:      p.item.FeltsPerItem,
		PSLowDegree:       p.query.PSLowDegree,
		PlainModulus:      p.he.PlainModulus,
		PolyModulusDegree: p.he.PolyModulusDegree,
		QueryPowerCount:   uint32(len(p.query.QueryPowers)),
		CoeffModulusCount: uint32(len(p.he.CoeffModulusBits)),
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, p.query.QueryPowers); err != nil {
		return err
	}
	coeffBits := make([]uint32, len(p.he.CoeffModulusBits))
	for i, b := range p.he.CoeffModulusBits {
		coeffBits[i] = uint32(b)
	}
	return binary.Write(w, binary.LittleEndian, coeffBits)
}

// FromBinary parses and validates a binary parameters blob. Malformed
// blobs and blobs that fail validation return ErrCorruptData.
func FromBinary(b []byte) (Parameters, error) {
	r := bytes.NewReader(b)
	p, err := Read(r)
	if err != nil {
		return Parameters{}, err
	}
	if r.Len() != 0 {
		return Parameters{}, fmt.Errorf("%w: %d trailing bytes after parameters", psi.ErrCorruptData, r.Len())
	}
	return p, nil
}

// Read reads one binary parameters blob from r
func Read(r io.Reader) (Parameters, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Parameters{}, fmt.Errorf("%w: cannot read parameters header: %v", psi.ErrCorruptData, err)
	}
	if h.Magic != Magic {
		return Parameters{}, fmt.Errorf("%w: bad parameters magic %q", psi.ErrCorruptData, h.Magic[:])
	}
	if h.Version != Version {
		return Parameters{}, fmt.Errorf("%w: unsupported parameters version %d", psi.ErrCorruptData, h.Version)
	}
	if h.QueryPowerCount > maxQueryPowers || h.CoeffModulusCount > maxCoeffModuli {
		return Parameters{}, fmt.Errorf("%w: %d query powers and %d coeff moduli", psi.ErrCorruptData, h.QueryPowerCount, h.CoeffModulusCount)
	}

	queryPowers := make([]uint32, h.QueryPowerCount)
	if err := binary.Read(r, binary.LittleEndian, queryPowers); err != nil {
		return Parameters{}, fmt.Errorf("%w: cannot read query powers: %v", psi.ErrCorruptData, err)
	}
	coeffBits := make([]uint32, h.CoeffModulusCount)
	if err := binary.Read(r, binary.LittleEndian, coeffBits); err != nil {
		return Parameters{}, fmt.Errorf("%w: cannot read coeff moduli: %v", psi.ErrCorruptData, err)
	}
	bitSizes := make([]int, len(coeffBits))
	for i, b := range coeffBits {
		bitSizes[i] = int(b)
	}

	p, err := New(
		TableParams{HashFuncCount: h.HashFuncCount, TableSize: h.TableSize, MaxItemsPerBin: h.MaxItemsPerBin, HashType: h.HashType},
		ItemParams{FeltsPerItem: h.FeltsPerItem},
		QueryParams{PSLowDegree: h.PSLowDegree, QueryPowers: queryPowers},
		HEParams{PlainModulus: h.PlainModulus, PolyModulusDegree: h.PolyModulusDegree, CoeffModulusBits: bitSizes},
	)
	if err != nil {
		return Parameters{}, fmt.Errorf("%w: %w", psi.ErrCorruptData, err)
	}
	return p, nil
}
