// Package params holds the protocol Parameters both parties must agree
// on: the cuckoo table dimensions, the item encoding, the query powers
// and the homomorphic encryption ring.
//
// Parameters are authored as JSON, published to clients as a binary
// blob and compared through their fingerprint.
package params

import (
	"fmt"
	"math/big"
	"math/bits"

	"github.com/optable/apsi/internal/codec"
	"github.com/optable/apsi/internal/crypto"
	"github.com/optable/apsi/internal/cuckoo"
	"github.com/optable/apsi/internal/hash"
	"github.com/optable/apsi/internal/powers"
	"github.com/optable/apsi/pkg/psi"
)

const (
	// MinItemBitCount is the smallest number of encoded item bits
	// accepted. Below it, two distinct hashed items share an encoding
	// with non negligible probability.
	MinItemBitCount = 80
	// MaxHashFuncCount bounds the number of cuckoo hash functions
	MaxHashFuncCount = 8
	MaxTableSize     = 1 << 24
	MaxItemsPerBin   = 1 << 12
	// MaxCoefficients bounds table_size * felts_per_item *
	// (max_items_per_bin + 1), the coefficient count of a full database.
	MaxCoefficients = 1 << 32

	MinPolyModulusDegree = 1024
	MaxPolyModulusDegree = 32768
	MinCoeffModulusBits  = 20
	MaxCoeffModulusBits  = 60
	MaxPlainModulusBits  = 60
)

// TableParams sets the server's cuckoo table dimensions. HashType picks
// the cuckoo hash family: hash.Metro (the zero value), hash.Murmur3 or
// hash.Highway.
type TableParams struct {
	HashFuncCount  uint32 `json:"hash_func_count"`
	TableSize      uint32 `json:"table_size"`
	MaxItemsPerBin uint32 `json:"max_items_per_bin"`
	HashType       uint32 `json:"hash_type,omitempty"`
}

// ItemParams sets how many field elements one item is split into
type ItemParams struct {
	FeltsPerItem uint32 `json:"felts_per_item"`
}

// QueryParams sets the powers a client encrypts and the
// Paterson-Stockmeyer low degree, 0 to disable the split.
type QueryParams struct {
	PSLowDegree uint32   `json:"ps_low_degree"`
	QueryPowers []uint32 `json:"query_powers"`
}

// HEParams sets the BGV ring. CoeffModulusBits lists the bit sizes of the
// modulus chain; with more than one entry the last one is the special
// key switching prime.
type HEParams struct {
	PlainModulus      uint64 `json:"plain_modulus"`
	PolyModulusDegree uint64 `json:"poly_modulus_degree"`
	CoeffModulusBits  []int  `json:"coeff_modulus_bits"`
}

// Parameters is an immutable, validated parameter bundle.
type Parameters struct {
	table TableParams
	item  ItemParams
	query QueryParams
	he    HEParams

	fingerprint [32]byte
	dag         *powers.DAG
}

// New validates the four parameter groups and returns Parameters.
func New(table TableParams, item ItemParams, query QueryParams, he HEParams) (Parameters, error) {
	p := Parameters{
		table: table,
		item:  item,
		query: QueryParams{
			PSLowDegree: query.PSLowDegree,
			QueryPowers: append([]uint32(nil), query.QueryPowers...),
		},
		he: HEParams{
			PlainModulus:      he.PlainModulus,
			PolyModulusDegree: he.PolyModulusDegree,
			CoeffModulusBits:  append([]int(nil), he.CoeffModulusBits...),
		},
	}
	if err := p.validate(); err != nil {
		return Parameters{}, err
	}

	blob, err := p.MarshalBinary()
	if err != nil {
		return Parameters{}, err
	}
	p.fingerprint = crypto.Fingerprint(blob)

	return p, nil
}

// Table returns the table parameters
func (p Parameters) Table() TableParams { return p.table }

// Item returns the item parameters
func (p Parameters) Item() ItemParams { return p.item }

// Query returns a copy of the query parameters
func (p Parameters) Query() QueryParams {
	return QueryParams{
		PSLowDegree: p.query.PSLowDegree,
		QueryPowers: append([]uint32(nil), p.query.QueryPowers...),
	}
}

// HE returns a copy of the encryption parameters
func (p Parameters) HE() HEParams {
	return HEParams{
		PlainModulus:      p.he.PlainModulus,
		PolyModulusDegree: p.he.PolyModulusDegree,
		CoeffModulusBits:  append([]int(nil), p.he.CoeffModulusBits...),
	}
}

// Fingerprint identifies the parameters: it is the blake3 digest of
// their binary form.
func (p Parameters) Fingerprint() [32]byte { return p.fingerprint }

// IsZero returns true for the zero Parameters
func (p Parameters) IsZero() bool { return p.dag == nil }

// BitsPerFelt returns the number of item bits carried by one field
// element: floor(log2(plain_modulus)).
func (p Parameters) BitsPerFelt() int {
	return bits.Len64(p.he.PlainModulus) - 1
}

// ItemBitCount returns the number of hashed item bits that are encoded
func (p Parameters) ItemBitCount() int {
	n := p.BitsPerFelt() * int(p.item.FeltsPerItem)
	if n > codec.ItemBits {
		n = codec.ItemBits
	}
	return n
}

// SlotCount returns the number of plaintext slots
func (p Parameters) SlotCount() int { return int(p.he.PolyModulusDegree) }

// BinsPerGroup returns how many bins share one plaintext
func (p Parameters) BinsPerGroup() int { return p.Layout().BinsPerGroup }

// GroupCount returns how many plaintexts span the table
func (p Parameters) GroupCount() int { return p.Layout().GroupCount }

// Layout returns the bin to slot layout
func (p Parameters) Layout() codec.Layout {
	return codec.NewLayout(p.SlotCount(), int(p.item.FeltsPerItem), int(p.table.TableSize))
}

// Codec returns the item codec
func (p Parameters) Codec() *codec.Codec {
	c, _ := codec.New(p.BitsPerFelt(), int(p.item.FeltsPerItem))
	return c
}

// Targets returns the powers the bin polynomials are evaluated with
func (p Parameters) Targets() []uint32 {
	return powers.Targets(p.table.MaxItemsPerBin, p.query.PSLowDegree)
}

// Powers returns how the server derives Targets from the query powers
func (p Parameters) Powers() *powers.DAG { return p.dag }

// UsesPS returns true if the evaluation is split in low and high degree
// parts
func (p Parameters) UsesPS() bool {
	return p.query.PSLowDegree > 0 && p.query.PSLowDegree < p.table.MaxItemsPerBin
}

// NeedsRelinearization returns true if evaluating a bin polynomial
// multiplies two ciphertexts.
func (p Parameters) NeedsRelinearization() bool {
	return p.dag.Derived() || p.UsesPS()
}

func (p *Parameters) validate() (err error) {
	t, i, q, he := p.table, p.item, p.query, p.he

	switch {
	case t.HashFuncCount < 1 || t.HashFuncCount > MaxHashFuncCount:
		return fmt.Errorf("%w: hash_func_count %d is not in [1, %d]", psi.ErrInvalidArgument, t.HashFuncCount, MaxHashFuncCount)
	case t.TableSize < 1 || t.TableSize > MaxTableSize:
		return fmt.Errorf("%w: table_size %d is not in [1, %d]", psi.ErrInvalidArgument, t.TableSize, MaxTableSize)
	case t.MaxItemsPerBin < 1 || t.MaxItemsPerBin > MaxItemsPerBin:
		return fmt.Errorf("%w: max_items_per_bin %d is not in [1, %d]", psi.ErrInvalidArgument, t.MaxItemsPerBin, MaxItemsPerBin)
	case t.HashType > hash.Highway:
		return fmt.Errorf("%w: unknown hash_type %d", psi.ErrInvalidArgument, t.HashType)
	case i.FeltsPerItem < 1:
		return fmt.Errorf("%w: felts_per_item is 0", psi.ErrInvalidArgument)
	case uint64(t.TableSize)*uint64(i.FeltsPerItem)*(uint64(t.MaxItemsPerBin)+1) > MaxCoefficients:
		return fmt.Errorf("%w: a table of %d bins of %d items in %d felts exceeds %d coefficients", psi.ErrInvalidArgument, t.TableSize, t.MaxItemsPerBin, i.FeltsPerItem, uint64(MaxCoefficients))
	}

	n := he.PolyModulusDegree
	if n < MinPolyModulusDegree || n > MaxPolyModulusDegree || n&(n-1) != 0 {
		return fmt.Errorf("%w: poly_modulus_degree %d is not a power of two in [%d, %d]", psi.ErrInvalidArgument, n, MinPolyModulusDegree, MaxPolyModulusDegree)
	}
	if uint64(i.FeltsPerItem) > n {
		return fmt.Errorf("%w: felts_per_item %d exceeds the %d slots", psi.ErrInvalidArgument, i.FeltsPerItem, n)
	}
	if err := validatePlainModulus(he.PlainModulus, n); err != nil {
		return err
	}
	if len(he.CoeffModulusBits) == 0 {
		return fmt.Errorf("%w: coeff_modulus_bits is empty", psi.ErrInvalidArgument)
	}
	for _, b := range he.CoeffModulusBits {
		if b < MinCoeffModulusBits || b > MaxCoeffModulusBits {
			return fmt.Errorf("%w: coeff modulus of %d bits is not in [%d, %d]", psi.ErrInvalidArgument, b, MinCoeffModulusBits, MaxCoeffModulusBits)
		}
	}

	if p.ItemBitCount() < MinItemBitCount {
		return fmt.Errorf("%w: %d felts of %d bits encode %d item bits, need %d", psi.ErrEncoding, i.FeltsPerItem, p.BitsPerFelt(), p.ItemBitCount(), MinItemBitCount)
	}

	if err := p.validateQuery(); err != nil {
		return err
	}
	if p.dag, err = powers.Build(q.QueryPowers, p.Targets()); err != nil {
		return fmt.Errorf("%w: %v", psi.ErrInvalidArgument, err)
	}
	if p.NeedsRelinearization() && len(he.CoeffModulusBits) < 2 {
		return fmt.Errorf("%w: the query powers need ciphertext products, which need at least 2 coeff moduli", psi.ErrInvalidArgument)
	}

	return nil
}

func (p *Parameters) validateQuery() error {
	q, maxItems := p.query, p.table.MaxItemsPerBin
	if len(q.QueryPowers) == 0 {
		return fmt.Errorf("%w: query_powers is empty", psi.ErrInvalidArgument)
	}
	if q.PSLowDegree > maxItems {
		return fmt.Errorf("%w: ps_low_degree %d exceeds max_items_per_bin %d", psi.ErrInvalidArgument, q.PSLowDegree, maxItems)
	}

	seen := make(map[uint32]bool, len(q.QueryPowers))
	for _, pw := range q.QueryPowers {
		switch {
		case pw == 0 || pw > maxItems:
			return fmt.Errorf("%w: query power %d is not in [1, %d]", psi.ErrInvalidArgument, pw, maxItems)
		case seen[pw]:
			return fmt.Errorf("%w: query power %d is repeated", psi.ErrInvalidArgument, pw)
		case p.UsesPS() && pw > q.PSLowDegree && pw%(q.PSLowDegree+1) != 0:
			return fmt.Errorf("%w: query power %d is neither at most ps_low_degree %d nor a multiple of %d", psi.ErrInvalidArgument, pw, q.PSLowDegree, q.PSLowDegree+1)
		}
		seen[pw] = true
	}
	if !seen[1] {
		return fmt.Errorf("%w: query_powers must contain 1", psi.ErrInvalidArgument)
	}

	return nil
}

// validatePlainModulus checks that t is a prime congruent to 1 mod 2n,
// so the ring supports n slots.
func validatePlainModulus(t, n uint64) error {
	if t < 3 || bits.Len64(t) > MaxPlainModulusBits {
		return fmt.Errorf("%w: plain_modulus %d is not in [3, 2^%d)", psi.ErrInvalidArgument, t, MaxPlainModulusBits)
	}
	if !new(big.Int).SetUint64(t).ProbablyPrime(20) {
		return fmt.Errorf("%w: plain_modulus %d is not prime", psi.ErrInvalidArgument, t)
	}
	if t%(2*n) != 1 {
		return fmt.Errorf("%w: plain_modulus %d is not 1 mod %d, batching is not possible", psi.ErrInvalidArgument, t, 2*n)
	}
	return nil
}

// hashSeedDomain separates the cuckoo seed derivation from other blake3 uses
const hashSeedDomain = "apsi 2024 cuckoo hash seeds"

// HashSeeds returns one seed per cuckoo hash function. Seeds are derived
// from the fingerprint, so a client and a server holding the same
// Parameters agree on them.
func (p Parameters) HashSeeds() [][]byte {
	return crypto.DeriveSeeds(hashSeedDomain, p.fingerprint[:], int(p.table.HashFuncCount), hash.SaltLength)
}

// CuckooHasher returns the hasher mapping items to their candidate bins
func (p Parameters) CuckooHasher() (*cuckoo.CuckooHasher, error) {
	return cuckoo.NewCuckooHasher(uint64(p.table.TableSize), int(p.table.HashType), p.HashSeeds())
}
