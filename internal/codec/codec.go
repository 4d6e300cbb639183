// Package codec splits hashed items into field elements ("felts") of the
// plaintext modulus and lays them out in plaintext slots.
package codec

import (
	"fmt"

	"github.com/optable/apsi/pkg/psi"
)

// ItemBits is the width of an item
const ItemBits = 128

// Codec encodes a HashedItem into Felts() field elements of BitsPerFelt()
// bits each. Only the low ItemBitCount() bits of the item take part.
type Codec struct {
	bitsPerFelt int
	felts       int
	itemBits    int
}

// New returns a codec for felts elements of bitsPerFelt bits.
func New(bitsPerFelt, felts int) (*Codec, error) {
	if bitsPerFelt < 1 || bitsPerFelt > 63 || felts < 1 {
		return nil, fmt.Errorf("%w: %d felts of %d bits", psi.ErrEncoding, felts, bitsPerFelt)
	}
	itemBits := bitsPerFelt * felts
	if itemBits > ItemBits {
		itemBits = ItemBits
	}

	return &Codec{bitsPerFelt: bitsPerFelt, felts: felts, itemBits: itemBits}, nil
}

// Felts returns the number of field elements per item
func (c *Codec) Felts() int { return c.felts }

// BitsPerFelt returns the number of item bits one field element carries
func (c *Codec) BitsPerFelt() int { return c.bitsPerFelt }

// ItemBitCount returns the number of item bits that are encoded
func (c *Codec) ItemBitCount() int { return c.itemBits }

// Encode returns the felts of h, least significant bits first.
func (c *Codec) Encode(h psi.HashedItem) []uint64 {
	felts := make([]uint64, c.felts)
	c.EncodeTo(felts, h)
	return felts
}

// EncodeTo writes the felts of h into dst, which holds at least Felts()
// elements.
func (c *Codec) EncodeTo(dst []uint64, h psi.HashedItem) {
	mask := uint64(1)<<c.bitsPerFelt - 1
	for i := 0; i < c.felts; i++ {
		start := i * c.bitsPerFelt
		if start >= c.itemBits {
			dst[i] = 0
			continue
		}
		v := bitsAt(h, start, c.bitsPerFelt)
		if end := start + c.bitsPerFelt; end > c.itemBits {
			v &= uint64(1)<<(c.itemBits-start) - 1
		}
		dst[i] = v & mask
	}
}

// Decode rebuilds the low ItemBitCount() bits of an item from its felts.
func (c *Codec) Decode(felts []uint64) (psi.HashedItem, error) {
	if len(felts) != c.felts {
		return psi.HashedItem{}, fmt.Errorf("%w: %d felts, want %d", psi.ErrEncoding, len(felts), c.felts)
	}
	var h psi.HashedItem
	for i, f := range felts {
		start := i * c.bitsPerFelt
		if start >= c.itemBits {
			break
		}
		if f>>c.bitsPerFelt != 0 {
			return psi.HashedItem{}, fmt.Errorf("%w: felt #%d does not fit %d bits", psi.ErrEncoding, i, c.bitsPerFelt)
		}
		setBits(&h, start, f)
	}
	return h, nil
}

// Truncate clears the bits of h that the codec does not encode
func (c *Codec) Truncate(h psi.HashedItem) psi.HashedItem {
	if c.itemBits >= ItemBits {
		return h
	}
	if c.itemBits <= 64 {
		return psi.HashedItem{h[0] & (uint64(1)<<c.itemBits - 1), 0}
	}
	return psi.HashedItem{h[0], h[1] & (uint64(1)<<(c.itemBits-64) - 1)}
}

// bitsAt returns n bits of h starting at bit offset start
func bitsAt(h psi.HashedItem, start, n int) uint64 {
	word, off := start/64, start%64
	v := h[word] >> off
	if off+n > 64 && word+1 < 2 {
		v |= h[word+1] << (64 - off)
	}
	return v & (uint64(1)<<n - 1)
}

// setBits ors v into h at bit offset start
func setBits(h *psi.HashedItem, start int, v uint64) {
	word, off := start/64, start%64
	h[word] |= v << off
	if off != 0 && word+1 < 2 {
		h[word+1] |= v >> (64 - off)
	}
}

// Layout maps table bins onto plaintext slots. A plaintext of SlotCount
// slots holds BinsPerGroup consecutive bins, each taking Felts slots.
type Layout struct {
	SlotCount    int
	Felts        int
	TableSize    int
	BinsPerGroup int
	GroupCount   int
}

// NewLayout returns the slot layout of a table
func NewLayout(slotCount, felts, tableSize int) Layout {
	binsPerGroup := slotCount / felts
	return Layout{
		SlotCount:    slotCount,
		Felts:        felts,
		TableSize:    tableSize,
		BinsPerGroup: binsPerGroup,
		GroupCount:   (tableSize + binsPerGroup - 1) / binsPerGroup,
	}
}

// Locate returns the group holding a bin and the slot of its first felt
func (l Layout) Locate(bin int) (group, slot int) {
	return bin / l.BinsPerGroup, (bin % l.BinsPerGroup) * l.Felts
}

// Bin returns the bin stored at a slot of a group
func (l Layout) Bin(group, slot int) int {
	return group*l.BinsPerGroup + slot/l.Felts
}
