package cuckoo

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"math/rand"

	"github.com/optable/apsi/internal/hash"
	"github.com/optable/apsi/pkg/psi"
)

const (
	// ReInsertLimit is the minimum number of reinsertions.
	// Each reinsertion kicks off 1 item from a full bin and
	// replaces it with the item being reinserted, and then
	// reinserts the kicked off item.
	ReInsertLimit = 200
	// reInsertPerBit scales the reinsertion bound with log2(table size)
	reInsertPerBit = 32
)

var ErrTableOverflow = fmt.Errorf("cuckoo table overflow")

// EvictionLimit returns the number of reinsertions attempted before an
// insertion gives up: max(ReInsertLimit, 32*log2(tableSize)).
func EvictionLimit(tableSize uint64) int {
	n := reInsertPerBit * bits.Len64(tableSize)
	if n < ReInsertLimit {
		return ReInsertLimit
	}
	return n
}

// CuckooHasher is the building block of a Cuckoo hash table. It only holds
// the table size and the hashers. The client uses it alone to find the
// bins an item may sit in.
type CuckooHasher struct {
	// Total bin count
	tableSize uint64
	// k hash functions h_0, ..., h_k-1
	hashers []hash.Hasher
}

// NewCuckooHasher instantiates a CuckooHasher with one seeded hash
// function of type hashType per seed.
func NewCuckooHasher(tableSize uint64, hashType int, seeds [][]byte) (*CuckooHasher, error) {
	if tableSize == 0 || len(seeds) == 0 {
		return nil, fmt.Errorf("cuckoo hasher needs a table size and at least one seed, got %d and %d", tableSize, len(seeds))
	}

	hashers := make([]hash.Hasher, len(seeds))
	var err error
	for i, s := range seeds {
		if hashers[i], err = hash.New(hashType, s); err != nil {
			return nil, err
		}
	}

	return &CuckooHasher{
		tableSize: tableSize,
		hashers:   hashers,
	}, nil
}

// BinIndices returns the k bin indices of an item, one per hash
// function. Indices may repeat.
func (h *CuckooHasher) BinIndices(item psi.HashedItem) []uint64 {
	var b [psi.ItemLen]byte
	binary.LittleEndian.PutUint64(b[:8], item[0])
	binary.LittleEndian.PutUint64(b[8:], item[1])

	idxs := make([]uint64, len(h.hashers))
	for i := range idxs {
		idxs[i] = h.hashers[i].Hash64(b[:]) % h.tableSize
	}

	return idxs
}

// CandidateBins returns the distinct bins an item may occupy, in hash
// function order.
func (h *CuckooHasher) CandidateBins(item psi.HashedItem) []uint64 {
	idxs := h.BinIndices(item)
	out := make([]uint64, 0, len(idxs))
	for i, b := range idxs {
		dup := false
		for _, prev := range idxs[:i] {
			if prev == b {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, b)
		}
	}
	return out
}

// HashCount returns the number of hash functions
func (h *CuckooHasher) HashCount() int {
	return len(h.hashers)
}

// Len returns the number of bins
func (h *CuckooHasher) Len() uint64 {
	return h.tableSize
}

// entry is an item with the index of the hash function
// that placed it.
type entry struct {
	item psi.HashedItem
	hIdx uint8
}

// Cuckoo represents a k-way Cuckoo hash table of tableSize bins, each
// holding up to capacity items. Evictions draw from a seeded source so
// that the same inputs always produce the same table.
type Cuckoo struct {
	bins     [][]entry
	capacity int
	inserted uint64
	limit    int
	rng      *rand.Rand
	*CuckooHasher
}

// NewCuckoo instantiates a Cuckoo table
func NewCuckoo(tableSize uint64, capacity, hashType int, seeds [][]byte, rngSeed int64) (*Cuckoo, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cuckoo bin capacity must be at least 1, got %d", capacity)
	}
	cuckooHasher, err := NewCuckooHasher(tableSize, hashType, seeds)
	if err != nil {
		return nil, err
	}

	return &Cuckoo{
		bins:         make([][]entry, tableSize),
		capacity:     capacity,
		limit:        EvictionLimit(tableSize),
		rng:          rand.New(rand.NewSource(rngSeed)),
		CuckooHasher: cuckooHasher,
	}, nil
}

// Bin returns a copy of the items in bin bIdx
func (c *Cuckoo) Bin(bIdx uint64) []psi.HashedItem {
	if bIdx >= c.tableSize {
		panic(fmt.Errorf("failed to retrieve bin #%v", bIdx))
	}
	items := make([]psi.HashedItem, len(c.bins[bIdx]))
	for i, e := range c.bins[bIdx] {
		items[i] = e.item
	}
	return items
}

// Lookup returns the bin of an inserted item and the index of the hash
// function that maps it there.
func (c *Cuckoo) Lookup(item psi.HashedItem) (bIdx uint64, hIdx uint8, found bool) {
	for _, b := range c.CandidateBins(item) {
		for _, e := range c.bins[b] {
			if e.item == item {
				return b, e.hIdx, true
			}
		}
	}
	return 0, 0, false
}

// Exists returns true if an item is inserted in cuckoo, false otherwise
func (c *Cuckoo) Exists(item psi.HashedItem) bool {
	_, _, found := c.Lookup(item)
	return found
}

// Insert tries to insert a given item in the first of its bins with a
// free slot, otherwise, it evicts a random item of a random candidate
// bin and reinserts the evicted item.
// When the reinsertions exceed the eviction limit, the item left
// without a bin is returned along with ErrTableOverflow. It is not
// necessarily the item given to Insert. Every other item stays placed.
func (c *Cuckoo) Insert(item psi.HashedItem) (homeless psi.HashedItem, err error) {
	if c.Exists(item) {
		return psi.HashedItem{}, nil
	}

	if c.tryAdd(item, c.BinIndices(item), false, 0) {
		c.inserted++
		return psi.HashedItem{}, nil
	}

	homeless, added := c.tryGreedyAdd(item)
	if added {
		c.inserted++
		return psi.HashedItem{}, nil
	}

	return homeless, ErrTableOverflow
}

// tryAdd finds a bin with a free slot and inserts the item.
// if ignore is true, it will not insert into exceptBIdx
func (c *Cuckoo) tryAdd(item psi.HashedItem, binIndices []uint64, ignore bool, exceptBIdx uint64) (added bool) {
	for hIdx, bIdx := range binIndices {
		if ignore && exceptBIdx == bIdx {
			continue
		}

		if len(c.bins[bIdx]) < c.capacity {
			c.bins[bIdx] = append(c.bins[bIdx], entry{item: item, hIdx: uint8(hIdx)})
			return true
		}
	}
	return false
}

// tryGreedyAdd evicts a random item of a random candidate bin, puts the
// item in its place and reinserts the evicted item. If reinsertions fail
// after limit tries return false and the last evicted item.
func (c *Cuckoo) tryGreedyAdd(item psi.HashedItem) (homeless psi.HashedItem, added bool) {
	binIndices := c.BinIndices(item)
	for i := 0; i < c.limit; i++ {
		// select a random bin and a random occupant to evict
		evictedHIdx := c.rng.Intn(len(binIndices))
		evictedBIdx := binIndices[evictedHIdx]
		slot := c.rng.Intn(len(c.bins[evictedBIdx]))
		evicted := c.bins[evictedBIdx][slot].item
		// insert the item in the evicted slot
		c.bins[evictedBIdx][slot] = entry{item: item, hIdx: uint8(evictedHIdx)}

		evictedBinIndices := c.BinIndices(evicted)
		// try to reinsert the evicted item
		// ignore the evictedBIdx since we just inserted there
		if c.tryAdd(evicted, evictedBinIndices, true, evictedBIdx) {
			return psi.HashedItem{}, true
		}

		// insertion of evicted item unsuccessful, go on with it
		item = evicted
		binIndices = evictedBinIndices
	}

	return item, false
}

// Inserted returns the number of items in the table
func (c *Cuckoo) Inserted() uint64 {
	return c.inserted
}

// Capacity returns the maximum number of items of a bin
func (c *Cuckoo) Capacity() int {
	return c.capacity
}

// LoadFactor returns the ratio of occupied slots over the
// table capacity
func (c *Cuckoo) LoadFactor() (factor float64) {
	return float64(c.inserted) / float64(c.tableSize*uint64(c.capacity))
}
