// Package psi holds the vocabulary shared by both sides of the
// asymmetric PSI protocol: items, OPRF-hashed items and the error kinds
// every operation reports.
//
// The protocol runs in four steps, each producing an opaque byte buffer
// that a transport carries between the parties:
//
//	client: receiver.CreateOPRFRequest(items)   -> oprf request
//	server: oprf.Evaluate(key, request)         -> oprf response
//	client: receiver.ExtractHashes(response)    -> hashed items
//	client: receiver.CreateQuery(hashed)        -> query
//	server: sender.Query(query)                 -> result
//	client: receiver.ProcessResult(result)      -> []bool
package psi

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// ItemLen is the byte length of an Item or a HashedItem
const ItemLen = 16

// Item is a 128-bit value held as two 64-bit words (low, high).
type Item [2]uint64

// HashedItem is the OPRF image of an Item. It has the same shape as an
// Item but is pseudorandom and depends on the server key.
type HashedItem [2]uint64

// Items is an ordered sequence of items. Order is significant: the
// intersection vector returned to a client follows it.
type Items []Item

// NewItem returns the item made of the low and high words.
func NewItem(low, high uint64) Item {
	return Item{low, high}
}

// NewItems validates that every row holds exactly two words and returns
// the rows as Items.
func NewItems(rows [][]uint64) (Items, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidArgument)
	}
	items := make(Items, len(rows))
	for i, row := range rows {
		if len(row) != 2 {
			return nil, fmt.Errorf("%w: item #%d has %d words, want 2", ErrInvalidArgument, i, len(row))
		}
		items[i] = Item{row[0], row[1]}
	}
	return items, nil
}

// Low returns the low word
func (i Item) Low() uint64 { return i[0] }

// High returns the high word
func (i Item) High() uint64 { return i[1] }

// Bytes returns the little-endian 16 byte form of the item.
func (i Item) Bytes() []byte {
	b := make([]byte, ItemLen)
	binary.LittleEndian.PutUint64(b[:8], i[0])
	binary.LittleEndian.PutUint64(b[8:], i[1])
	return b
}

// String formats the item as low,high in hexadecimal.
func (i Item) String() string {
	return fmt.Sprintf("%#x,%#x", i[0], i[1])
}

// Bytes returns the little-endian 16 byte form of the hashed item.
func (h HashedItem) Bytes() []byte {
	return Item(h).Bytes()
}

// HashedItemFromBytes reads a hashed item from 16 little-endian bytes.
func HashedItemFromBytes(b []byte) (HashedItem, error) {
	if len(b) != ItemLen {
		return HashedItem{}, fmt.Errorf("%w: hashed item is %d bytes, want %d", ErrInvalidArgument, len(b), ItemLen)
	}
	return HashedItem{binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:])}, nil
}

// ParseItem parses "low,high" or a single "low" word. Words are decimal
// or 0x prefixed hexadecimal.
func ParseItem(s string) (Item, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) > 2 || parts[0] == "" {
		return Item{}, fmt.Errorf("%w: cannot parse item %q", ErrInvalidArgument, s)
	}
	var item Item
	for i, p := range parts {
		w, err := strconv.ParseUint(strings.TrimSpace(p), 0, 64)
		if err != nil {
			return Item{}, fmt.Errorf("%w: cannot parse item %q: %v", ErrInvalidArgument, s, err)
		}
		item[i] = w
	}
	return item, nil
}
