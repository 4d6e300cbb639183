package hash

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/alecthomas/unsafeslice"
	"github.com/twmb/murmur3"
)

var xxx = []byte("e:0e1f461bbefa6e07cc2ef06b9ee1ed25101e24d4345af266ed2f5a58bcd26c5e")

func makeSalt() ([]byte, error) {
	var s = make([]byte, SaltLength)

	if n, err := rand.Read(s); err != nil {
		return nil, err
	} else if n != SaltLength {
		return nil, fmt.Errorf("requested %d rand bytes and got %d", SaltLength, n)
	} else {
		return s, nil
	}
}

func TestNew(t *testing.T) {
	s, err := makeSalt()
	if err != nil {
		t.Fatal(err)
	}

	for _, ht := range []int{Murmur3, Metro, Highway} {
		h, err := New(ht, s)
		if err != nil {
			t.Fatalf("hasher %d: %v", ht, err)
		}
		if h.Hash64(xxx) != h.Hash64(xxx) {
			t.Errorf("hasher %d is not deterministic", ht)
		}
		// the salt must not alias the input
		a := h.Hash64([]byte{1})
		h.Hash64([]byte{2, 3, 4, 5})
		if a != h.Hash64([]byte{1}) {
			t.Errorf("hasher %d changed its state between calls", ht)
		}
	}

	if _, err := New(42, s); err != ErrUnknownHash {
		t.Errorf("expected ErrUnknownHash, got %v", err)
	}
	if _, err := New(Metro, s[:4]); err != ErrSaltLengthMismatch {
		t.Errorf("expected ErrSaltLengthMismatch, got %v", err)
	}
}

func TestSaltsSeparate(t *testing.T) {
	s1, _ := makeSalt()
	s2, _ := makeSalt()
	for _, ht := range []int{Murmur3, Metro, Highway} {
		h1, _ := New(ht, s1)
		h2, _ := New(ht, s2)
		if h1.Hash64(xxx) == h2.Hash64(xxx) {
			t.Errorf("hasher %d ignores its salt", ht)
		}
	}
}

func BenchmarkMurmur3(b *testing.B) {
	s, _ := makeSalt()
	h, _ := NewMurmur3Hasher(s)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Hash64(xxx)
	}
}

func BenchmarkMetro(b *testing.B) {
	s, _ := makeSalt()
	h, _ := NewMetroHasher(s)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Hash64(xxx)
	}
}

func BenchmarkHighway(b *testing.B) {
	s, _ := makeSalt()
	h, _ := NewHighwayHasher(s)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Hash64(xxx)
	}
}

// hashed items are two words; hash them without copying
func BenchmarkMetroHashedItemUnsafe(b *testing.B) {
	s, _ := makeSalt()
	h, _ := NewMetroHasher(s)
	src := make([]byte, 16)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hi, lo := murmur3.SeedSum128(0, 2, src)
		h.Hash64(unsafeslice.ByteSliceFromUint64Slice([]uint64{hi, lo}))
	}
}
