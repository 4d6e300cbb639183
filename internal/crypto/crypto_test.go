package crypto

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/zeebo/blake3"
)

var p = []byte("example testing plaintext that holds important secrets: %QWEQW$##%Y^&%^*(*)&, []m")

func BenchmarkSha(b *testing.B) {
	for i := 0; i < b.N; i++ {
		sha256.Sum256(p)
	}
}

func BenchmarkBlake3(b *testing.B) {
	for i := 0; i < b.N; i++ {
		blake3.Sum256(p)
	}
}

func TestUniform(t *testing.T) {
	a := Uniform("domain a", p)
	if a != Uniform("domain a", p) {
		t.Fatal("Uniform is not deterministic")
	}
	if a == Uniform("domain b", p) {
		t.Error("Uniform ignores its domain")
	}
	if a == Uniform("domain a", p[1:]) {
		t.Error("Uniform ignores its input")
	}
}

func TestDeriveSeeds(t *testing.T) {
	seeds := DeriveSeeds("seeds", p, 4, 32)
	again := DeriveSeeds("seeds", p, 4, 32)
	if len(seeds) != 4 {
		t.Fatalf("want 4 seeds, got %d", len(seeds))
	}
	for i := range seeds {
		if len(seeds[i]) != 32 {
			t.Errorf("seed %d has length %d", i, len(seeds[i]))
		}
		if !bytes.Equal(seeds[i], again[i]) {
			t.Errorf("seed %d is not deterministic", i)
		}
		for j := 0; j < i; j++ {
			if bytes.Equal(seeds[i], seeds[j]) {
				t.Errorf("seeds %d and %d collide", i, j)
			}
		}
	}
}

func TestDeriveInt64(t *testing.T) {
	a := DeriveInt64("rng", p)
	if a < 0 {
		t.Errorf("DeriveInt64 returned a negative value %d", a)
	}
	if a != DeriveInt64("rng", p) {
		t.Error("DeriveInt64 is not deterministic")
	}
}

func TestPseudorandomGenerate(t *testing.T) {
	h := blake3.New()
	a := make([]byte, 100)
	b := make([]byte, 100)
	if err := PseudorandomGenerate(a, []byte("seed"), h); err != nil {
		t.Fatal(err)
	}
	if err := PseudorandomGenerate(b, []byte("seed"), h); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("PseudorandomGenerate does not reset its hasher")
	}
}
