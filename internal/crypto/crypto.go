package crypto

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

/*
Hash based derivations shared by the client and the server. Both sides
must derive the same values from the same inputs, so nothing in here
draws from a random source.
*/

// UniformLen is the byte length of the uniform string a ristretto
// element is derived from.
const UniformLen = 64

// Fingerprint returns the blake3 digest of a serialized blob.
func Fingerprint(blob []byte) [32]byte {
	return blake3.Sum256(blob)
}

// Uniform expands src to UniformLen bytes with the blake3 XOF in the
// given domain. It feeds hash-to-group.
func Uniform(domain string, src []byte) (out [UniformLen]byte) {
	h := blake3.NewDeriveKey(domain)
	h.Write(src)
	d := h.Digest()
	d.Read(out[:])
	return
}

// DeriveSeeds derives n seeds of length size from material in the given
// domain. Seed i is the XOF output of (material || i).
func DeriveSeeds(domain string, material []byte, n, size int) [][]byte {
	seeds := make([][]byte, n)
	h := blake3.NewDeriveKey(domain)
	var idx [4]byte
	for i := range seeds {
		h.Reset()
		h.Write(material)
		binary.LittleEndian.PutUint32(idx[:], uint32(i))
		h.Write(idx[:])
		seeds[i] = make([]byte, size)
		d := h.Digest()
		d.Read(seeds[i])
	}
	return seeds
}

// DeriveInt64 folds material into a 63-bit non negative integer, used to
// seed deterministic math/rand sources.
func DeriveInt64(domain string, material []byte) int64 {
	var out [8]byte
	if err := PseudorandomGenerate(out[:], material, blake3.NewDeriveKey(domain)); err != nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(out[:]) >> 1)
}
