package crypto

import (
	"github.com/zeebo/blake3"
)

// PseudorandomGenerate expands seed into dst with the blake3 XOF keyed
// by the state of h. h is reset first, so a keyed or derive-key hasher
// keeps its domain across calls.
func PseudorandomGenerate(dst []byte, seed []byte, h *blake3.Hasher) error {
	// reset internal state
	h.Reset()
	if _, err := h.Write(seed); err != nil {
		return err
	}

	drbg := h.Digest()

	_, err := drbg.Read(dst)

	return err
}
