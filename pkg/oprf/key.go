package oprf

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	r255 "github.com/gtank/ristretto255"
	"github.com/optable/apsi/pkg/psi"
)

const (
	// KeySize is the byte length of a key
	KeySize = 32
	// KeyStringLen is the length of the text form of a key: the hex
	// encoding of its length prefixed blob.
	KeyStringLen = 2 * (4 + KeySize)
)

// Key is the server's OPRF secret: a ristretto255 scalar. A Key is
// immutable once created.
type Key struct {
	b [KeySize]byte
}

// NewKey samples a fresh random key
func NewKey() (*Key, error) {
	var uniformBytes = make([]byte, 64)
	if _, err := rand.Read(uniformBytes); err != nil {
		return nil, fmt.Errorf("could not generate uniform bytes to seed r255: %w", err)
	}
	s := r255.NewScalar().FromUniformBytes(uniformBytes)

	k := &Key{}
	copy(k.b[:], s.Encode(nil))
	return k, nil
}

// KeyFromBytes returns the key of a canonical 32 byte scalar encoding
func KeyFromBytes(b []byte) (*Key, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", psi.ErrInvalidArgument, len(b), KeySize)
	}
	if err := r255.NewScalar().Decode(b); err != nil {
		return nil, fmt.Errorf("%w: key is not a canonical scalar: %v", psi.ErrInvalidArgument, err)
	}

	k := &Key{}
	copy(k.b[:], b)
	return k, nil
}

// LoadKey reads a key saved by Save: a little endian uint32 length
// followed by the key bytes.
func LoadKey(r io.Reader) (*Key, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: cannot read key length: %v", psi.ErrCorruptData, err)
	}
	if n != KeySize {
		return nil, fmt.Errorf("%w: key length %d, want %d", psi.ErrCorruptData, n, KeySize)
	}
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: cannot read key: %v", psi.ErrCorruptData, err)
	}

	k, err := KeyFromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", psi.ErrCorruptData, err)
	}
	return k, nil
}

// ParseKey reads the text form produced by String
func ParseKey(s string) (*Key, error) {
	if len(s) != KeyStringLen {
		return nil, fmt.Errorf("%w: key string has length %d, want %d", psi.ErrInvalidArgument, len(s), KeyStringLen)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", psi.ErrInvalidArgument, err)
	}
	if n := binary.LittleEndian.Uint32(b[:4]); n != KeySize {
		return nil, fmt.Errorf("%w: key length %d, want %d", psi.ErrInvalidArgument, n, KeySize)
	}
	return KeyFromBytes(b[4:])
}

// Save writes the key as a little endian uint32 length followed by the
// key bytes.
func (k *Key) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(KeySize)); err != nil {
		return err
	}
	_, err := w.Write(k.b[:])
	return err
}

// Bytes returns a copy of the key bytes
func (k *Key) Bytes() []byte {
	return append([]byte(nil), k.b[:]...)
}

// Equal returns true if both keys hold the same scalar
func (k *Key) Equal(o *Key) bool {
	return k.b == o.b
}

// String returns the hex encoding of the saved key blob
func (k *Key) String() string {
	var b [4 + KeySize]byte
	binary.LittleEndian.PutUint32(b[:4], KeySize)
	copy(b[4:], k.b[:])
	return hex.EncodeToString(b[:])
}

// Hash evaluates the OPRF directly on an item
func (k *Key) Hash(item psi.Item) psi.HashedItem {
	return HashWith(NewRistretto(RistrettoTypeR255, k), item)
}
