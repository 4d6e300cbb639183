package hash

import (
	"fmt"

	"github.com/minio/highwayhash"
	"github.com/shivakar/metrohash"
	"github.com/twmb/murmur3"
)

// SaltLength is the byte length of every hasher seed. highwayhash
// keys are exactly 32 bytes, the other hashers prefix the salt.
const SaltLength = 32

// Hash types accepted by New. Metro is the zero value.
const (
	Metro = iota
	Murmur3
	Highway
)

var (
	ErrUnknownHash        = fmt.Errorf("cannot create a hasher of unknown hash type")
	ErrSaltLengthMismatch = fmt.Errorf("provided salt is not %d length", SaltLength)
)

// Hasher implements different non cryptographic hashing functions
type Hasher interface {
	Hash64([]byte) uint64
}

// New creates a hasher of type t
func New(t int, salt []byte) (Hasher, error) {
	switch t {
	case Murmur3:
		return NewMurmur3Hasher(salt)
	case Metro:
		return NewMetroHasher(salt)
	case Highway:
		return NewHighwayHasher(salt)
	default:
		return nil, ErrUnknownHash
	}
}

// Murmur3 implementation of Hasher
type murmur64 struct {
	salt []byte
}

// NewMurmur3Hasher returns a Murmur3 hasher that uses salt as a prefix to the
// bytes being summed
func NewMurmur3Hasher(salt []byte) (murmur64, error) {
	if len(salt) != SaltLength {
		return murmur64{}, ErrSaltLengthMismatch
	}

	return murmur64{salt: append([]byte(nil), salt...)}, nil
}

func (t murmur64) Hash64(p []byte) uint64 {
	h := murmur3.New64()
	h.Write(t.salt)
	h.Write(p)
	return h.Sum64()
}

// Metro Hash implementation of Hasher
type metro struct {
	salt []byte
}

// NewMetroHasher returns a metro64 hasher that uses salt as a
// prefix to the bytes being summed
func NewMetroHasher(salt []byte) (metro, error) {
	if len(salt) != SaltLength {
		return metro{}, ErrSaltLengthMismatch
	}

	return metro{salt: append([]byte(nil), salt...)}, nil
}

func (m metro) Hash64(p []byte) uint64 {
	h := metrohash.NewMetroHash64()
	h.Write(m.salt)
	h.Write(p)
	return h.Sum64()
}

// Highway Hash implementation of Hasher, keyed by the salt
type highway struct {
	key []byte
}

// NewHighwayHasher returns a highwayhash64 hasher keyed with salt
func NewHighwayHasher(salt []byte) (highway, error) {
	if len(salt) != SaltLength {
		return highway{}, ErrSaltLengthMismatch
	}

	return highway{key: append([]byte(nil), salt...)}, nil
}

func (h highway) Hash64(p []byte) uint64 {
	return highwayhash.Sum64(p, h.key)
}
