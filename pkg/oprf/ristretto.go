package oprf

import (
	"crypto/sha512"

	gr "github.com/bwesterb/go-ristretto"
	r255 "github.com/gtank/ristretto255"
	"github.com/optable/apsi/internal/crypto"
	"github.com/optable/apsi/pkg/psi"
	"golang.org/x/crypto/blake2b"
)

// Ristretto implementations accepted by NewRistretto. R255 is the zero
// value.
const (
	RistrettoTypeR255 = iota
	RistrettoTypeGR
)

// EncodedLen is the byte length of an encoded ristretto point
const EncodedLen = 32

// itemDomain separates the hash-to-group input from other blake3 uses
const itemDomain = "apsi 2024 oprf item"

// Ristretto multiplies points by the key. Both implementations produce
// identical outputs.
type Ristretto interface {
	// DeriveMultiply maps msg to a point and multiplies it by the key
	DeriveMultiply(msg []byte) [EncodedLen]byte
	// Multiply decodes a point and multiplies it by the key. It returns
	// false if encoded is not a valid point.
	Multiply(encoded [EncodedLen]byte) ([EncodedLen]byte, bool)
}

type GR struct {
	key *gr.Scalar
}

type R255 struct {
	key *r255.Scalar
}

// NewRistretto returns the ristretto implementation of type t keyed by
// key. Unknown types default to R255.
func NewRistretto(t int, key *Key) Ristretto {
	switch t {
	case RistrettoTypeGR:
		var s gr.Scalar
		s.SetBytes(&key.b)
		return &GR{key: &s}
	default:
		s := r255.NewScalar()
		// key bytes are canonical, checked at construction
		_ = s.Decode(key.b[:])
		return &R255{key: s}
	}
}

// "github.com/bwesterb/go-ristretto"
func (g *GR) DeriveMultiply(msg []byte) [EncodedLen]byte {
	var p gr.Point
	// derive
	p.DeriveDalek(msg)
	// multiply
	var q gr.Point
	q.ScalarMult(&p, g.key)
	// return
	var out [EncodedLen]byte
	q.BytesInto(&out)
	return out
}

func (g *GR) Multiply(encoded [EncodedLen]byte) ([EncodedLen]byte, bool) {
	var out [EncodedLen]byte
	// multiply
	var p gr.Point
	if !p.SetBytes(&encoded) {
		return out, false
	}
	p.ScalarMult(&p, g.key)
	// return
	p.BytesInto(&out)
	return out, true
}

// "github.com/gtank/ristretto255"
func (r *R255) DeriveMultiply(msg []byte) [EncodedLen]byte {
	var p = r255.NewElement()
	// derive
	hash := sha512.Sum512(msg)
	p.FromUniformBytes(hash[:])
	// multiply
	p.ScalarMult(r.key, p)
	// return
	var out [EncodedLen]byte
	copy(out[:], p.Encode(nil))
	return out
}

func (r *R255) Multiply(encoded [EncodedLen]byte) ([EncodedLen]byte, bool) {
	var out [EncodedLen]byte
	// multiply
	var p = r255.NewElement()
	if err := p.Decode(encoded[:]); err != nil {
		return out, false
	}
	p.ScalarMult(r.key, p)
	// return
	copy(out[:], p.Encode(nil))
	return out, true
}

// message returns the hash-to-group input of an item
func message(item psi.Item) []byte {
	u := crypto.Uniform(itemDomain, item.Bytes())
	return u[:]
}

// finalize maps the point k*H(item) to a hashed item: the first 16
// bytes of its blake2b-256 digest.
func finalize(point [EncodedLen]byte) psi.HashedItem {
	digest := blake2b.Sum256(point[:])
	h, _ := psi.HashedItemFromBytes(digest[:psi.ItemLen])
	return h
}

// HashWith evaluates the OPRF directly on an item with a keyed ristretto
func HashWith(r Ristretto, item psi.Item) psi.HashedItem {
	return finalize(r.DeriveMultiply(message(item)))
}
