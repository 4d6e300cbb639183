// Package oprf implements the oblivious PRF that maps client items into
// the server's hashed item space.
//
// The client hashes every item to a ristretto255 point P, blinds it with
// a fresh random scalar r and sends r*P. The server multiplies by its key
// k and returns k*r*P. The client removes r and hashes k*P into a
// HashedItem, the same value the server computes directly on its own
// items.
//
// Requests and responses share one wire format: a little endian uint32
// point count followed by count 32 byte encoded points.
package oprf

import (
	"context"
	"encoding/binary"
	"fmt"

	gr "github.com/bwesterb/go-ristretto"
	"github.com/optable/apsi/internal/util"
	"github.com/optable/apsi/pkg/psi"
)

// MaxPoints bounds the number of points of a request
const MaxPoints = 1 << 24

// Receiver is the client side of one OPRF exchange. It holds the
// blinding factors of the request it created.
type Receiver struct {
	inverses []gr.Scalar
	request  []byte
}

// NewReceiver blinds items and prepares the request. Blinding factors
// are fresh on every call.
func NewReceiver(items psi.Items) (*Receiver, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items to hash", psi.ErrInvalidArgument)
	}
	if len(items) > MaxPoints {
		return nil, fmt.Errorf("%w: %d items exceed the %d limit", psi.ErrInvalidArgument, len(items), MaxPoints)
	}

	r := &Receiver{
		inverses: make([]gr.Scalar, len(items)),
		request:  make([]byte, 4+EncodedLen*len(items)),
	}
	binary.LittleEndian.PutUint32(r.request[:4], uint32(len(items)))

	for i, item := range items {
		var p gr.Point
		p.DeriveDalek(message(item))

		var blind gr.Scalar
		blind.Rand()
		p.ScalarMult(&p, &blind)
		r.inverses[i].Inverse(&blind)

		var out [EncodedLen]byte
		p.BytesInto(&out)
		copy(r.request[4+i*EncodedLen:], out[:])
	}

	return r, nil
}

// Request returns the blinded request
func (r *Receiver) Request() []byte {
	return r.request
}

// Len returns the number of items of the request
func (r *Receiver) Len() int {
	return len(r.inverses)
}

// Unblind removes the blinding factors from the server response and
// returns one hashed item per requested item, in request order.
func (r *Receiver) Unblind(response []byte) ([]psi.HashedItem, error) {
	n, err := pointCount(response)
	if err != nil {
		return nil, err
	}
	if n != len(r.inverses) {
		return nil, fmt.Errorf("%w: response holds %d points, want %d", psi.ErrProtocol, n, len(r.inverses))
	}

	hashed := make([]psi.HashedItem, n)
	for i := range hashed {
		var encoded [EncodedLen]byte
		copy(encoded[:], response[4+i*EncodedLen:])
		var p gr.Point
		if !p.SetBytes(&encoded) {
			return nil, fmt.Errorf("%w: response point #%d is not a valid point", psi.ErrProtocol, i)
		}
		p.ScalarMult(&p, &r.inverses[i])
		p.BytesInto(&encoded)
		hashed[i] = finalize(encoded)
	}

	return hashed, nil
}

// Evaluate multiplies every point of a request by key with the default
// implementation.
func Evaluate(key *Key, request []byte) ([]byte, error) {
	return EvaluateWith(context.Background(), NewRistretto(RistrettoTypeR255, key), request, 0)
}

// EvaluateWith multiplies every point of a request with r, split over
// threads workers. The work does not depend on the point values.
func EvaluateWith(ctx context.Context, r Ristretto, request []byte, threads int) ([]byte, error) {
	n, err := pointCount(request)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty request", psi.ErrInvalidArgument)
	}

	response := make([]byte, len(request))
	copy(response[:4], request[:4])
	err = util.ParallelFor(ctx, n, threads, func(_ context.Context, i int) error {
		var encoded [EncodedLen]byte
		copy(encoded[:], request[4+i*EncodedLen:])
		out, ok := r.Multiply(encoded)
		if !ok {
			return fmt.Errorf("%w: request point #%d is not a valid point", psi.ErrProtocol, i)
		}
		copy(response[4+i*EncodedLen:], out[:])
		return nil
	})
	if err != nil {
		return nil, err
	}

	return response, nil
}

// pointCount checks the size header of a request or a response
func pointCount(b []byte) (int, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: %d bytes cannot hold a point count", psi.ErrProtocol, len(b))
	}
	n := binary.LittleEndian.Uint32(b[:4])
	if n > MaxPoints {
		return 0, fmt.Errorf("%w: %d points exceed the %d limit", psi.ErrProtocol, n, MaxPoints)
	}
	if want := 4 + EncodedLen*int(n); len(b) != want {
		return 0, fmt.Errorf("%w: %d points need %d bytes, got %d", psi.ErrProtocol, n, want, len(b))
	}
	return int(n), nil
}
