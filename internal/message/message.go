// Package message holds the wire formats of the Query and the Result
// buffers. Ciphertexts travel as opaque byte strings; parsing them is
// left to the encryption context.
//
// Every buffer starts with a 4 byte magic, a little endian uint32
// version and the 32 byte Parameters fingerprint.
package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/optable/apsi/pkg/psi"
)

// Version of the query and result formats
const Version uint32 = 1

// maxCiphertextSize bounds a single serialized ciphertext or key
const maxCiphertextSize = 1 << 30

var (
	QueryMagic  = [4]byte{'A', 'P', 'S', 'Q'}
	ResultMagic = [4]byte{'A', 'P', 'S', 'R'}
)

type header struct {
	Magic       [4]byte
	Version     uint32
	Fingerprint [32]byte
}

// QueryPart is the encryption of one power of the query values packed in
// one bin group, for one batch.
type QueryPart struct {
	Batch      uint32
	Group      uint32
	Power      uint32
	Ciphertext []byte
}

// Query is what the client sends to the server
type Query struct {
	Fingerprint [32]byte
	// RelinKey is empty when the evaluation never multiplies two
	// ciphertexts
	RelinKey []byte
	Parts    []QueryPart
}

// ResultPart is the evaluation of the bin polynomials of one bundle at
// one (batch, group) of the query.
type ResultPart struct {
	Bundle     uint32
	Batch      uint32
	Group      uint32
	Ciphertext []byte
}

// Result is what the server returns to the client
type Result struct {
	Fingerprint [32]byte
	Parts       []ResultPart
}

// MarshalBinary returns the wire form of the query
func (q *Query) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := &writer{w: &buf}
	w.write(header{Magic: QueryMagic, Version: Version, Fingerprint: q.Fingerprint})
	w.bytes(q.RelinKey)
	w.write(uint32(len(q.Parts)))
	for _, p := range q.Parts {
		w.write([3]uint32{p.Batch, p.Group, p.Power})
		w.bytes(p.Ciphertext)
	}
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary parses a query. Any disagreement between the declared
// sizes and the buffer returns ErrProtocol.
func (q *Query) UnmarshalBinary(b []byte) error {
	r := &reader{r: bytes.NewReader(b)}
	var h header
	r.read(&h)
	if r.err == nil {
		r.checkHeader(h, QueryMagic)
	}
	relinKey := r.bytes()
	var n uint32
	r.read(&n)
	if r.err == nil && uint64(n)*16 > uint64(r.r.Len()) {
		r.fail(fmt.Errorf("%d query parts cannot fit %d bytes", n, r.r.Len()))
	}

	var parts []QueryPart
	for i := uint32(0); r.err == nil && i < n; i++ {
		var coords [3]uint32
		r.read(&coords)
		parts = append(parts, QueryPart{Batch: coords[0], Group: coords[1], Power: coords[2], Ciphertext: r.bytes()})
	}
	r.end()
	if r.err != nil {
		return fmt.Errorf("%w: query: %v", psi.ErrProtocol, r.err)
	}

	q.Fingerprint, q.RelinKey, q.Parts = h.Fingerprint, relinKey, parts
	return nil
}

// MarshalBinary returns the wire form of the result
func (res *Result) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := &writer{w: &buf}
	w.write(header{Magic: ResultMagic, Version: Version, Fingerprint: res.Fingerprint})
	w.write(uint32(len(res.Parts)))
	for _, p := range res.Parts {
		w.write([3]uint32{p.Bundle, p.Batch, p.Group})
		w.bytes(p.Ciphertext)
	}
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary parses a result. Any disagreement between the declared
// sizes and the buffer returns ErrProtocol.
func (res *Result) UnmarshalBinary(b []byte) error {
	r := &reader{r: bytes.NewReader(b)}
	var h header
	r.read(&h)
	if r.err == nil {
		r.checkHeader(h, ResultMagic)
	}
	var n uint32
	r.read(&n)
	if r.err == nil && uint64(n)*16 > uint64(r.r.Len()) {
		r.fail(fmt.Errorf("%d result parts cannot fit %d bytes", n, r.r.Len()))
	}

	var parts []ResultPart
	for i := uint32(0); r.err == nil && i < n; i++ {
		var coords [3]uint32
		r.read(&coords)
		parts = append(parts, ResultPart{Bundle: coords[0], Batch: coords[1], Group: coords[2], Ciphertext: r.bytes()})
	}
	r.end()
	if r.err != nil {
		return fmt.Errorf("%w: result: %v", psi.ErrProtocol, r.err)
	}

	res.Fingerprint, res.Parts = h.Fingerprint, parts
	return nil
}

// writer keeps the first error of a sequence of writes
type writer struct {
	w   io.Writer
	err error
}

func (w *writer) write(v interface{}) {
	if w.err == nil {
		w.err = binary.Write(w.w, binary.LittleEndian, v)
	}
}

func (w *writer) bytes(b []byte) {
	w.write(uint32(len(b)))
	if w.err == nil {
		_, w.err = w.w.Write(b)
	}
}

// reader keeps the first error of a sequence of reads
type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) read(v interface{}) {
	if r.err == nil {
		r.err = binary.Read(r.r, binary.LittleEndian, v)
	}
}

func (r *reader) bytes() []byte {
	var n uint32
	r.read(&n)
	if r.err != nil {
		return nil
	}
	if n > maxCiphertextSize || int64(n) > int64(r.r.Len()) {
		r.fail(fmt.Errorf("declared %d bytes, %d left", n, r.r.Len()))
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.fail(err)
		return nil
	}
	return b
}

func (r *reader) checkHeader(h header, magic [4]byte) {
	switch {
	case h.Magic != magic:
		r.fail(fmt.Errorf("bad magic %q", h.Magic[:]))
	case h.Version != Version:
		r.fail(fmt.Errorf("unsupported version %d", h.Version))
	}
}

func (r *reader) end() {
	if r.err == nil && r.r.Len() != 0 {
		r.fail(fmt.Errorf("%d trailing bytes", r.r.Len()))
	}
}
