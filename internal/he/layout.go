package he

import (
	"encoding/binary"
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/ring"
)

// layout walks the lattigo binary form of an object and checks every
// length header against a template of the expected shape. lattigo sizes
// its buffers from these headers and does not survive a buffer shorter
// than they announce, so untrusted bytes go through layout first.
type layout struct {
	b   []byte
	off int
	err error
}

func (l *layout) fail(format string, args ...interface{}) {
	if l.err == nil {
		l.err = fmt.Errorf(format, args...)
	}
}

func (l *layout) next(n int) []byte {
	if l.err != nil {
		return nil
	}
	if n > len(l.b)-l.off {
		l.fail("truncated at byte %d", l.off)
		return nil
	}
	s := l.b[l.off : l.off+n]
	l.off += n
	return s
}

func (l *layout) header(want int, what string) {
	s := l.next(8)
	if s == nil {
		return
	}
	if got := binary.LittleEndian.Uint64(s); got != uint64(want) {
		l.fail("%s is %d, want %d", what, got, want)
	}
}

// poly checks a polynomial shaped as p
func (l *layout) poly(p ring.Poly) {
	l.header(len(p.Coeffs), "modulus count")
	for _, row := range p.Coeffs {
		l.header(len(row), "ring degree")
		l.next(8 * len(row))
	}
}

func (l *layout) end() error {
	if l.err == nil && l.off != len(l.b) {
		l.fail("%d trailing bytes", len(l.b)-l.off)
	}
	return l.err
}

// checkCiphertext accepts only the encoding of a ciphertext shaped as tmpl
func checkCiphertext(b []byte, tmpl *rlwe.Ciphertext) error {
	if len(b) != tmpl.BinarySize() {
		return fmt.Errorf("%d bytes, want %d", len(b), tmpl.BinarySize())
	}
	l := &layout{b: b}
	if flag := l.next(1); flag != nil && flag[0] != 1 {
		l.fail("no metadata")
	}
	l.next(tmpl.MetaData.BinarySize())
	l.header(len(tmpl.Value), "polynomial count")
	for _, p := range tmpl.Value {
		l.poly(p)
	}
	return l.end()
}

// checkRelinKey accepts only the encoding of a key shaped as tmpl
func checkRelinKey(b []byte, tmpl *rlwe.RelinearizationKey) error {
	if len(b) != tmpl.BinarySize() {
		return fmt.Errorf("%d bytes, want %d", len(b), tmpl.BinarySize())
	}
	l := &layout{b: b}
	l.header(tmpl.BaseTwoDecomposition, "base two decomposition")
	l.header(len(tmpl.Value), "decomposition rows")
	for _, row := range tmpl.Value {
		l.header(len(row), "decomposition columns")
		for _, v := range row {
			l.header(len(v), "gadget size")
			for _, p := range v {
				l.poly(p.Q)
				l.poly(p.P)
			}
		}
	}
	return l.end()
}
