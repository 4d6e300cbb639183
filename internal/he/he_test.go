package he

import (
	"encoding/binary"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

const (
	testN = 8192
	testT = 65537
)

var testBits = []int{60, 60, 60, 60}

func TestNewContext(t *testing.T) {
	c, err := NewContext(testN, testT, testBits)
	assert.NilError(t, err)
	assert.Equal(t, c.Slots(), testN)
	assert.Assert(t, c.CanRelinearize())
	assert.Equal(t, c.Level(), 2)

	single, err := NewContext(4096, 40961, []int{50})
	assert.NilError(t, err)
	assert.Assert(t, !single.CanRelinearize())
	_, rlk := single.GenKeys()
	assert.Assert(t, rlk == nil)

	_, err = NewContext(3000, testT, testBits)
	assert.Assert(t, errors.Is(err, ErrParameters))
}

func TestEncryptDecrypt(t *testing.T) {
	c, _ := NewContext(testN, testT, testBits)
	sk, _ := c.GenKeys()
	enc, dec := c.NewEncryptor(sk), c.NewDecryptor(sk)

	values := []uint64{1, 2, 3, testT - 1, 0, 42}
	ct, err := enc.Encrypt(values)
	assert.NilError(t, err)

	got, err := dec.Decrypt(ct)
	assert.NilError(t, err)
	assert.Equal(t, len(got), testN)
	assert.DeepEqual(t, got[:len(values)], values)
	assert.Equal(t, got[testN-1], uint64(0))

	_, err = enc.Encrypt(make([]uint64, testN+1))
	assert.Assert(t, errors.Is(err, ErrSlotOverflow))
}

func TestEvaluate(t *testing.T) {
	c, _ := NewContext(testN, testT, testBits)
	sk, rlk := c.GenKeys()
	enc, dec := c.NewEncryptor(sk), c.NewDecryptor(sk)
	eval := c.NewEvaluator(rlk)

	x := []uint64{3, 5, 7}
	ctX, err := enc.Encrypt(x)
	assert.NilError(t, err)

	// x^2 - 8x + 15 = (x-3)(x-5)
	ctX2, err := eval.Mul(ctX, ctX)
	assert.NilError(t, err)
	ptMinus8, err := eval.Encode([]uint64{testT - 8, testT - 8, testT - 8})
	assert.NilError(t, err)
	pt15, err := eval.Encode([]uint64{15, 15, 15})
	assert.NilError(t, err)

	acc, err := eval.MulPlain(ctX, ptMinus8)
	assert.NilError(t, err)
	assert.NilError(t, eval.Add(acc, ctX2))
	assert.NilError(t, eval.Add(acc, pt15))

	got, err := dec.Decrypt(acc)
	assert.NilError(t, err)
	// 49 - 56 + 15 = 8
	assert.DeepEqual(t, got[:3], []uint64{0, 0, 8})

	// no relinearization key, no product
	plain := c.NewEvaluator(nil)
	_, err = plain.Mul(ctX, ctX)
	assert.Assert(t, errors.Is(err, ErrRelinKey))
}

func TestSerialization(t *testing.T) {
	c, _ := NewContext(testN, testT, testBits)
	sk, rlk := c.GenKeys()
	enc, dec := c.NewEncryptor(sk), c.NewDecryptor(sk)

	ct, _ := enc.Encrypt([]uint64{9, 8, 7})
	b, err := MarshalCiphertext(ct)
	assert.NilError(t, err)
	back, err := c.UnmarshalCiphertext(b)
	assert.NilError(t, err)
	got, _ := dec.Decrypt(back)
	assert.DeepEqual(t, got[:3], []uint64{9, 8, 7})

	_, err = c.UnmarshalCiphertext(b[:len(b)/2])
	assert.Assert(t, errors.Is(err, ErrCiphertext))

	rb, err := MarshalRelinKey(rlk)
	assert.NilError(t, err)
	rlk2, err := c.UnmarshalRelinKey(rb)
	assert.NilError(t, err)

	ct2, err := c.NewEvaluator(rlk2).Mul(back, back)
	assert.NilError(t, err)
	got, _ = dec.Decrypt(ct2)
	assert.DeepEqual(t, got[:3], []uint64{81, 64, 49})

	_, err = c.UnmarshalRelinKey(rb[:10])
	assert.Assert(t, errors.Is(err, ErrRelinKey))

	// a ciphertext from another ring is rejected
	other, _ := NewContext(4096, 40961, []int{50, 50, 50})
	osk, _ := other.GenKeys()
	oct, _ := other.NewEncryptor(osk).Encrypt([]uint64{1})
	ob, _ := MarshalCiphertext(oct)
	_, err = c.UnmarshalCiphertext(ob)
	assert.Assert(t, errors.Is(err, ErrCiphertext))
}

func TestUnmarshalMalformed(t *testing.T) {
	c, _ := NewContext(testN, testT, testBits)
	sk, rlk := c.GenKeys()
	ct, _ := c.NewEncryptor(sk).Encrypt([]uint64{1, 2, 3})
	b, err := MarshalCiphertext(ct)
	assert.NilError(t, err)
	rb, err := MarshalRelinKey(rlk)
	assert.NilError(t, err)

	// set the 8 byte header at off, keeping the length
	forge := func(b []byte, off int, v uint64) []byte {
		f := append([]byte(nil), b...)
		binary.LittleEndian.PutUint64(f[off:], v)
		return f
	}
	meta := 1 + ct.MetaData.BinarySize()

	for name, bad := range map[string][]byte{
		"empty":            nil,
		"truncated":        b[:len(b)/2],
		"one byte short":   b[:len(b)-1],
		"trailing byte":    append(append([]byte(nil), b...), 0),
		"no metadata":      append([]byte{0}, b[1:]...),
		"polynomial count": forge(b, meta, 3),
		"modulus count":    forge(b, meta+8, 1<<40),
		"ring degree":      forge(b, meta+16, 2*testN),
	} {
		_, err := c.UnmarshalCiphertext(bad)
		assert.Assert(t, errors.Is(err, ErrCiphertext), name)
	}

	for name, bad := range map[string][]byte{
		"empty":                  nil,
		"truncated":              rb[:len(rb)/2],
		"trailing byte":          append(append([]byte(nil), rb...), 0),
		"base two decomposition": forge(rb, 0, 7),
		"decomposition rows":     forge(rb, 8, 1<<50),
		"decomposition columns":  forge(rb, 16, 0),
	} {
		_, err := c.UnmarshalRelinKey(bad)
		assert.Assert(t, errors.Is(err, ErrRelinKey), name)
	}

	// the untouched encodings still parse
	_, err = c.UnmarshalCiphertext(b)
	assert.NilError(t, err)
	_, err = c.UnmarshalRelinKey(rb)
	assert.NilError(t, err)
}
