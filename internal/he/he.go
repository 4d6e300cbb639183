// Package he adapts the lattigo BGV scheme (through its heint wrapper)
// to the operations the query protocol needs: batched encoding, secret
// key encryption, ciphertext-plaintext and ciphertext-ciphertext
// products, and serialization.
//
// Ciphertexts always stay at the top level: the evaluation never
// rescales, the modulus chain is sized for the products it performs.
package he

import (
	"fmt"
	"math/bits"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"
)

var (
	ErrParameters   = fmt.Errorf("invalid encryption parameters")
	ErrCiphertext   = fmt.Errorf("malformed ciphertext")
	ErrRelinKey     = fmt.Errorf("malformed relinearization key")
	ErrSlotOverflow = fmt.Errorf("too many values for the plaintext slots")
)

// Context holds the ring parameters shared by every object of a session
type Context struct {
	params heint.Parameters
	relin  bool
}

// NewContext builds the BGV ring of degree n with plaintext modulus t.
// With more than one entry in coeffBits, the last one sizes the special
// key switching prime and the others the ciphertext modulus chain.
func NewContext(n, t uint64, coeffBits []int) (*Context, error) {
	if n == 0 || n&(n-1) != 0 || len(coeffBits) == 0 {
		return nil, fmt.Errorf("%w: degree %d with %d moduli", ErrParameters, n, len(coeffBits))
	}

	logQ, logP := coeffBits, []int(nil)
	if len(coeffBits) > 1 {
		logQ, logP = coeffBits[:len(coeffBits)-1], coeffBits[len(coeffBits)-1:]
	}

	params, err := heint.NewParametersFromLiteral(heint.ParametersLiteral{
		LogN:             bits.Len64(n) - 1,
		LogQ:             append([]int(nil), logQ...),
		LogP:             append([]int(nil), logP...),
		PlaintextModulus: t,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParameters, err)
	}

	return &Context{params: params, relin: len(logP) > 0}, nil
}

// Slots returns the number of plaintext slots
func (c *Context) Slots() int {
	return c.params.N()
}

// CanRelinearize returns true if the ring has a key switching modulus
func (c *Context) CanRelinearize() bool {
	return c.relin
}

// Level returns the level every ciphertext lives at
func (c *Context) Level() int {
	return c.params.MaxLevel()
}

// GenKeys samples a secret key and, when the ring supports it, the
// matching relinearization key.
func (c *Context) GenKeys() (*rlwe.SecretKey, *rlwe.RelinearizationKey) {
	kgen := rlwe.NewKeyGenerator(c.params)
	sk := kgen.GenSecretKeyNew()
	if !c.relin {
		return sk, nil
	}
	return sk, kgen.GenRelinearizationKeyNew(sk)
}

// Encryptor encrypts batched plaintexts under a secret key. It is not
// safe for concurrent use.
type Encryptor struct {
	ctx     *Context
	encoder *heint.Encoder
	enc     *rlwe.Encryptor
}

// NewEncryptor returns an encryptor under sk
func (c *Context) NewEncryptor(sk *rlwe.SecretKey) *Encryptor {
	return &Encryptor{ctx: c, encoder: heint.NewEncoder(c.params), enc: rlwe.NewEncryptor(c.params, sk)}
}

// Encrypt encodes values into the slots of a plaintext and encrypts it.
// Missing values are 0.
func (e *Encryptor) Encrypt(values []uint64) (*rlwe.Ciphertext, error) {
	pt, err := encode(e.ctx, e.encoder, values)
	if err != nil {
		return nil, err
	}
	return e.enc.EncryptNew(pt)
}

// Decryptor decrypts ciphertexts into slot values. It is not safe for
// concurrent use.
type Decryptor struct {
	ctx     *Context
	encoder *heint.Encoder
	dec     *rlwe.Decryptor
}

// NewDecryptor returns a decryptor under sk
func (c *Context) NewDecryptor(sk *rlwe.SecretKey) *Decryptor {
	return &Decryptor{ctx: c, encoder: heint.NewEncoder(c.params), dec: rlwe.NewDecryptor(c.params, sk)}
}

// Decrypt returns the Slots() values of a ciphertext
func (d *Decryptor) Decrypt(ct *rlwe.Ciphertext) ([]uint64, error) {
	pt := d.dec.DecryptNew(ct)
	values := make([]uint64, d.ctx.Slots())
	if err := d.encoder.Decode(pt, values); err != nil {
		return nil, err
	}
	return values, nil
}

// Encoder encodes slot values into plaintexts at the ciphertext level.
// It is not safe for concurrent use.
type Encoder struct {
	ctx     *Context
	encoder *heint.Encoder
}

// NewEncoder returns an encoder
func (c *Context) NewEncoder() *Encoder {
	return &Encoder{ctx: c, encoder: heint.NewEncoder(c.params)}
}

// Encode encodes values into the slots of a plaintext. Missing values
// are 0.
func (e *Encoder) Encode(values []uint64) (*rlwe.Plaintext, error) {
	return encode(e.ctx, e.encoder, values)
}

// Evaluator computes on ciphertexts. It is not safe for concurrent use:
// every worker needs its own.
type Evaluator struct {
	ctx     *Context
	encoder *heint.Encoder
	eval    *heint.Evaluator
	relin   bool
}

// NewEvaluator returns an evaluator. rlk may be nil when no two
// ciphertexts are ever multiplied.
func (c *Context) NewEvaluator(rlk *rlwe.RelinearizationKey) *Evaluator {
	var evk rlwe.EvaluationKeySet
	if rlk != nil {
		evk = rlwe.NewMemEvaluationKeySet(rlk)
	}
	return &Evaluator{
		ctx:     c,
		encoder: heint.NewEncoder(c.params),
		eval:    heint.NewEvaluator(c.params, evk),
		relin:   rlk != nil,
	}
}

// Encode encodes values into the slots of a plaintext at the ciphertext
// level. Missing values are 0.
func (e *Evaluator) Encode(values []uint64) (*rlwe.Plaintext, error) {
	return encode(e.ctx, e.encoder, values)
}

// MulPlain returns ct * pt
func (e *Evaluator) MulPlain(ct *rlwe.Ciphertext, pt *rlwe.Plaintext) (*rlwe.Ciphertext, error) {
	return e.eval.MulNew(ct, pt)
}

// Mul returns the relinearized product a * b
func (e *Evaluator) Mul(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	if !e.relin {
		return nil, fmt.Errorf("%w: a ciphertext product needs a relinearization key", ErrRelinKey)
	}
	return e.eval.MulRelinNew(a, b)
}

// Add sets acc to acc + op, op being a ciphertext or a plaintext
func (e *Evaluator) Add(acc *rlwe.Ciphertext, op rlwe.Operand) error {
	return e.eval.Add(acc, op, acc)
}

func encode(c *Context, encoder *heint.Encoder, values []uint64) (*rlwe.Plaintext, error) {
	if len(values) > c.Slots() {
		return nil, fmt.Errorf("%w: %d values for %d slots", ErrSlotOverflow, len(values), c.Slots())
	}
	slots := values
	if len(values) < c.Slots() {
		slots = make([]uint64, c.Slots())
		copy(slots, values)
	}
	pt := heint.NewPlaintext(c.params, c.params.MaxLevel())
	if err := encoder.Encode(slots, pt); err != nil {
		return nil, err
	}
	return pt, nil
}

// MarshalCiphertext returns the binary form of a ciphertext
func MarshalCiphertext(ct *rlwe.Ciphertext) ([]byte, error) {
	return ct.MarshalBinary()
}

// UnmarshalCiphertext parses a degree 1 ciphertext of the context ring
// at the top level. Any other shape is ErrCiphertext.
func (c *Context) UnmarshalCiphertext(b []byte) (*rlwe.Ciphertext, error) {
	ct := heint.NewCiphertext(c.params, 1, c.Level())
	if err := checkCiphertext(b, ct); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	want := *ct.MetaData
	if err := ct.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if ct.Degree() != 1 || ct.Level() != c.Level() || ct.Value[0].N() != c.params.N() {
		return nil, fmt.Errorf("%w: degree %d, level %d, ring degree %d", ErrCiphertext, ct.Degree(), ct.Level(), ct.Value[0].N())
	}
	if !ct.IsBatched || ct.IsNTT != want.IsNTT || ct.IsMontgomery != want.IsMontgomery || ct.LogDimensions != want.LogDimensions {
		return nil, fmt.Errorf("%w: unexpected metadata", ErrCiphertext)
	}
	return ct, nil
}

// MarshalRelinKey returns the binary form of a relinearization key
func MarshalRelinKey(rlk *rlwe.RelinearizationKey) ([]byte, error) {
	return rlk.MarshalBinary()
}

// UnmarshalRelinKey parses a relinearization key
func (c *Context) UnmarshalRelinKey(b []byte) (*rlwe.RelinearizationKey, error) {
	if !c.relin {
		return nil, fmt.Errorf("%w: the ring has no key switching modulus", ErrRelinKey)
	}
	rlk := rlwe.NewRelinearizationKey(c.params)
	if err := checkRelinKey(b, rlk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelinKey, err)
	}
	if err := rlk.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelinKey, err)
	}
	if rlk.LevelQ() != c.params.MaxLevelQ() || rlk.LevelP() != c.params.MaxLevelP() {
		return nil, fmt.Errorf("%w: levels %d and %d", ErrRelinKey, rlk.LevelQ(), rlk.LevelP())
	}
	return rlk, nil
}
