// Package poly implements the few polynomial operations over Z_t the
// bin polynomials need. Coefficients are stored lowest degree first.
package poly

import "math/bits"

// MulMod returns a*b mod t
func MulMod(a, b, t uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return bits.Rem64(hi, lo, t)
}

// AddMod returns a+b mod t for a, b < t
func AddMod(a, b, t uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 || s >= t {
		s -= t
	}
	return s
}

// NegMod returns -a mod t for a < t
func NegMod(a, t uint64) uint64 {
	if a == 0 {
		return 0
	}
	return t - a
}

// FromRoots returns the coefficients of the monic polynomial
// (x - r_0)(x - r_1)...(x - r_n-1) mod t. The result has len(roots)+1
// coefficients and the last one is always 1.
func FromRoots(roots []uint64, t uint64) []uint64 {
	coeffs := make([]uint64, len(roots)+1)
	coeffs[0] = 1
	for i, r := range roots {
		neg := NegMod(r%t, t)
		// multiply by (x - r): shift up then add -r times the old value
		coeffs[i+1] = coeffs[i]
		for j := i; j > 0; j-- {
			coeffs[j] = AddMod(coeffs[j-1], MulMod(coeffs[j], neg, t), t)
		}
		coeffs[0] = MulMod(coeffs[0], neg, t)
	}
	return coeffs
}

// Eval evaluates the polynomial at x with Horner's rule
func Eval(coeffs []uint64, x, t uint64) uint64 {
	var acc uint64
	x %= t
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = AddMod(MulMod(acc, x, t), coeffs[i]%t, t)
	}
	return acc
}
