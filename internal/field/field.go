package field

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Arithmetic in the prime field Z_p with p = 2^256 - 189. Every exported
// function normalises its inputs and returns a fresh big.Int in [0, p), so
// callers never alias internal state.

var (
	// P is the field modulus, 2^256 - 189.
	P = func() *big.Int {
		p := new(big.Int).Lsh(big.NewInt(1), 256)
		return p.Sub(p, big.NewInt(189))
	}()

	ErrDivisionByZero = errors.New("field: division by zero")
	ErrNotInvertible  = errors.New("field: element is not invertible")
)

// Normalize maps an arbitrary integer into [0, p). Negative inputs wrap the
// way ((a mod p) + p) mod p does.
func Normalize(a *big.Int) *big.Int {
	r := new(big.Int).Mod(a, P)
	if r.Sign() < 0 {
		r.Add(r, P)
	}
	return r
}

// Add returns (a + b) mod p.
func Add(a, b *big.Int) *big.Int {
	r := new(big.Int).Add(Normalize(a), Normalize(b))
	return r.Mod(r, P)
}

// Sub returns (a - b) mod p. The borrow never leaks: the result is always
// reduced into [0, p).
func Sub(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(Normalize(a), Normalize(b))
	if r.Sign() < 0 {
		r.Add(r, P)
	}
	return r
}

// Mul returns (a * b) mod p.
func Mul(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(Normalize(a), Normalize(b))
	return r.Mod(r, P)
}

// Exp returns base^exp mod p by square-and-multiply.
func Exp(base, exp *big.Int) *big.Int {
	b := Normalize(base)
	e := new(big.Int).Set(exp)
	result := big.NewInt(1)
	acc := new(big.Int).Set(b)
	for e.Sign() > 0 {
		if e.Bit(0) == 1 {
			result.Mul(result, acc)
			result.Mod(result, P)
		}
		acc.Mul(acc, acc)
		acc.Mod(acc, P)
		e.Rsh(e, 1)
	}
	return result
}

// Inv returns the modular inverse of a via the extended Euclidean algorithm.
func Inv(a *big.Int) (*big.Int, error) {
	x := Normalize(a)
	if x.Sign() == 0 {
		return nil, ErrNotInvertible
	}

	// Extended Euclid: maintain r0 = s0*x + t0*p until r0 divides out.
	r0, r1 := new(big.Int).Set(x), new(big.Int).Set(P)
	s0, s1 := big.NewInt(1), big.NewInt(0)
	for r1.Sign() != 0 {
		q := new(big.Int).Div(r0, r1)
		r0, r1 = r1, new(big.Int).Sub(r0, new(big.Int).Mul(q, r1))
		s0, s1 = s1, new(big.Int).Sub(s0, new(big.Int).Mul(q, s1))
	}
	if r0.Cmp(big.NewInt(1)) != 0 {
		// gcd(x, p) != 1 cannot happen for prime p and 0 < x < p, but the
		// check keeps the function total if P were ever swapped out.
		return nil, fmt.Errorf("%w: gcd %s", ErrNotInvertible, r0)
	}
	return Normalize(s0), nil
}

// Div returns a * b^-1 mod p.
func Div(a, b *big.Int) (*big.Int, error) {
	if Normalize(b).Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	inv, err := Inv(b)
	if err != nil {
		return nil, err
	}
	return Mul(a, inv), nil
}

// Rand returns a uniform random field element: 32 cryptographically random
// bytes reduced mod p. The reduction bias is negligible because p is within
// 189 of 2^256.
func Rand() (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("field: sampling randomness: %w", err)
	}
	return new(big.Int).Mod(new(big.Int).SetBytes(buf), P), nil
}
