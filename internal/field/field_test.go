package field

import (
	"errors"
	"math/big"
	"testing"
)

func TestSubWrapsBelowZero(t *testing.T) {
	// 3 - 5 must wrap to p - 2, never go negative.
	got := Sub(big.NewInt(3), big.NewInt(5))
	want := new(big.Int).Sub(P, big.NewInt(2))
	if got.Cmp(want) != 0 {
		t.Errorf("Sub(3,5) = %s, want p-2", got)
	}
	if got.Sign() < 0 {
		t.Error("Sub produced a negative element")
	}
}

func TestAddReduces(t *testing.T) {
	// (p-1) + 2 = 1 mod p
	got := Add(new(big.Int).Sub(P, big.NewInt(1)), big.NewInt(2))
	if got.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("Add(p-1, 2) = %s, want 1", got)
	}
}

func TestNormalizeNegative(t *testing.T) {
	got := Normalize(big.NewInt(-1))
	want := new(big.Int).Sub(P, big.NewInt(1))
	if got.Cmp(want) != 0 {
		t.Errorf("Normalize(-1) = %s, want p-1", got)
	}
}

func TestDivRoundTrip(t *testing.T) {
	a := big.NewInt(123456789)
	b := big.NewInt(987654321)
	q, err := Div(a, b)
	if err != nil {
		t.Fatalf("Div: %v", err)
	}
	if Mul(q, b).Cmp(Normalize(a)) != 0 {
		t.Error("Div(a,b)*b != a")
	}
}

func TestDivByZero(t *testing.T) {
	if _, err := Div(big.NewInt(1), big.NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
	// p is congruent to zero and must be rejected too.
	if _, err := Div(big.NewInt(1), new(big.Int).Set(P)); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero for b=p, got %v", err)
	}
}

func TestInvZero(t *testing.T) {
	if _, err := Inv(big.NewInt(0)); !errors.Is(err, ErrNotInvertible) {
		t.Errorf("expected ErrNotInvertible, got %v", err)
	}
}

func TestExpMatchesFermat(t *testing.T) {
	// a^(p-1) = 1 for a != 0 (Fermat's little theorem).
	a := big.NewInt(7)
	got := Exp(a, new(big.Int).Sub(P, big.NewInt(1)))
	if got.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("7^(p-1) = %s, want 1", got)
	}
}

func TestExpSmall(t *testing.T) {
	got := Exp(big.NewInt(2), big.NewInt(10))
	if got.Cmp(big.NewInt(1024)) != 0 {
		t.Errorf("2^10 = %s, want 1024", got)
	}
}

func TestRandInRange(t *testing.T) {
	for i := 0; i < 32; i++ {
		r, err := Rand()
		if err != nil {
			t.Fatalf("Rand: %v", err)
		}
		if r.Sign() < 0 || r.Cmp(P) >= 0 {
			t.Fatalf("Rand out of range: %s", r)
		}
	}
}
