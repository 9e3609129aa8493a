package mpc

import (
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/rawblock/mpc-swap-node/internal/field"
)

// 3-party replicated secret sharing over Z_p. A secret x is split into
// additive shares s0 + s1 + s2 = x (mod p), and each party holds two of the
// three:
//
//	party 0: (s0, s1)
//	party 1: (s1, s2)
//	party 2: (s2, s0)
//
// The second element of party k's view equals the first element of party
// (k+1) mod 3's view. That overlap is the integrity check used during
// two-party reconstruction.

// NumParties is fixed; the view layout and all routing are 3-specific.
const NumParties = 3

var (
	ErrInvalidParty = errors.New("mpc: party id must be in {0,1,2}")

	// ErrReconstructionMismatch is reported (not returned) when the
	// overlapping share disagrees between two views. The honest-but-curious
	// setting treats it as a warning; reconstruction still proceeds.
	ErrReconstructionMismatch = errors.New("mpc: overlap share mismatch between views")
)

// Triple is the full set of additive shares of one secret. Only a dealer
// ever holds all three.
type Triple struct {
	S [NumParties]*big.Int
}

// View is the pair of shares one party holds for one secret.
type View struct {
	A *big.Int `json:"a"`
	B *big.Int `json:"b"`
}

// Share splits x into a fresh RSS triple. The first two shares are uniform;
// the third is whatever makes the sum come out to x.
func Share(x *big.Int) (Triple, error) {
	s0, err := field.Rand()
	if err != nil {
		return Triple{}, err
	}
	s1, err := field.Rand()
	if err != nil {
		return Triple{}, err
	}
	s2 := field.Sub(field.Sub(field.Normalize(x), s0), s1)
	return Triple{S: [NumParties]*big.Int{s0, s1, s2}}, nil
}

// Reconstruct sums all three shares back into the secret.
func Reconstruct(t Triple) *big.Int {
	return field.Add(field.Add(t.S[0], t.S[1]), t.S[2])
}

// ViewFor returns party k's view of the triple: (s_k, s_{k+1 mod 3}).
func ViewFor(t Triple, k int) (View, error) {
	if k < 0 || k >= NumParties {
		return View{}, ErrInvalidParty
	}
	return View{
		A: new(big.Int).Set(t.S[k]),
		B: new(big.Int).Set(t.S[(k+1)%NumParties]),
	}, nil
}

// ReconstructFromTwo recovers the secret from the views of two distinct
// parties j and k. If the overlapping share disagrees between the two views
// a warning is logged and reconstruction proceeds with party j's copy.
func ReconstructFromTwo(vj, vk View, j, k int) (*big.Int, error) {
	if j < 0 || j >= NumParties || k < 0 || k >= NumParties {
		return nil, ErrInvalidParty
	}
	if j == k {
		return nil, fmt.Errorf("mpc: need views from two distinct parties, got %d twice", j)
	}
	if vj.A == nil || vj.B == nil || vk.A == nil || vk.B == nil {
		return nil, errors.New("mpc: view contains nil share")
	}

	// Lay each view's shares into their absolute slots; party j's copy wins
	// on the overlapping slot, party k fills the remaining one.
	var shares [NumParties]*big.Int
	shares[j] = vj.A
	shares[(j+1)%NumParties] = vj.B

	for i, s := range []*big.Int{vk.A, vk.B} {
		slot := (k + i) % NumParties
		if shares[slot] == nil {
			shares[slot] = s
		} else if shares[slot].Cmp(s) != 0 {
			log.Printf("[MPC] WARNING: %v (slot %d, parties %d/%d)", ErrReconstructionMismatch, slot, j, k)
		}
	}

	return field.Add(field.Add(shares[0], shares[1]), shares[2]), nil
}

// AddViews adds two views componentwise. If all three parties do the same to
// their own views, the results form a sharing of the summed secret.
func AddViews(a, b View) View {
	return View{A: field.Add(a.A, b.A), B: field.Add(a.B, b.B)}
}

// SubViews subtracts b from a componentwise.
func SubViews(a, b View) View {
	return View{A: field.Sub(a.A, b.A), B: field.Sub(a.B, b.B)}
}

// ScalarMulView multiplies both shares by a public scalar.
func ScalarMulView(v View, c *big.Int) View {
	return View{A: field.Mul(v.A, c), B: field.Mul(v.B, c)}
}

// ZeroView is the view every party holds of a trivial sharing of zero.
func ZeroView() View {
	return View{A: big.NewInt(0), B: big.NewInt(0)}
}

// Clone returns a deep copy of the view.
func (v View) Clone() View {
	out := View{}
	if v.A != nil {
		out.A = new(big.Int).Set(v.A)
	}
	if v.B != nil {
		out.B = new(big.Int).Set(v.B)
	}
	return out
}

// BeaverTriple is a multiplication triple (a, b, c = a*b), each RSS-shared.
// Triples are consumed one per multiplication and never reused.
type BeaverTriple struct {
	A, B, C Triple
}

// BeaverViews is one party's slice of a Beaver triple.
type BeaverViews struct {
	A, B, C View
}

// NewBeaverTriple samples a fresh multiplication triple.
func NewBeaverTriple() (BeaverTriple, error) {
	a, err := field.Rand()
	if err != nil {
		return BeaverTriple{}, err
	}
	b, err := field.Rand()
	if err != nil {
		return BeaverTriple{}, err
	}
	ta, err := Share(a)
	if err != nil {
		return BeaverTriple{}, err
	}
	tb, err := Share(b)
	if err != nil {
		return BeaverTriple{}, err
	}
	tc, err := Share(field.Mul(a, b))
	if err != nil {
		return BeaverTriple{}, err
	}
	return BeaverTriple{A: ta, B: tb, C: tc}, nil
}

// ViewsFor extracts party k's views of all three triple components.
func (bt BeaverTriple) ViewsFor(k int) (BeaverViews, error) {
	va, err := ViewFor(bt.A, k)
	if err != nil {
		return BeaverViews{}, err
	}
	vb, err := ViewFor(bt.B, k)
	if err != nil {
		return BeaverViews{}, err
	}
	vc, err := ViewFor(bt.C, k)
	if err != nil {
		return BeaverViews{}, err
	}
	return BeaverViews{A: va, B: vb, C: vc}, nil
}
