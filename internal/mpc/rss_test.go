package mpc

import (
	"math/big"
	"testing"

	"github.com/rawblock/mpc-swap-node/internal/field"
)

func TestShareReconstructRoundTrip(t *testing.T) {
	secrets := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(1000000),
		new(big.Int).Sub(field.P, big.NewInt(1)),
	}
	for _, x := range secrets {
		tr, err := Share(x)
		if err != nil {
			t.Fatalf("Share(%s): %v", x, err)
		}
		if got := Reconstruct(tr); got.Cmp(x) != 0 {
			t.Errorf("Reconstruct(Share(%s)) = %s", x, got)
		}
	}
}

func TestViewOverlapConsistency(t *testing.T) {
	// The second element of view k must equal the first element of view
	// (k+1) mod 3. This overlap underpins the integrity check.
	tr, err := Share(big.NewInt(42))
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < NumParties; k++ {
		vk, _ := ViewFor(tr, k)
		vn, _ := ViewFor(tr, (k+1)%NumParties)
		if vk.B.Cmp(vn.A) != 0 {
			t.Errorf("view %d second element != view %d first element", k, (k+1)%NumParties)
		}
	}
}

func TestReconstructFromTwoAllPairs(t *testing.T) {
	x := big.NewInt(777)
	tr, err := Share(x)
	if err != nil {
		t.Fatal(err)
	}
	for j := 0; j < NumParties; j++ {
		for k := 0; k < NumParties; k++ {
			if j == k {
				continue
			}
			vj, _ := ViewFor(tr, j)
			vk, _ := ViewFor(tr, k)
			got, err := ReconstructFromTwo(vj, vk, j, k)
			if err != nil {
				t.Fatalf("pair (%d,%d): %v", j, k, err)
			}
			if got.Cmp(x) != 0 {
				t.Errorf("pair (%d,%d): reconstructed %s, want %s", j, k, got, x)
			}
		}
	}
}

func TestReconstructFromTwoRejectsSameParty(t *testing.T) {
	tr, _ := Share(big.NewInt(1))
	v, _ := ViewFor(tr, 0)
	if _, err := ReconstructFromTwo(v, v, 0, 0); err == nil {
		t.Error("expected error for duplicate party views")
	}
}

func TestOverlapTamperStillReconstructs(t *testing.T) {
	// Scenario: a peer hands over a view whose overlapping element was
	// tampered with. The mismatch is a logged warning; the value computed
	// from party j's canonical copy must still come out right.
	x := big.NewInt(555)
	tr, err := Share(x)
	if err != nil {
		t.Fatal(err)
	}
	v0, _ := ViewFor(tr, 0)
	v1, _ := ViewFor(tr, 1)

	// Overlap between views 0 and 1 is s1: v0.B and v1.A. Corrupt the copy
	// held in v1; v0's copy is authoritative for the reconstruction.
	v1.A = field.Add(v1.A, big.NewInt(99))

	got, err := ReconstructFromTwo(v0, v1, 0, 1)
	if err != nil {
		t.Fatalf("ReconstructFromTwo: %v", err)
	}
	if got.Cmp(x) != 0 {
		t.Errorf("tampered overlap changed the result: got %s, want %s", got, x)
	}
}

func TestHomomorphicAdd(t *testing.T) {
	// All three parties add their views of x and y; reconstructing across
	// any two parties must yield x+y.
	x, y := big.NewInt(300), big.NewInt(500)
	tx, _ := Share(x)
	ty, _ := Share(y)

	var sums [NumParties]View
	for k := 0; k < NumParties; k++ {
		vx, _ := ViewFor(tx, k)
		vy, _ := ViewFor(ty, k)
		sums[k] = AddViews(vx, vy)
	}

	got, err := ReconstructFromTwo(sums[0], sums[1], 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(big.NewInt(800)) != 0 {
		t.Errorf("homomorphic add: got %s, want 800", got)
	}
}

func TestHomomorphicSubAndScalarMul(t *testing.T) {
	x, y := big.NewInt(900), big.NewInt(400)
	tx, _ := Share(x)
	ty, _ := Share(y)

	var diffs, scaled [NumParties]View
	for k := 0; k < NumParties; k++ {
		vx, _ := ViewFor(tx, k)
		vy, _ := ViewFor(ty, k)
		diffs[k] = SubViews(vx, vy)
		scaled[k] = ScalarMulView(vx, big.NewInt(3))
	}

	d, _ := ReconstructFromTwo(diffs[1], diffs[2], 1, 2)
	if d.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("homomorphic sub: got %s, want 500", d)
	}
	s, _ := ReconstructFromTwo(scaled[2], scaled[0], 2, 0)
	if s.Cmp(big.NewInt(2700)) != 0 {
		t.Errorf("scalar mul: got %s, want 2700", s)
	}
}

func TestSingleViewIsUniform(t *testing.T) {
	// Reveal privacy, statistically: a single party's first share of a fixed
	// secret should spread across the field rather than cluster. With 256
	// samples the top bit should be set roughly half the time.
	const samples = 256
	highBit := 0
	for i := 0; i < samples; i++ {
		tr, err := Share(big.NewInt(5))
		if err != nil {
			t.Fatal(err)
		}
		v, _ := ViewFor(tr, 1)
		if v.A.Bit(255) == 1 {
			highBit++
		}
	}
	// Allow a wide band; this is a sanity check, not a NIST suite.
	if highBit < samples/4 || highBit > 3*samples/4 {
		t.Errorf("share high bit set in %d/%d samples, expected near half", highBit, samples)
	}
}

func TestBeaverTripleConsistent(t *testing.T) {
	bt, err := NewBeaverTriple()
	if err != nil {
		t.Fatal(err)
	}
	a := Reconstruct(bt.A)
	b := Reconstruct(bt.B)
	c := Reconstruct(bt.C)
	if field.Mul(a, b).Cmp(c) != 0 {
		t.Error("beaver triple: c != a*b")
	}

	// Each party's views must line up with the underlying triples.
	for k := 0; k < NumParties; k++ {
		views, err := bt.ViewsFor(k)
		if err != nil {
			t.Fatal(err)
		}
		if views.A.A.Cmp(bt.A.S[k]) != 0 {
			t.Errorf("party %d view of a out of place", k)
		}
	}
}
