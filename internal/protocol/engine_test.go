package protocol

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rawblock/mpc-swap-node/internal/mpc"
)

func TestSumViewsEmptyIsZero(t *testing.T) {
	sum := SumViews(nil)
	if sum.A.Sign() != 0 || sum.B.Sign() != 0 {
		t.Errorf("empty sum = (%s, %s), want zero view", sum.A, sum.B)
	}
}

func TestSumViewsMatchesSecretSum(t *testing.T) {
	// Each party sums its views of three capacities; reconstructing across
	// two parties must give the plain sum.
	caps := []*big.Int{big.NewInt(300), big.NewInt(500), big.NewInt(400)}
	var triples []mpc.Triple
	for _, c := range caps {
		tr, err := mpc.Share(c)
		if err != nil {
			t.Fatal(err)
		}
		triples = append(triples, tr)
	}

	var sums [3]mpc.View
	for k := 0; k < 3; k++ {
		var views []mpc.View
		for _, tr := range triples {
			v, _ := mpc.ViewFor(tr, k)
			views = append(views, v)
		}
		sums[k] = SumViews(views)
	}

	total, err := mpc.ReconstructFromTwo(sums[0], sums[2], 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total.Cmp(big.NewInt(1200)) != 0 {
		t.Errorf("sum of capacities = %s, want 1200", total)
	}
}

func TestCheckSufficientCapacity(t *testing.T) {
	// Capacities (300, 500, 400) against order 1000: sufficient. Against
	// 1500: not. The exchange callback plays both peers.
	total := big.NewInt(1200)
	tr, err := mpc.Share(total)
	if err != nil {
		t.Fatal(err)
	}
	my, _ := mpc.ViewFor(tr, 0)
	exchange := func(mpc.View) ([]PartyShare, error) {
		v1, _ := mpc.ViewFor(tr, 1)
		v2, _ := mpc.ViewFor(tr, 2)
		return []PartyShare{{PartyID: 1, View: v1}, {PartyID: 2, View: v2}}, nil
	}

	ok, revealed, err := CheckSufficientCapacity(0, my, big.NewInt(1000), exchange)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("1200 >= 1000 should be sufficient")
	}
	if revealed.Cmp(total) != 0 {
		t.Errorf("revealed total %s, want %s", revealed, total)
	}

	ok, _, err = CheckSufficientCapacity(0, my, big.NewInt(1500), exchange)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("1200 >= 1500 should be insufficient")
	}
}

func TestCheckSufficientCapacityNoPeers(t *testing.T) {
	my := mpc.ZeroView()
	_, _, err := CheckSufficientCapacity(0, my, big.NewInt(1), func(mpc.View) ([]PartyShare, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrNoPeerShares) {
		t.Errorf("expected ErrNoPeerShares, got %v", err)
	}
}

func caps(a, b, c int64) [3]*big.Int {
	return [3]*big.Int{big.NewInt(a), big.NewInt(b), big.NewInt(c)}
}

func TestComputeAllocationsUnequal(t *testing.T) {
	// Capacities (300, 500, 400), order 1000:
	// floor(300*1000/1200)=250, floor(500*1000/1200)=416, last takes 334.
	allocs, err := ComputeAllocations(caps(300, 500, 400), big.NewInt(1000))
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{250, 416, 334}
	sum := new(big.Int)
	for i, a := range allocs {
		if a.PartyID != i {
			t.Errorf("allocation %d has party id %d", i, a.PartyID)
		}
		if a.Amount.Cmp(big.NewInt(want[i])) != 0 {
			t.Errorf("alloc[%d] = %s, want %d", i, a.Amount, want[i])
		}
		sum.Add(sum, a.Amount)
	}
	if sum.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("allocations sum to %s, want 1000", sum)
	}
}

func TestComputeAllocationsInsufficient(t *testing.T) {
	// (200, 300, 200) cannot cover 1000.
	_, err := ComputeAllocations(caps(200, 300, 200), big.NewInt(1000))
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Errorf("expected ErrInsufficientCapacity, got %v", err)
	}
}

func TestComputeAllocationsZeroParty(t *testing.T) {
	// (0, 600, 400) for 1000: the zero-capacity party gets exactly zero.
	allocs, err := ComputeAllocations(caps(0, 600, 400), big.NewInt(1000))
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{0, 600, 400}
	for i, a := range allocs {
		if a.Amount.Cmp(big.NewInt(want[i])) != 0 {
			t.Errorf("alloc[%d] = %s, want %d", i, a.Amount, want[i])
		}
	}
}

func TestComputeAllocationsEqualSplit(t *testing.T) {
	allocs, err := ComputeAllocations(caps(500, 500, 500), big.NewInt(1500))
	if err != nil {
		t.Fatal(err)
	}
	for i, a := range allocs {
		if a.Amount.Cmp(big.NewInt(500)) != 0 {
			t.Errorf("alloc[%d] = %s, want 500", i, a.Amount)
		}
	}
}

func TestComputeAllocationsMonotone(t *testing.T) {
	// Sorted capacities give non-decreasing allocations, up to the rounding
	// remainder carried by the last party.
	allocs, err := ComputeAllocations(caps(100, 400, 700), big.NewInt(1200))
	if err != nil {
		t.Fatal(err)
	}
	if allocs[0].Amount.Cmp(allocs[1].Amount) > 0 {
		t.Errorf("allocations not monotone: %s > %s", allocs[0].Amount, allocs[1].Amount)
	}
	if allocs[1].Amount.Cmp(allocs[2].Amount) > 0 {
		t.Errorf("allocations not monotone: %s > %s", allocs[1].Amount, allocs[2].Amount)
	}
}

func TestReconstructValueRouting(t *testing.T) {
	// capacity_1 is requested from party 1 (the owner); this party's own
	// capacity goes to the ring neighbour instead.
	x := big.NewInt(600)
	tr, err := mpc.Share(x)
	if err != nil {
		t.Fatal(err)
	}
	my, _ := mpc.ViewFor(tr, 0)

	var asked int
	request := func(from int, variable string) (mpc.View, error) {
		asked = from
		return mpc.ViewFor(tr, from)
	}

	got, err := ReconstructValue(0, my, "capacity_1", request)
	if err != nil {
		t.Fatal(err)
	}
	if asked != 1 {
		t.Errorf("capacity_1 requested from party %d, want owner 1", asked)
	}
	if got.Cmp(x) != 0 {
		t.Errorf("reconstructed %s, want %s", got, x)
	}

	// Own capacity: owner == self, fall back to ring neighbour.
	_, err = ReconstructValue(0, my, "capacity_0", request)
	if err != nil {
		t.Fatal(err)
	}
	if asked != 1 {
		t.Errorf("capacity_0 (self) requested from party %d, want (self+1) mod 3 = 1", asked)
	}
}
