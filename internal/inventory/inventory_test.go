package inventory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	tokenOut = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tokenIn  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeChain struct {
	balances   map[string]*big.Int
	allowances map[string]*big.Int
	swaps      int
	balanceErr error
}

func (f *fakeChain) BalanceOf(_ context.Context, token, _ common.Address) (*big.Int, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	bal, ok := f.balances[token.Hex()]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (f *fakeChain) Allowance(_ context.Context, token, _, _ common.Address) (*big.Int, error) {
	a, ok := f.allowances[token.Hex()]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(a), nil
}

func (f *fakeChain) Approve(_ context.Context, token, _ common.Address, amount *big.Int) error {
	if f.allowances == nil {
		f.allowances = make(map[string]*big.Int)
	}
	f.allowances[token.Hex()] = new(big.Int).Set(amount)
	return nil
}

func (f *fakeChain) SwapExactTokens(_ context.Context, _ common.Address, amountIn, minOut *big.Int, path []common.Address, _ *big.Int) error {
	f.swaps++
	// Simulate a fill at exactly minOut.
	in := f.balances[path[0].Hex()]
	in.Sub(in, amountIn)
	out, ok := f.balances[path[len(path)-1].Hex()]
	if !ok {
		out = big.NewInt(0)
		f.balances[path[len(path)-1].Hex()] = out
	}
	out.Add(out, minOut)
	return nil
}

func TestRequiredInputBuffer(t *testing.T) {
	// need=100000, 50 bps slippage: 100000*10050/10000 = 100500, then the
	// 0.3% venue fee: 100500*1000/997 = 100802 (floor).
	got := requiredInput(big.NewInt(100_000), 50)
	if got.Cmp(big.NewInt(100_802)) != 0 {
		t.Errorf("requiredInput = %s, want 100802", got)
	}
}

func TestMinOutSlippage(t *testing.T) {
	got := minOut(big.NewInt(100_000), 50)
	if got.Cmp(big.NewInt(99_500)) != 0 {
		t.Errorf("minOut = %s, want 99500", got)
	}
}

func TestGetBalanceUsesCacheUntilStale(t *testing.T) {
	chain := &fakeChain{balances: map[string]*big.Int{
		common.HexToAddress(tokenOut).Hex(): big.NewInt(500),
	}}
	m := NewManager(chain, common.Address{}, common.Address{}, 50, false)
	m.SetCapacity(tokenOut, big.NewInt(100))

	// Fresh cache wins over the chain value.
	bal, err := m.GetBalance(context.Background(), tokenOut, false)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("cached balance = %s, want 100", bal)
	}

	// Force bypasses the cache.
	bal, err = m.GetBalance(context.Background(), tokenOut, true)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("forced balance = %s, want 500", bal)
	}

	// A stale entry refreshes on its own.
	m.mu.Lock()
	m.cache[tokenOut].LastUpdated = time.Now().Add(-time.Minute)
	m.cache[tokenOut].Amount = big.NewInt(1)
	m.mu.Unlock()
	bal, _ = m.GetBalance(context.Background(), tokenOut, false)
	if bal.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("stale entry not refreshed: %s", bal)
	}
}

func TestFindSwapSourcePicksLargest(t *testing.T) {
	m := NewManager(nil, common.Address{}, common.Address{}, 50, false)
	m.SetCapacity(tokenOut, big.NewInt(10))
	m.SetCapacity(tokenIn, big.NewInt(900))
	m.SetCapacity("0xcccccccccccccccccccccccccccccccccccccccc", big.NewInt(200))
	m.SetCapacity("0xdddddddddddddddddddddddddddddddddddddddd", big.NewInt(0))

	source, bal, ok := m.FindSwapSource(tokenOut, nil)
	if !ok {
		t.Fatal("expected a swap source")
	}
	if source != tokenIn || bal.Cmp(big.NewInt(900)) != 0 {
		t.Errorf("source = %s (%s), want %s (900)", source, bal, tokenIn)
	}

	// Excluding the largest falls back to the next one.
	source, _, ok = m.FindSwapSource(tokenOut, map[string]bool{tokenIn: true})
	if !ok || source != "0xcccccccccccccccccccccccccccccccccccccccc" {
		t.Errorf("exclusion not honoured, got %s", source)
	}
}

func TestFulfillRequirementAlreadyCovered(t *testing.T) {
	chain := &fakeChain{balances: map[string]*big.Int{
		common.HexToAddress(tokenOut).Hex(): big.NewInt(1000),
	}}
	m := NewManager(chain, common.Address{}, common.Address{}, 50, false)

	ok, err := m.FulfillRequirement(context.Background(), tokenOut, big.NewInt(400))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("covered balance reported as insufficient")
	}
	if chain.swaps != 0 {
		t.Error("swap executed despite sufficient balance")
	}
}

func TestFulfillRequirementSwapDisabled(t *testing.T) {
	chain := &fakeChain{balances: map[string]*big.Int{}}
	m := NewManager(chain, common.Address{}, common.Address{}, 50, false)
	_, err := m.FulfillRequirement(context.Background(), tokenOut, big.NewInt(400))
	if !errors.Is(err, ErrSwapDisabled) {
		t.Errorf("expected ErrSwapDisabled, got %v", err)
	}
}

func TestFulfillRequirementSwaps(t *testing.T) {
	chain := &fakeChain{balances: map[string]*big.Int{
		common.HexToAddress(tokenOut).Hex(): big.NewInt(0),
		common.HexToAddress(tokenIn).Hex():  big.NewInt(10_000_000),
	}}
	m := NewManager(chain, common.Address{}, common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"), 50, true)
	m.SetCapacity(tokenIn, big.NewInt(10_000_000))

	ok, err := m.FulfillRequirement(context.Background(), tokenOut, big.NewInt(100_000))
	if err != nil {
		t.Fatal(err)
	}
	if chain.swaps != 1 {
		t.Fatalf("expected one swap, got %d", chain.swaps)
	}
	// The fake venue fills at minOut = 99500 < 100000, so the requirement
	// is honestly reported as unmet even though a swap ran.
	if ok {
		t.Error("minOut fill cannot cover the full requirement")
	}
	bal, _ := m.GetBalance(context.Background(), tokenOut, false)
	if bal.Cmp(big.NewInt(99_500)) != 0 {
		t.Errorf("post-swap balance = %s, want 99500", bal)
	}
}
