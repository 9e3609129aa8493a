package inventory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/mpc-swap-node/pkg/models"
)

// The inventory helper tracks the node's token holdings and, when the node
// is short of an intent's output token, acquires it through the external
// swap venue. Balances are cached with a short TTL; reads are cheap, writes
// serialised per manager.

const cacheTTL = 30 * time.Second

// Venue fee of 0.3%: gross up swap input by 1000/997.
var (
	feeNum   = big.NewInt(1000)
	feeDen   = big.NewInt(997)
	bpsScale = big.NewInt(10_000)
)

var ErrSwapDisabled = errors.New("inventory: external swaps are disabled")

// ChainClient is the slice of the ledger adapter the inventory needs.
type ChainClient interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error
	SwapExactTokens(ctx context.Context, router common.Address, amountIn, minOut *big.Int, path []common.Address, deadline *big.Int) error
}

type Manager struct {
	client      ChainClient // nil in offline mode; cache-only then
	holder      common.Address
	venue       common.Address
	slippageBps int64
	swapEnabled bool

	mu    sync.Mutex
	cache map[string]*models.Capacity
}

func NewManager(client ChainClient, holder, venue common.Address, slippageBps int64, swapEnabled bool) *Manager {
	return &Manager{
		client:      client,
		holder:      holder,
		venue:       venue,
		slippageBps: slippageBps,
		swapEnabled: swapEnabled,
		cache:       make(map[string]*models.Capacity),
	}
}

func normalizeToken(token string) string {
	return strings.ToLower(token)
}

// SetCapacity seeds or overwrites a cached balance, used for the initial
// capacity table from config and after swaps in offline tests.
func (m *Manager) SetCapacity(token string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[normalizeToken(token)] = &models.Capacity{
		Token:       normalizeToken(token),
		Amount:      new(big.Int).Set(amount),
		LastUpdated: time.Now(),
	}
}

// GetBalance returns the node's balance of the token, refreshing from chain
// when forced or when the cached value is older than the TTL.
func (m *Manager) GetBalance(ctx context.Context, token string, force bool) (*big.Int, error) {
	key := normalizeToken(token)

	m.mu.Lock()
	cached, ok := m.cache[key]
	m.mu.Unlock()

	fresh := ok && time.Since(cached.LastUpdated) < cacheTTL
	if fresh && !force {
		return new(big.Int).Set(cached.Amount), nil
	}
	if m.client == nil {
		if ok {
			return new(big.Int).Set(cached.Amount), nil
		}
		return big.NewInt(0), nil
	}

	bal, err := m.client.BalanceOf(ctx, common.HexToAddress(key), m.holder)
	if err != nil {
		if ok {
			log.Printf("[Inventory] Balance refresh for %s failed, serving stale cache: %v", key, err)
			return new(big.Int).Set(cached.Amount), nil
		}
		return nil, fmt.Errorf("inventory: fetching balance of %s: %w", key, err)
	}
	m.SetCapacity(key, bal)
	return bal, nil
}

// Capacities snapshots the cache for the operator API.
func (m *Manager) Capacities() []models.Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Capacity, 0, len(m.cache))
	for _, c := range m.cache {
		out = append(out, models.Capacity{
			Token:       c.Token,
			Amount:      new(big.Int).Set(c.Amount),
			LastUpdated: c.LastUpdated,
		})
	}
	return out
}

// FindSwapSource scans the non-target, non-excluded holdings with a
// positive balance and returns the one with the largest balance.
func (m *Manager) FindSwapSource(target string, exclude map[string]bool) (string, *big.Int, bool) {
	targetKey := normalizeToken(target)

	m.mu.Lock()
	defer m.mu.Unlock()
	var bestToken string
	var bestAmount *big.Int
	for token, c := range m.cache {
		if token == targetKey || exclude[token] || c.Amount.Sign() <= 0 {
			continue
		}
		if bestAmount == nil || c.Amount.Cmp(bestAmount) > 0 {
			bestToken = token
			bestAmount = new(big.Int).Set(c.Amount)
		}
	}
	if bestAmount == nil {
		return "", nil, false
	}
	return bestToken, bestAmount, true
}

// requiredInput grosses the shortfall up by the slippage buffer and the
// venue's 0.3% fee: (need * (10000+slip)/10000) * 1000/997.
func requiredInput(need *big.Int, slippageBps int64) *big.Int {
	buffered := new(big.Int).Mul(need, big.NewInt(10_000+slippageBps))
	buffered.Div(buffered, bpsScale)
	buffered.Mul(buffered, feeNum)
	return buffered.Div(buffered, feeDen)
}

// minOut applies the slippage tolerance to the shortfall:
// need * (10000-slip)/10000.
func minOut(need *big.Int, slippageBps int64) *big.Int {
	out := new(big.Int).Mul(need, big.NewInt(10_000-slippageBps))
	return out.Div(out, bpsScale)
}

// FulfillRequirement ensures the node holds at least targetAmount of the
// target token, swapping from the largest other holding when short.
// Returns true when the balance covers the requirement afterwards.
func (m *Manager) FulfillRequirement(ctx context.Context, target string, targetAmount *big.Int) (bool, error) {
	balance, err := m.GetBalance(ctx, target, true)
	if err != nil {
		return false, err
	}
	if balance.Cmp(targetAmount) >= 0 {
		return true, nil
	}
	if !m.swapEnabled {
		return false, ErrSwapDisabled
	}
	if m.client == nil {
		return false, errors.New("inventory: no chain client for swap execution")
	}

	need := new(big.Int).Sub(targetAmount, balance)
	amountIn := requiredInput(need, m.slippageBps)

	source, sourceBal, ok := m.FindSwapSource(target, map[string]bool{normalizeToken(target): true})
	if !ok {
		return false, fmt.Errorf("inventory: no swap source for %s", target)
	}
	if sourceBal.Cmp(amountIn) < 0 {
		return false, fmt.Errorf("inventory: source %s balance %s below required input %s", source, sourceBal, amountIn)
	}

	sourceAddr := common.HexToAddress(source)
	targetAddr := common.HexToAddress(normalizeToken(target))

	if err := m.EnsureAllowance(ctx, source, m.venue, amountIn); err != nil {
		return false, err
	}
	deadline := big.NewInt(time.Now().Add(5 * time.Minute).Unix())
	if err := m.client.SwapExactTokens(ctx, m.venue, amountIn, minOut(need, m.slippageBps),
		[]common.Address{sourceAddr, targetAddr}, deadline); err != nil {
		return false, fmt.Errorf("inventory: swap %s -> %s: %w", source, target, err)
	}
	log.Printf("[Inventory] Swapped %s %s for >= %s %s", amountIn, source, minOut(need, m.slippageBps), target)

	// Refresh both legs so the next capacity lookup sees the swap.
	if _, err := m.GetBalance(ctx, source, true); err != nil {
		log.Printf("[Inventory] Post-swap refresh of %s failed: %v", source, err)
	}
	balance, err = m.GetBalance(ctx, target, true)
	if err != nil {
		return false, err
	}
	return balance.Cmp(targetAmount) >= 0, nil
}

// EnsureAllowance tops the spender's ERC-20 allowance up to at least amount.
func (m *Manager) EnsureAllowance(ctx context.Context, token string, spender common.Address, amount *big.Int) error {
	if m.client == nil {
		return errors.New("inventory: no chain client for allowance")
	}
	tokenAddr := common.HexToAddress(normalizeToken(token))
	current, err := m.client.Allowance(ctx, tokenAddr, m.holder, spender)
	if err != nil {
		return fmt.Errorf("inventory: reading allowance: %w", err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	if err := m.client.Approve(ctx, tokenAddr, spender, amount); err != nil {
		return fmt.Errorf("inventory: approving %s: %w", token, err)
	}
	log.Printf("[Inventory] Approved %s of %s for %s", amount, token, spender.Hex())
	return nil
}
