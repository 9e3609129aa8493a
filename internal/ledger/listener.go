package ledger

import (
	"context"
	"log"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/rawblock/mpc-swap-node/pkg/models"
)

const pollInterval = 3 * time.Second

// Listen consumes IntentCreated events and delivers them on out in emission
// order. A push subscription over the WS endpoint is preferred; when it is
// unavailable or drops, the listener falls back to polling FilterLogs from
// the last block it saw. Seen intent ids are deduplicated so the
// subscription/poll switchover never double-delivers.
func (c *Client) Listen(ctx context.Context, fromBlock uint64, out chan<- models.Intent) {
	seen := make(map[common.Hash]bool)

	if c.wsURL != "" {
		if last, ok := c.listenPush(ctx, fromBlock, out, seen); ok {
			fromBlock = last
		}
		if ctx.Err() != nil {
			return
		}
		log.Println("[Ledger] Push subscription unavailable, falling back to polling")
	}
	c.listenPoll(ctx, fromBlock, out, seen)
}

// listenPush runs the event subscription until it fails. Returns the last
// processed block so polling can resume without a gap.
func (c *Client) listenPush(ctx context.Context, fromBlock uint64, out chan<- models.Intent, seen map[common.Hash]bool) (uint64, bool) {
	ws, err := ethclient.DialContext(ctx, c.wsURL)
	if err != nil {
		log.Printf("[Ledger] WS dial failed: %v", err)
		return fromBlock, false
	}
	defer ws.Close()

	// Live subscriptions reject historical ranges; Backfill covers those.
	logs := make(chan types.Log, 64)
	sub, err := ws.SubscribeFilterLogs(ctx, c.intentQuery(0, 0), logs)
	if err != nil {
		log.Printf("[Ledger] Event subscription failed: %v", err)
		return fromBlock, false
	}
	defer sub.Unsubscribe()
	log.Println("[Ledger] Subscribed to IntentCreated events (push)")

	last := fromBlock
	for {
		select {
		case <-ctx.Done():
			return last, true
		case err := <-sub.Err():
			log.Printf("[Ledger] Subscription dropped: %v", err)
			return last, true
		case l := <-logs:
			if l.BlockNumber > last {
				last = l.BlockNumber
			}
			c.deliver(l, out, seen)
		}
	}
}

// listenPoll scans for new IntentCreated logs on a fixed interval, the same
// shape as a mempool poller: tick, fetch, dedupe, deliver.
func (c *Client) listenPoll(ctx context.Context, fromBlock uint64, out chan<- models.Intent, seen map[common.Hash]bool) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	log.Printf("[Ledger] Polling for IntentCreated events from block %d every %s", fromBlock, pollInterval)

	next := fromBlock
	for {
		select {
		case <-ctx.Done():
			log.Println("[Ledger] Stopping event poller...")
			return
		case <-ticker.C:
			head, err := c.eth.BlockNumber(ctx)
			if err != nil {
				log.Printf("[Ledger] Error fetching head block: %v", err)
				continue
			}
			if head < next {
				continue
			}
			logs, err := c.eth.FilterLogs(ctx, c.intentQuery(next, head))
			if err != nil {
				log.Printf("[Ledger] Error filtering logs: %v", err)
				continue
			}
			for _, l := range logs {
				c.deliver(l, out, seen)
			}
			next = head + 1
		}
	}
}

// Backfill scans a historical block range for IntentCreated events, so a
// restarted node can catch up on intents emitted while it was down.
func (c *Client) Backfill(ctx context.Context, fromBlock, toBlock uint64, out chan<- models.Intent) (int, error) {
	logs, err := c.eth.FilterLogs(ctx, c.intentQuery(fromBlock, toBlock))
	if err != nil {
		return 0, err
	}
	seen := make(map[common.Hash]bool)
	for _, l := range logs {
		c.deliver(l, out, seen)
	}
	log.Printf("[Ledger] Backfill delivered %d intents from blocks %d..%d", len(seen), fromBlock, toBlock)
	return len(seen), nil
}

func (c *Client) intentQuery(fromBlock, toBlock uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{registryABI.Events["IntentCreated"].ID}},
	}
	if fromBlock > 0 {
		q.FromBlock = new(big.Int).SetUint64(fromBlock)
	}
	if toBlock > 0 {
		q.ToBlock = new(big.Int).SetUint64(toBlock)
	}
	return q
}

func (c *Client) deliver(l types.Log, out chan<- models.Intent, seen map[common.Hash]bool) {
	if l.Removed {
		return
	}
	intent, err := parseIntentCreated(l)
	if err != nil {
		log.Printf("[Ledger] Skipping malformed IntentCreated log: %v", err)
		return
	}
	if seen[intent.ID] {
		return
	}
	seen[intent.ID] = true
	log.Printf("[Ledger] IntentCreated %s: %s %s -> min %s %s", intent.ID.Hex(),
		intent.AmountIn, intent.TokenIn.Hex(), intent.MinAmountOut, intent.TokenOut.Hex())
	out <- intent
}
