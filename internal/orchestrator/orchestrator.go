package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rawblock/mpc-swap-node/internal/bus"
	"github.com/rawblock/mpc-swap-node/internal/mpc"
	"github.com/rawblock/mpc-swap-node/internal/protocol"
	"github.com/rawblock/mpc-swap-node/internal/session"
	"github.com/rawblock/mpc-swap-node/pkg/models"
)

// The orchestrator drives one finite state machine per intent:
// detect -> share -> sum -> check -> reveal -> allocate -> sign -> settle.
// A concurrency guard dedupes repeated IntentCreated events; every per-intent
// map is purged on cleanup so a finished intent leaves no residue.

const (
	shareCollectTimeout = 30 * time.Second
	sumExchangeTimeout  = 30 * time.Second
	signatureTimeout    = 30 * time.Second
	reconstructTimeout  = 10 * time.Second

	// Leader submits the settlement after collecting all signatures.
	leaderParty = 0
)

var ErrSessionTimeout = errors.New("orchestrator: session phase timed out")

// LedgerClient is the slice of the ledger adapter the orchestrator uses.
type LedgerClient interface {
	Self() common.Address
	SignSettlement(intentID common.Hash, amount *big.Int) ([]byte, error)
	SubmitSettlement(ctx context.Context, intentID common.Hash, nodes []common.Address, amounts []*big.Int, sigs [][]byte) (common.Hash, error)
}

// PeerBus is the slice of the message bus the orchestrator uses.
type PeerBus interface {
	Self() int
	RegisterHandler(t bus.MessageType, h bus.Handler)
	Send(to int, env bus.Envelope) error
	Broadcast(env bus.Envelope) error
	RequestShares(peer int, sessionID, variable string, timeout time.Duration) (mpc.View, error)
	PeerChainAddress(party int) (common.Address, bool)
}

// Inventory is the slice of the inventory helper the orchestrator uses.
type Inventory interface {
	GetBalance(ctx context.Context, token string, force bool) (*big.Int, error)
	FulfillRequirement(ctx context.Context, token string, amount *big.Int) (bool, error)
	EnsureAllowance(ctx context.Context, token string, spender common.Address, amount *big.Int) error
}

// AuditStore records intent lifecycle rows; the node runs fine without one.
type AuditStore interface {
	SaveIntent(ctx context.Context, intent models.Intent) error
	UpdateIntentStatus(ctx context.Context, intentID string, status string) error
	SaveSettlement(ctx context.Context, intentID, txHash string, allocations []models.Allocation) error
}

// Stats is the orchestrator's progress snapshot for the operator API.
type Stats struct {
	Processed int64 `json:"processed"`
	Filled    int64 `json:"filled"`
	Failed    int64 `json:"failed"`
	Active    int   `json:"active"`
}

type Orchestrator struct {
	self       int
	settlement common.Address // spender for output-token approvals
	sessions   *session.Store
	peers      PeerBus
	ledger     LedgerClient
	inv        Inventory
	audit      AuditStore                        // nil when no DB is configured
	notify     func(event string, payload any)   // nil when no dashboard hub

	mu                 sync.Mutex
	processing         map[string]bool                            // concurrency guard
	activeIntents      map[string]models.Intent
	receivedShares     map[string]map[int]mpc.View                // capacity shares, also the pre-session staging map
	computationShares  map[string]map[int]mpc.View                // round-1 sum exchange, kept apart from capacity shares
	pendingSignatures  map[string]map[int]models.SettlementSignature
	pendingAllocations map[string][3]models.Allocation
	arrivals           map[string]chan struct{}

	processed atomic.Int64
	filled    atomic.Int64
	failed    atomic.Int64
}

func New(peers PeerBus, ledger LedgerClient, inv Inventory, sessions *session.Store, settlement common.Address) *Orchestrator {
	o := &Orchestrator{
		self:               peers.Self(),
		settlement:         settlement,
		sessions:           sessions,
		peers:              peers,
		ledger:             ledger,
		inv:                inv,
		processing:         make(map[string]bool),
		activeIntents:      make(map[string]models.Intent),
		receivedShares:     make(map[string]map[int]mpc.View),
		computationShares:  make(map[string]map[int]mpc.View),
		pendingSignatures:  make(map[string]map[int]models.SettlementSignature),
		pendingAllocations: make(map[string][3]models.Allocation),
		arrivals:           make(map[string]chan struct{}),
	}
	peers.RegisterHandler(bus.TypeShareDistribution, o.onShareDistribution)
	peers.RegisterHandler(bus.TypeComputationRound, o.onComputationRound)
	peers.RegisterHandler(bus.TypeReconstructionRequest, o.onReconstructionRequest)
	peers.RegisterHandler(bus.TypeSettlementSignature, o.onSettlementSignature)
	return o
}

// SetAuditStore attaches the optional Postgres audit store.
func (o *Orchestrator) SetAuditStore(a AuditStore) { o.audit = a }

// SetNotifier attaches the optional dashboard event callback.
func (o *Orchestrator) SetNotifier(fn func(event string, payload any)) { o.notify = fn }

// Stats snapshots the orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	active := len(o.processing)
	o.mu.Unlock()
	return Stats{
		Processed: o.processed.Load(),
		Filled:    o.filled.Load(),
		Failed:    o.failed.Load(),
		Active:    active,
	}
}

// ActiveIntents snapshots the intents currently in flight.
func (o *Orchestrator) ActiveIntents() []models.Intent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Intent, 0, len(o.activeIntents))
	for _, intent := range o.activeIntents {
		out = append(out, intent)
	}
	return out
}

// Run consumes IntentCreated events until the context ends. The claim is
// taken synchronously so a duplicate event is dropped before any goroutine
// is spawned.
func (o *Orchestrator) Run(ctx context.Context, intents <-chan models.Intent) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent, ok := <-intents:
			if !ok {
				return
			}
			if !o.claim(intent) {
				log.Printf("[Orchestrator] Intent %s already processing, ignoring duplicate event", intent.ID.Hex())
				continue
			}
			go o.runClaimed(ctx, intent)
		}
	}
}

// HandleIntent processes one intent synchronously. Returns nil immediately
// when the intent is already claimed.
func (o *Orchestrator) HandleIntent(ctx context.Context, intent models.Intent) error {
	if !o.claim(intent) {
		log.Printf("[Orchestrator] Intent %s already processing, ignoring duplicate event", intent.ID.Hex())
		return nil
	}
	return o.runClaimed(ctx, intent)
}

func (o *Orchestrator) claim(intent models.Intent) bool {
	id := intent.ID.Hex()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.processing[id] {
		return false
	}
	o.processing[id] = true
	intent.Status = models.IntentProcessing
	o.activeIntents[id] = intent
	return true
}

func (o *Orchestrator) runClaimed(ctx context.Context, intent models.Intent) error {
	id := intent.ID.Hex()
	o.processed.Add(1)
	o.emit("intent_processing", intent)
	if o.audit != nil {
		if err := o.audit.SaveIntent(ctx, intent); err != nil {
			log.Printf("[Orchestrator] Failed to persist intent %s: %v", id, err)
		}
	}
	defer o.cleanup(id)

	err := o.process(ctx, intent)
	if err != nil {
		o.failed.Add(1)
		log.Printf("[Orchestrator] Intent %s failed: %v", id, err)
		o.emit("intent_failed", map[string]any{"intentId": id, "error": err.Error()})
		if o.audit != nil {
			_ = o.audit.UpdateIntentStatus(ctx, id, string(models.IntentPending))
		}
		return err
	}
	o.filled.Add(1)
	o.emit("intent_filled", map[string]any{"intentId": id})
	if o.audit != nil {
		_ = o.audit.UpdateIntentStatus(ctx, id, string(models.IntentFilled))
	}
	return nil
}

func (o *Orchestrator) process(ctx context.Context, intent models.Intent) error {
	id := intent.ID.Hex()
	token := strings.ToLower(intent.TokenOut.Hex())

	// Phase 1: detect. Establish this node's capacity of the output token,
	// asking the inventory to acquire a third of the order when empty.
	// Zero capacity is not an exit: the node still participates so the
	// protocol reaches consensus.
	capacity, err := o.inv.GetBalance(ctx, token, false)
	if err != nil {
		log.Printf("[Orchestrator] Capacity lookup for %s failed: %v", token, err)
		capacity = big.NewInt(0)
	}
	if capacity.Sign() == 0 {
		if capacity, err = o.inv.GetBalance(ctx, token, true); err != nil {
			capacity = big.NewInt(0)
		}
	}
	if capacity.Sign() == 0 {
		target := new(big.Int).Div(intent.MinAmountOut, big.NewInt(3))
		if ok, err := o.inv.FulfillRequirement(ctx, token, target); err != nil {
			log.Printf("[Orchestrator] Inventory could not acquire %s %s: %v — participating with zero capacity", target, token, err)
		} else if ok {
			if capacity, err = o.inv.GetBalance(ctx, token, true); err != nil {
				capacity = big.NewInt(0)
			}
		}
	}
	log.Printf("[Orchestrator] Intent %s: local capacity %s %s", id, capacity, token)

	// Phase 2: secret-share the capacity.
	sess, err := o.sessions.Create(id, []int{0, 1, 2}, o.self)
	if err != nil {
		return err
	}
	if err := o.sessions.UpdateStatus(sess.ID, session.StatusSharing); err != nil {
		return err
	}

	triple, err := mpc.Share(capacity)
	if err != nil {
		return o.fail(sess, fmt.Errorf("sharing capacity: %w", err))
	}
	myView, err := mpc.ViewFor(triple, o.self)
	if err != nil {
		return o.fail(sess, err)
	}
	if err := sess.PutShare(capacityVar(o.self), myView); err != nil {
		return o.fail(sess, err)
	}
	for k := 0; k < mpc.NumParties; k++ {
		if k == o.self {
			continue
		}
		peerView, err := mpc.ViewFor(triple, k)
		if err != nil {
			return o.fail(sess, err)
		}
		env, err := bus.NewEnvelope(bus.TypeShareDistribution, o.self, k, id, bus.ShareDistributionPayload{
			IntentID: id,
			Shares:   map[string]bus.WireView{strconv.Itoa(o.self): bus.ViewToWire(peerView)},
		})
		if err != nil {
			return o.fail(sess, err)
		}
		if err := o.peers.Send(k, env); err != nil {
			return o.fail(sess, fmt.Errorf("distributing share to party %d: %w", k, err))
		}
	}

	// Phase 3: collect both peers' capacity shares. Early arrivals were
	// parked by the handler; the wait below covers the rest.
	if err := o.waitUntil(id, shareCollectTimeout, func() bool {
		return len(o.receivedShares[id]) >= mpc.NumParties-1
	}); err != nil {
		return o.fail(sess, fmt.Errorf("collecting capacity shares: %w", err))
	}
	o.mu.Lock()
	staged := make(map[int]mpc.View, len(o.receivedShares[id]))
	for pid, v := range o.receivedShares[id] {
		staged[pid] = v
	}
	o.mu.Unlock()
	for pid, v := range staged {
		if err := sess.PutShare(capacityVar(pid), v); err != nil && !errors.Is(err, session.ErrShareExists) {
			return o.fail(sess, err)
		}
	}

	// Phase 4: share-space sum, party order fixed.
	if err := o.sessions.UpdateStatus(sess.ID, session.StatusComputing); err != nil {
		return err
	}
	views := make([]mpc.View, 0, mpc.NumParties)
	for i := 0; i < mpc.NumParties; i++ {
		v, err := sess.GetShare(capacityVar(i))
		if err != nil {
			return o.fail(sess, err)
		}
		views = append(views, v)
	}
	mySum := protocol.SumViews(views)

	// Phase 5: sufficiency check over the exchanged sum views.
	sufficient, total, err := protocol.CheckSufficientCapacity(o.self, mySum, intent.MinAmountOut, o.sumExchange(id))
	if err != nil {
		return o.fail(sess, fmt.Errorf("sufficiency check: %w", err))
	}
	log.Printf("[Orchestrator] Intent %s: total capacity %s, required %s", id, total, intent.MinAmountOut)
	if !sufficient {
		return o.fail(sess, fmt.Errorf("%w: %s < %s", protocol.ErrInsufficientCapacity, total, intent.MinAmountOut))
	}

	// Phase 6: reveal per-party capacities for the proportional split. A
	// zero-capacity follower can skip the reveal outright; the leader always
	// reconstructs because phase 10 needs the real amounts.
	var allocations [3]models.Allocation
	if capacity.Sign() == 0 && o.self != leaderParty {
		for i := range allocations {
			allocations[i] = models.Allocation{PartyID: i, Amount: big.NewInt(0)}
		}
		log.Printf("[Orchestrator] Intent %s: zero capacity, skipping reconstruction", id)
	} else {
		if err := o.sessions.UpdateStatus(sess.ID, session.StatusReconstructing); err != nil {
			return err
		}
		var capacities [3]*big.Int
		for i := 0; i < mpc.NumParties; i++ {
			v, err := sess.GetShare(capacityVar(i))
			if err != nil {
				return o.fail(sess, err)
			}
			value, err := protocol.ReconstructValue(o.self, v, capacityVar(i), func(from int, variable string) (mpc.View, error) {
				return o.peers.RequestShares(from, sess.ID, variable, reconstructTimeout)
			})
			if err != nil {
				return o.fail(sess, fmt.Errorf("revealing %s: %w", capacityVar(i), err))
			}
			capacities[i] = value
		}
		allocations, err = protocol.ComputeAllocations(capacities, intent.MinAmountOut)
		if err != nil {
			return o.fail(sess, err)
		}
	}
	o.mu.Lock()
	o.pendingAllocations[id] = allocations
	o.mu.Unlock()
	myAlloc := allocations[o.self].Amount
	log.Printf("[Orchestrator] Intent %s: allocations [%s %s %s], mine %s", id,
		allocations[0].Amount, allocations[1].Amount, allocations[2].Amount, myAlloc)

	// Phase 7: make sure the settlement contract can pull our contribution.
	if myAlloc.Sign() > 0 {
		if err := o.inv.EnsureAllowance(ctx, token, o.settlement, myAlloc); err != nil {
			return o.fail(sess, fmt.Errorf("approving settlement spend: %w", err))
		}
	}

	// Phase 8: sign the canonical settlement message and broadcast.
	sigBytes, err := o.ledger.SignSettlement(intent.ID, myAlloc)
	if err != nil {
		return o.fail(sess, err)
	}
	o.storeSignature(id, models.SettlementSignature{
		PartyID:   o.self,
		IntentID:  intent.ID,
		Amount:    new(big.Int).Set(myAlloc),
		Signature: sigBytes,
	})
	env, err := bus.NewEnvelope(bus.TypeSettlementSignature, o.self, bus.PartyUnknown, id, bus.SettlementSignaturePayload{
		IntentID:  id,
		Amount:    bus.NewInt(myAlloc),
		Signature: sigBytes,
	})
	if err != nil {
		return o.fail(sess, err)
	}
	if err := o.peers.Broadcast(env); err != nil {
		log.Printf("[Orchestrator] Signature broadcast incomplete for %s: %v", id, err)
	}

	// Phase 9: collect all three signatures.
	if err := o.waitUntil(id, signatureTimeout, func() bool {
		return len(o.pendingSignatures[id]) >= mpc.NumParties
	}); err != nil {
		return o.fail(sess, fmt.Errorf("collecting signatures: %w", err))
	}

	// Phase 10: leader pairs signatures to allocations by party id and
	// submits; followers are done once their signature is out.
	if o.self == leaderParty {
		o.mu.Lock()
		sigs := make(map[int]models.SettlementSignature, len(o.pendingSignatures[id]))
		for pid, sig := range o.pendingSignatures[id] {
			sigs[pid] = sig
		}
		o.mu.Unlock()

		nodes, amounts, sigBlobs, err := BuildSettlementArrays(allocations, sigs, o.partyAddress)
		if err != nil {
			return o.fail(sess, err)
		}
		txHash, err := o.ledger.SubmitSettlement(ctx, intent.ID, nodes, amounts, sigBlobs)
		if err != nil {
			return o.fail(sess, err)
		}
		log.Printf("[Orchestrator] Intent %s settled in tx %s", id, txHash.Hex())
		if o.audit != nil {
			_ = o.audit.SaveSettlement(ctx, id, txHash.Hex(), allocations[:])
		}
	}

	return o.sessions.UpdateStatus(sess.ID, session.StatusCompleted)
}

func (o *Orchestrator) partyAddress(party int) (common.Address, bool) {
	if party == o.self {
		return o.ledger.Self(), true
	}
	return o.peers.PeerChainAddress(party)
}

// sumExchange broadcasts this party's sum view as computation round 1 and
// waits for both peers' round-1 views. Sum views live in computationShares,
// never in the capacity share map.
func (o *Orchestrator) sumExchange(intentID string) protocol.ExchangeFunc {
	return func(my mpc.View) ([]protocol.PartyShare, error) {
		env, err := bus.NewEnvelope(bus.TypeComputationRound, o.self, bus.PartyUnknown, intentID, bus.ComputationRoundPayload{
			Round: 1,
			Data:  bus.ComputationData{Shares: bus.ViewToWire(my)},
		})
		if err != nil {
			return nil, err
		}
		if err := o.peers.Broadcast(env); err != nil {
			log.Printf("[Orchestrator] Sum broadcast incomplete for %s: %v", intentID, err)
		}
		if err := o.waitUntil(intentID, sumExchangeTimeout, func() bool {
			return len(o.computationShares[intentID]) >= mpc.NumParties-1
		}); err != nil {
			return nil, err
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		out := make([]protocol.PartyShare, 0, len(o.computationShares[intentID]))
		for pid, v := range o.computationShares[intentID] {
			out = append(out, protocol.PartyShare{PartyID: pid, View: v})
		}
		return out, nil
	}
}

func (o *Orchestrator) fail(sess *session.Session, err error) error {
	if statusErr := o.sessions.UpdateStatus(sess.ID, session.StatusFailed); statusErr != nil {
		log.Printf("[Orchestrator] Failed to mark session %s failed: %v", sess.ID, statusErr)
	}
	return err
}

// cleanup removes every per-intent entry once the session has ended; the
// session object itself lingers for the store's GC window.
func (o *Orchestrator) cleanup(intentID string) {
	o.mu.Lock()
	delete(o.processing, intentID)
	delete(o.activeIntents, intentID)
	delete(o.receivedShares, intentID)
	delete(o.computationShares, intentID)
	delete(o.pendingSignatures, intentID)
	delete(o.pendingAllocations, intentID)
	if ch, ok := o.arrivals[intentID]; ok {
		close(ch)
		delete(o.arrivals, intentID)
	}
	o.mu.Unlock()
}

// HasResidue reports whether any per-intent map still references the intent.
func (o *Orchestrator) HasResidue(intentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.processing[intentID] {
		return true
	}
	if _, ok := o.activeIntents[intentID]; ok {
		return true
	}
	if _, ok := o.receivedShares[intentID]; ok {
		return true
	}
	if _, ok := o.computationShares[intentID]; ok {
		return true
	}
	if _, ok := o.pendingSignatures[intentID]; ok {
		return true
	}
	if _, ok := o.pendingAllocations[intentID]; ok {
		return true
	}
	return false
}

// waitUntil blocks until pred holds (evaluated under the orchestrator lock)
// or the timeout elapses. Arrival handlers wake it by rotating the intent's
// arrival channel.
func (o *Orchestrator) waitUntil(intentID string, timeout time.Duration, pred func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		o.mu.Lock()
		if pred() {
			o.mu.Unlock()
			return nil
		}
		ch := o.arrivalChanLocked(intentID)
		o.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return ErrSessionTimeout
		}
	}
}

func (o *Orchestrator) arrivalChanLocked(intentID string) chan struct{} {
	ch, ok := o.arrivals[intentID]
	if !ok {
		ch = make(chan struct{})
		o.arrivals[intentID] = ch
	}
	return ch
}

func (o *Orchestrator) wakeWaiters(intentID string) {
	o.mu.Lock()
	if ch, ok := o.arrivals[intentID]; ok {
		close(ch)
		delete(o.arrivals, intentID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) emit(event string, payload any) {
	if o.notify != nil {
		o.notify(event, payload)
	}
}

func capacityVar(party int) string {
	return "capacity_" + strconv.Itoa(party)
}
