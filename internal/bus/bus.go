package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/mpc-swap-node/internal/mpc"
	"github.com/rawblock/mpc-swap-node/pkg/models"
)

// Bus owns the persistent duplex channels to the two peers: identity
// handshake, typed dispatch, serialised sends, and one-shot share requests.
// The peer directory is copy-on-write so concurrent senders always see a
// consistent snapshot.

var (
	ErrPeerUnavailable = errors.New("bus: no open channel to peer")
	ErrRequestTimeout  = errors.New("bus: reconstruction request timed out")
)

// Handler processes one inbound envelope. Handlers run in registration
// order; a panic is recovered and never tears down the channel.
type Handler func(env Envelope)

type pendingKey struct {
	from      int
	sessionID string
	variable  string
}

type Bus struct {
	self      int
	selfAddr  common.Address
	directory atomic.Value // map[int]models.Peer

	mu       sync.Mutex
	conns    map[int]*peerConn
	handlers map[MessageType][]Handler
	pending  map[pendingKey]chan mpc.View
}

// New builds a bus for this party. The peers slice must describe all three
// parties, including ourselves; chain addresses start as placeholders and
// are corrected during the handshake.
func New(self int, selfAddr common.Address, peers []models.Peer) *Bus {
	dir := make(map[int]models.Peer, len(peers))
	for _, p := range peers {
		dir[p.PartyID] = p
	}
	if selfPeer, ok := dir[self]; ok {
		selfPeer.ChainAddr = selfAddr
		dir[self] = selfPeer
	}

	b := &Bus{
		self:     self,
		selfAddr: selfAddr,
		conns:    make(map[int]*peerConn),
		handlers: make(map[MessageType][]Handler),
		pending:  make(map[pendingKey]chan mpc.View),
	}
	b.directory.Store(dir)
	return b
}

// Self returns this node's party id.
func (b *Bus) Self() int { return b.self }

// RegisterHandler appends a handler for the message type.
func (b *Bus) RegisterHandler(t MessageType, h Handler) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

// Peers snapshots the current directory.
func (b *Bus) Peers() []models.Peer {
	dir := b.directory.Load().(map[int]models.Peer)
	out := make([]models.Peer, 0, len(dir))
	for _, p := range dir {
		out = append(out, p)
	}
	return out
}

// PeerChainAddress returns the on-chain address advertised by the party
// during its handshake.
func (b *Bus) PeerChainAddress(party int) (common.Address, bool) {
	dir := b.directory.Load().(map[int]models.Peer)
	p, ok := dir[party]
	if !ok || p.ChainAddr == (common.Address{}) {
		return common.Address{}, false
	}
	return p.ChainAddr, true
}

// ConnectedParties lists parties with an open channel, for the status API.
func (b *Bus) ConnectedParties() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, 0, len(b.conns))
	for id := range b.conns {
		out = append(out, id)
	}
	return out
}

// updateDirectory swaps in a new snapshot with the party's chain address.
func (b *Bus) updateDirectory(party int, chainAddr common.Address) {
	old := b.directory.Load().(map[int]models.Peer)
	next := make(map[int]models.Peer, len(old))
	for id, p := range old {
		next[id] = p
	}
	p := next[party]
	p.PartyID = party
	p.ChainAddr = chainAddr
	next[party] = p
	b.directory.Store(next)
}

// Send delivers one envelope to the party. Sends are serialised per channel
// by the connection's write lock.
func (b *Bus) Send(to int, env Envelope) error {
	b.mu.Lock()
	pc := b.conns[to]
	b.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("%w: party %d", ErrPeerUnavailable, to)
	}
	if err := pc.writeEnvelope(env); err != nil {
		return fmt.Errorf("bus: send %s to party %d: %w", env.Type, to, err)
	}
	return nil
}

// Broadcast fans an envelope out to both peers. A failure to one peer never
// blocks delivery to the other; the first error is returned after the loop.
func (b *Bus) Broadcast(env Envelope) error {
	var firstErr error
	dir := b.directory.Load().(map[int]models.Peer)
	for id := range dir {
		if id == b.self {
			continue
		}
		perPeer := env
		perPeer.To = id
		if err := b.Send(id, perPeer); err != nil {
			log.Printf("[Bus] Broadcast %s to party %d failed: %v", env.Type, id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RequestShares performs a one-shot share request: it parks a waiter keyed
// by (peer, session, variable), sends RECONSTRUCTION_REQUEST, and resolves
// on the first matching response.
func (b *Bus) RequestShares(peer int, sessionID, variable string, timeout time.Duration) (mpc.View, error) {
	key := pendingKey{from: peer, sessionID: sessionID, variable: variable}
	ch := make(chan mpc.View, 1)

	b.mu.Lock()
	b.pending[key] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}()

	env, err := NewEnvelope(TypeReconstructionRequest, b.self, peer, sessionID,
		ReconstructionRequestPayload{Variable: variable})
	if err != nil {
		return mpc.View{}, err
	}
	if err := b.Send(peer, env); err != nil {
		return mpc.View{}, err
	}

	select {
	case v := <-ch:
		return v, nil
	case <-time.After(timeout):
		return mpc.View{}, fmt.Errorf("%w: %q from party %d", ErrRequestTimeout, variable, peer)
	}
}

// dispatch routes one inbound envelope: pending one-shots first, then the
// registered handlers in order.
func (b *Bus) dispatch(env Envelope) {
	if env.Type == TypeReconstructionResponse {
		if b.resolvePending(env) {
			return
		}
	}
	if env.Type == TypePing {
		pong, err := NewEnvelope(TypePong, b.self, env.From, env.SessionID, struct{}{})
		if err == nil {
			_ = b.Send(env.From, pong)
		}
		return
	}
	if env.Type == TypePong {
		return
	}

	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[env.Type]...)
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Bus] Handler for %s panicked: %v", env.Type, r)
				}
			}()
			h(env)
		}()
	}
}

func (b *Bus) resolvePending(env Envelope) bool {
	var payload ReconstructionResponsePayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[Bus] Bad RECONSTRUCTION_RESPONSE from party %d: %v", env.From, err)
		return true
	}
	key := pendingKey{from: env.From, sessionID: env.SessionID, variable: payload.Variable}

	b.mu.Lock()
	ch, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if !ok {
		log.Printf("[Bus] Unsolicited reconstruction response for %q from party %d", payload.Variable, env.From)
		return true
	}
	ch <- payload.Shares.View()
	return true
}
