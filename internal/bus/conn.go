package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rawblock/mpc-swap-node/pkg/models"
)

// One persistent WebSocket per peer pair. The accepting side speaks first
// with HANDSHAKE_REQUEST; the dialing side answers HANDSHAKE_RESPONSE. A
// fresh channel from an already-known party replaces the old one.

const (
	writeTimeout  = 10 * time.Second
	pingInterval  = 15 * time.Second
	redialBackoff = 3 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // peers authenticate through the identity handshake
	},
}

type peerConn struct {
	conn   *websocket.Conn
	sendMu sync.Mutex

	mu    sync.Mutex
	party int // PartyUnknown until the handshake lands
	done  chan struct{}
}

func newPeerConn(conn *websocket.Conn) *peerConn {
	return &peerConn{conn: conn, party: PartyUnknown, done: make(chan struct{})}
}

func (pc *peerConn) partyID() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.party
}

func (pc *peerConn) setParty(id int) {
	pc.mu.Lock()
	pc.party = id
	pc.mu.Unlock()
}

func (pc *peerConn) writeEnvelope(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	_ = pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return pc.conn.WriteMessage(websocket.TextMessage, raw)
}

// AcceptPeer upgrades an inbound peer connection and opens the handshake.
// Mounted on the operator router at /ws/peer.
func (b *Bus) AcceptPeer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Bus] Failed to upgrade peer connection: %v", err)
		return
	}
	pc := newPeerConn(conn)

	// Accepting side sends the first message on the channel.
	if err := b.sendHandshake(pc, TypeHandshakeRequest); err != nil {
		log.Printf("[Bus] Handshake request failed: %v", err)
		conn.Close()
		return
	}
	go b.readLoop(pc)
}

// MaintainPeers keeps outbound channels alive. The lower party id dials so
// the two sides of a pair do not race each other; channel replacement still
// covers a peer that restarts and dials back before we notice the drop.
func (b *Bus) MaintainPeers(ctx context.Context) {
	dir := b.directory.Load().(map[int]models.Peer)
	for id, peer := range dir {
		if id <= b.self {
			continue
		}
		go b.maintainPeer(ctx, peer)
	}
}

func (b *Bus) maintainPeer(ctx context.Context, peer models.Peer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if b.hasConn(peer.PartyID) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(redialBackoff):
			}
			continue
		}

		pc, err := b.dialPeer(peer)
		if err != nil {
			log.Printf("[Bus] Dial %s (%s) failed: %v — retrying in %s", peer.Name, peer.NetworkAddr, err, redialBackoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(redialBackoff):
			}
			continue
		}

		// Blocks until the channel drops, then redial.
		b.readLoop(pc)
	}
}

func (b *Bus) dialPeer(peer models.Peer) (*peerConn, error) {
	u := url.URL{Scheme: "ws", Host: peer.NetworkAddr, Path: "/ws/peer"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	log.Printf("[Bus] Connected to peer %s at %s", peer.Name, peer.NetworkAddr)
	// The accepting side introduces itself first; our HANDSHAKE_RESPONSE
	// goes out when its request arrives in the read loop.
	return newPeerConn(conn), nil
}

func (b *Bus) hasConn(party int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[party] != nil
}

func (b *Bus) sendHandshake(pc *peerConn, t MessageType) error {
	env, err := NewEnvelope(t, b.self, pc.partyID(), "", HandshakePayload{
		PartyID:           b.self,
		BlockchainAddress: b.selfAddr.Hex(),
	})
	if err != nil {
		return err
	}
	return pc.writeEnvelope(env)
}

// handleHandshake associates the channel with the advertised party, updates
// the peer directory, replaces any prior channel from the same party, and
// answers a HANDSHAKE_REQUEST with our own HANDSHAKE_RESPONSE.
func (b *Bus) handleHandshake(pc *peerConn, env Envelope) {
	var payload HandshakePayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[Bus] Malformed handshake: %v", err)
		return
	}
	if payload.PartyID < 0 || payload.PartyID > 2 || payload.PartyID == b.self {
		log.Printf("[Bus] Rejecting handshake with party id %d", payload.PartyID)
		pc.conn.Close()
		return
	}

	pc.setParty(payload.PartyID)
	b.updateDirectory(payload.PartyID, common.HexToAddress(payload.BlockchainAddress))

	b.mu.Lock()
	old := b.conns[payload.PartyID]
	b.conns[payload.PartyID] = pc
	b.mu.Unlock()
	if old != nil && old != pc {
		log.Printf("[Bus] Replacing existing channel to party %d", payload.PartyID)
		old.conn.Close()
	}

	log.Printf("[Bus] Handshake complete: party %d at %s", payload.PartyID, payload.BlockchainAddress)

	if env.Type == TypeHandshakeRequest {
		if err := b.sendHandshake(pc, TypeHandshakeResponse); err != nil {
			log.Printf("[Bus] Handshake response to party %d failed: %v", payload.PartyID, err)
		}
	}
}

// readLoop drains one channel until it drops, dispatching each envelope.
// Handler errors never close the channel; only transport errors do.
func (b *Bus) readLoop(pc *peerConn) {
	go b.pingLoop(pc)

	defer func() {
		close(pc.done)
		pc.conn.Close()
		party := pc.partyID()
		if party == PartyUnknown {
			return
		}
		b.mu.Lock()
		if b.conns[party] == pc {
			delete(b.conns, party)
		}
		b.mu.Unlock()
		log.Printf("[Bus] Channel to party %d closed", party)
	}()

	for {
		_, raw, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Bus] Read error on channel to party %d: %v", pc.partyID(), err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[Bus] Dropping unparseable frame from party %d: %v", pc.partyID(), err)
			continue
		}

		if env.Type == TypeHandshakeRequest || env.Type == TypeHandshakeResponse {
			b.handleHandshake(pc, env)
			continue
		}
		if pc.partyID() == PartyUnknown {
			log.Printf("[Bus] Dropping %s received before handshake", env.Type)
			continue
		}
		b.dispatch(env)
	}
}

func (b *Bus) pingLoop(pc *peerConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pc.done:
			return
		case <-ticker.C:
			party := pc.partyID()
			if party == PartyUnknown {
				continue
			}
			env, err := NewEnvelope(TypePing, b.self, party, "", struct{}{})
			if err != nil {
				continue
			}
			if err := pc.writeEnvelope(env); err != nil {
				log.Printf("[Bus] Ping to party %d failed: %v", party, err)
				return
			}
		}
	}
}

// Ping sends an explicit liveness probe, for the operator API.
func (b *Bus) Ping(party int) error {
	env, err := NewEnvelope(TypePing, b.self, party, "", struct{}{})
	if err != nil {
		return fmt.Errorf("bus: building ping: %w", err)
	}
	return b.Send(party, env)
}
