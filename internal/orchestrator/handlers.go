package orchestrator

import (
	"log"
	"math/big"
	"strconv"

	"github.com/rawblock/mpc-swap-node/internal/bus"
	"github.com/rawblock/mpc-swap-node/internal/mpc"
	"github.com/rawblock/mpc-swap-node/pkg/models"
)

// Message handlers run on the bus dispatch path and must stay fast: they
// park data in the per-intent maps and wake the waiting state machine.

// onShareDistribution parks incoming capacity shares. Shares may arrive
// before the local session exists; the map doubles as the staging area and
// phase 3 moves everything into the session.
func (o *Orchestrator) onShareDistribution(env bus.Envelope) {
	var payload bus.ShareDistributionPayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[Orchestrator] Malformed SHARE_DISTRIBUTION from party %d: %v", env.From, err)
		return
	}
	intentID := payload.IntentID
	if intentID == "" {
		intentID = env.SessionID
	}

	o.mu.Lock()
	if o.receivedShares[intentID] == nil {
		o.receivedShares[intentID] = make(map[int]mpc.View)
	}
	for key, wv := range payload.Shares {
		pid, err := strconv.Atoi(key)
		if err != nil || pid < 0 || pid >= mpc.NumParties {
			log.Printf("[Orchestrator] Ignoring share with bad party key %q", key)
			continue
		}
		if _, exists := o.receivedShares[intentID][pid]; exists {
			// Write-once: a replayed distribution never overwrites.
			continue
		}
		o.receivedShares[intentID][pid] = wv.View()
	}
	o.mu.Unlock()
	o.wakeWaiters(intentID)
}

// onComputationRound stores round-1 sum views. These go into their own map;
// writing them over the capacity shares would corrupt the reveal phase.
func (o *Orchestrator) onComputationRound(env bus.Envelope) {
	var payload bus.ComputationRoundPayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[Orchestrator] Malformed COMPUTATION_ROUND from party %d: %v", env.From, err)
		return
	}
	if payload.Round != 1 {
		log.Printf("[Orchestrator] Ignoring computation round %d from party %d", payload.Round, env.From)
		return
	}
	intentID := env.SessionID

	o.mu.Lock()
	if o.computationShares[intentID] == nil {
		o.computationShares[intentID] = make(map[int]mpc.View)
	}
	if _, exists := o.computationShares[intentID][env.From]; !exists {
		o.computationShares[intentID][env.From] = payload.Data.Shares.View()
	}
	o.mu.Unlock()
	o.wakeWaiters(intentID)
}

// onReconstructionRequest answers with our stored view of the variable.
// The envelope carries the full session id so the share storage resolves
// deterministically even when an intent was retried.
func (o *Orchestrator) onReconstructionRequest(env bus.Envelope) {
	var payload bus.ReconstructionRequestPayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[Orchestrator] Malformed RECONSTRUCTION_REQUEST from party %d: %v", env.From, err)
		return
	}

	sess, err := o.sessions.GetBySessionID(env.SessionID)
	if err != nil {
		// Fall back to the intent id for peers whose session suffix differs
		// from ours: each node generates its own suffix.
		sess, err = o.sessions.GetByIntentID(intentIDFromSession(env.SessionID))
		if err != nil {
			log.Printf("[Orchestrator] No session for reconstruction request %s/%s", env.SessionID, payload.Variable)
			return
		}
	}
	view, err := sess.GetShare(payload.Variable)
	if err != nil {
		log.Printf("[Orchestrator] No share %q in session %s", payload.Variable, sess.ID)
		return
	}

	resp, err := bus.NewEnvelope(bus.TypeReconstructionResponse, o.self, env.From, env.SessionID,
		bus.ReconstructionResponsePayload{Variable: payload.Variable, Shares: bus.ViewToWire(view)})
	if err != nil {
		log.Printf("[Orchestrator] Building reconstruction response: %v", err)
		return
	}
	if err := o.peers.Send(env.From, resp); err != nil {
		log.Printf("[Orchestrator] Sending reconstruction response to party %d: %v", env.From, err)
	}
}

// onSettlementSignature collects peers' signed allocations.
func (o *Orchestrator) onSettlementSignature(env bus.Envelope) {
	var payload bus.SettlementSignaturePayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("[Orchestrator] Malformed SETTLEMENT_SIGNATURE from party %d: %v", env.From, err)
		return
	}
	intentID := payload.IntentID
	if intentID == "" {
		intentID = env.SessionID
	}

	o.storeSignature(intentID, models.SettlementSignature{
		PartyID:   env.From,
		Amount:    new(big.Int).Set(payload.Amount.V),
		Signature: payload.Signature,
	})
}

func (o *Orchestrator) storeSignature(intentID string, sig models.SettlementSignature) {
	o.mu.Lock()
	if o.pendingSignatures[intentID] == nil {
		o.pendingSignatures[intentID] = make(map[int]models.SettlementSignature)
	}
	if _, exists := o.pendingSignatures[intentID][sig.PartyID]; !exists {
		o.pendingSignatures[intentID][sig.PartyID] = sig
	}
	o.mu.Unlock()
	o.wakeWaiters(intentID)
}

// intentIDFromSession strips the "-xxxxxxxx" suffix from a session id.
func intentIDFromSession(sessionID string) string {
	if len(sessionID) > 9 && sessionID[len(sessionID)-9] == '-' {
		return sessionID[:len(sessionID)-9]
	}
	return sessionID
}
