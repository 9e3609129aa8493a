package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rawblock/mpc-swap-node/internal/mpc"
)

// MessageType tags every envelope; handlers are dispatched on it.
type MessageType string

const (
	TypeHandshakeRequest       MessageType = "HANDSHAKE_REQUEST"
	TypeHandshakeResponse      MessageType = "HANDSHAKE_RESPONSE"
	TypeShareDistribution      MessageType = "SHARE_DISTRIBUTION"
	TypeComputationRound       MessageType = "COMPUTATION_ROUND"
	TypeReconstructionRequest  MessageType = "RECONSTRUCTION_REQUEST"
	TypeReconstructionResponse MessageType = "RECONSTRUCTION_RESPONSE"
	TypeSettlementSignature    MessageType = "SETTLEMENT_SIGNATURE"
	TypePing                   MessageType = "PING"
	TypePong                   MessageType = "PONG"
)

// PartyUnknown is the `to` value used before the handshake has associated
// the channel with a party.
const PartyUnknown = -1

// Envelope is the wire frame for every peer message. Payload stays raw until
// a handler decodes it against the type-specific struct.
type Envelope struct {
	Type        MessageType     `json:"type"`
	From        int             `json:"from"`
	To          int             `json:"to"`
	SessionID   string          `json:"session_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TimestampMS int64           `json:"timestamp_ms"`
}

// NewEnvelope marshals the payload and stamps the envelope.
func NewEnvelope(t MessageType, from, to int, sessionID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:        t,
		From:        from,
		To:          to,
		SessionID:   sessionID,
		TimestampMS: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("bus: encoding %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("bus: %s envelope has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, out)
}

// Int carries a field element or token amount across the wire without ever
// touching a float64. It marshals as {"__int__":"<decimal>"} and also
// accepts a bare decimal string on the way in.
type Int struct {
	V *big.Int
}

func NewInt(v *big.Int) Int {
	return Int{V: new(big.Int).Set(v)}
}

func (i Int) MarshalJSON() ([]byte, error) {
	if i.V == nil {
		return nil, errors.New("bus: marshalling nil Int")
	}
	return json.Marshal(map[string]string{"__int__": i.V.String()})
}

func (i *Int) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Value *string `json:"__int__"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Value != nil {
		return i.setDecimal(*wrapped.Value)
	}
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		return i.setDecimal(plain)
	}
	return fmt.Errorf("bus: %q is not a sentinel-wrapped integer", data)
}

func (i *Int) setDecimal(s string) error {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("bus: %q is not a decimal integer", s)
	}
	i.V = v
	return nil
}

// WireView is a party view in transit.
type WireView struct {
	A Int `json:"a"`
	B Int `json:"b"`
}

func ViewToWire(v mpc.View) WireView {
	return WireView{A: NewInt(v.A), B: NewInt(v.B)}
}

func (w WireView) View() mpc.View {
	return mpc.View{A: new(big.Int).Set(w.A.V), B: new(big.Int).Set(w.B.V)}
}

// HandshakePayload introduces a party on a fresh channel.
type HandshakePayload struct {
	PartyID           int    `json:"my_party_id"`
	BlockchainAddress string `json:"blockchain_address"`
}

// ShareDistributionPayload delivers the views the recipient should hold,
// keyed by the decimal party id of the sharer.
type ShareDistributionPayload struct {
	IntentID string              `json:"intent_id"`
	Shares   map[string]WireView `json:"shares"`
}

// ComputationRoundPayload carries one round of intermediate shares.
type ComputationRoundPayload struct {
	Round int             `json:"round"`
	Data  ComputationData `json:"data"`
}

type ComputationData struct {
	Shares WireView `json:"shares"`
}

// ReconstructionRequestPayload asks a peer for its view of a variable.
type ReconstructionRequestPayload struct {
	Variable string `json:"variable"`
}

// ReconstructionResponsePayload answers with the peer's view.
type ReconstructionResponsePayload struct {
	Variable string   `json:"variable"`
	Shares   WireView `json:"shares"`
}

// SettlementSignaturePayload broadcasts a party's signed allocation.
type SettlementSignaturePayload struct {
	IntentID  string `json:"intent_id"`
	Amount    Int    `json:"amount"`
	Signature []byte `json:"signature"`
}
