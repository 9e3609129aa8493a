package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// IntentStatus tracks the on-chain lifecycle of a swap intent.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentProcessing IntentStatus = "processing"
	IntentFilled     IntentStatus = "filled"
	IntentCancelled  IntentStatus = "cancelled"
)

// Intent is a user's instruction to swap up to AmountIn of TokenIn for at
// least MinAmountOut of TokenOut by Deadline. Intents are immutable once
// created; Status is the only field the node updates locally.
type Intent struct {
	ID           common.Hash    `json:"intentId"`
	User         common.Address `json:"user"`
	TokenIn      common.Address `json:"tokenIn"`
	TokenOut     common.Address `json:"tokenOut"`
	AmountIn     *big.Int       `json:"amountIn"`
	MinAmountOut *big.Int       `json:"minAmountOut"`
	Deadline     uint64         `json:"deadline"` // unix seconds
	Status       IntentStatus   `json:"status"`
	BlockNumber  uint64         `json:"blockNumber,omitempty"`
}

// Allocation is the amount one party agrees to contribute toward
// MinAmountOut. The three allocations computed for an intent sum to the
// intent's MinAmountOut; a zero-capacity follower that skips the reveal
// holds an all-zero set locally instead.
type Allocation struct {
	PartyID int      `json:"partyId"`
	Amount  *big.Int `json:"amount"`
}

// SettlementSignature authorises one party's allocation. The signature is an
// EIP-191 personal signature over the canonical settlement message.
type SettlementSignature struct {
	PartyID   int         `json:"partyId"`
	IntentID  common.Hash `json:"intentId"`
	Amount    *big.Int    `json:"amount"`
	Signature []byte      `json:"signature"`
}

// Capacity is the node's available balance of one token, in base units.
// Token addresses are normalised to lowercase hex.
type Capacity struct {
	Token       string    `json:"token"`
	Amount      *big.Int  `json:"amount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Peer describes one of the three MPC nodes. ChainAddr starts as the zero
// address and is filled in by the identity handshake.
type Peer struct {
	PartyID     int            `json:"partyId"`
	Name        string         `json:"name"`
	NetworkAddr string         `json:"networkAddr"`
	ChainAddr   common.Address `json:"chainAddr"`
}
