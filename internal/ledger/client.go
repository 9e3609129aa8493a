package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/rawblock/mpc-swap-node/pkg/models"
)

// Client wraps the settlement registry contract: event consumption, batch
// fill submission, settlement signatures, and the ERC-20 plumbing the
// inventory helper needs.

var (
	ErrLedgerRejected    = errors.New("ledger: settlement transaction rejected")
	ErrSignatureMismatch = errors.New("ledger: signature amount does not match allocation")
	ErrMissingSignature  = errors.New("ledger: missing signature for non-zero allocation")
)

// IntentStatus values returned by getIntentStatus.
const (
	IntentStatusPending   uint8 = 0
	IntentStatusFilled    uint8 = 1
	IntentStatusCancelled uint8 = 2
)

type Config struct {
	RPCURL   string // HTTP endpoint, always required
	WSURL    string // optional push endpoint; polling fallback when empty
	Contract common.Address
}

type Client struct {
	eth      *ethclient.Client
	wsURL    string
	contract common.Address
	key      *ecdsa.PrivateKey
	addr     common.Address
	chainID  *big.Int
}

// NewClient dials the chain, verifies the connection, and binds the
// settlement registry address.
func NewClient(ctx context.Context, cfg Config, key *ecdsa.PrivateKey) (*Client, error) {
	log.Printf("Connecting to settlement chain at %s...", cfg.RPCURL)
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dialing %s: %w", cfg.RPCURL, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("ledger: fetching chain id: %w", err)
	}
	head, err := eth.BlockNumber(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("ledger: fetching head block: %w", err)
	}
	log.Printf("Connected to chain %s. Current block: %d", chainID, head)

	return &Client{
		eth:      eth,
		wsURL:    cfg.WSURL,
		contract: cfg.Contract,
		key:      key,
		addr:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

// Self returns the node's on-chain address.
func (c *Client) Self() common.Address {
	return c.addr
}

// CanonicalSettlementMessage is the fixed text each party signs to
// authorise its allocation. The registry recovers the signer from exactly
// this string.
func CanonicalSettlementMessage(intentID common.Hash, amount *big.Int, node common.Address) string {
	return fmt.Sprintf("Settlement for intent %s: %s from %s", intentID.Hex(), amount.String(), node.Hex())
}

// SignSettlement produces this node's detached EIP-191 signature over the
// canonical settlement message.
func (c *Client) SignSettlement(intentID common.Hash, amount *big.Int) ([]byte, error) {
	msg := CanonicalSettlementMessage(intentID, amount, c.addr)
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), c.key)
	if err != nil {
		return nil, fmt.Errorf("ledger: signing settlement: %w", err)
	}
	return sig, nil
}

// VerifySettlementSignature recovers the signer of a peer's settlement
// signature and checks it against the expected address.
func VerifySettlementSignature(intentID common.Hash, amount *big.Int, node common.Address, sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	msg := CanonicalSettlementMessage(intentID, amount, node)
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == node
}

// SubmitSettlement packs and sends batchFillIntent with the parallel
// (nodes, amounts, signatures) arrays and waits for inclusion. A reverted
// receipt surfaces as ErrLedgerRejected; the caller must not retry, since a
// duplicate submission is unsafe.
func (c *Client) SubmitSettlement(ctx context.Context, intentID common.Hash, nodes []common.Address, amounts []*big.Int, sigs [][]byte) (common.Hash, error) {
	data, err := registryABI.Pack("batchFillIntent", [32]byte(intentID), nodes, amounts, sigs)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: packing batchFillIntent: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.addr)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: fetching nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: suggesting gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.addr,
		To:   &c.contract,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: estimate reverted: %v", ErrLedgerRejected, err)
	}

	tx, err := c.sendTx(ctx, nonce, c.contract, gasLimit, gasPrice, data)
	if err != nil {
		return common.Hash{}, err
	}
	log.Printf("[Ledger] batchFillIntent submitted: %s", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("ledger: waiting for inclusion: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("%w: tx %s reverted", ErrLedgerRejected, tx.Hash().Hex())
	}
	log.Printf("[Ledger] Settlement mined in block %d (tx %s)", receipt.BlockNumber, tx.Hash().Hex())
	return tx.Hash(), nil
}

func (c *Client) sendTx(ctx context.Context, nonce uint64, to common.Address, gasLimit uint64, gasPrice *big.Int, data []byte) (*types.Transaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("ledger: signing tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("ledger: sending tx: %w", err)
	}
	return signed, nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// IsNodeRegistered asks the registry whether the address is an authorised
// settlement node.
func (c *Client) IsNodeRegistered(ctx context.Context, node common.Address) (bool, error) {
	data, err := registryABI.Pack("isNodeRegistered", node)
	if err != nil {
		return false, err
	}
	out, err := c.call(ctx, c.contract, data)
	if err != nil {
		return false, fmt.Errorf("ledger: isNodeRegistered: %w", err)
	}
	res, err := registryABI.Unpack("isNodeRegistered", out)
	if err != nil {
		return false, err
	}
	return res[0].(bool), nil
}

// GetRegisteredNodes lists the registry's settlement nodes.
func (c *Client) GetRegisteredNodes(ctx context.Context) ([]common.Address, error) {
	data, err := registryABI.Pack("getRegisteredNodes")
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, c.contract, data)
	if err != nil {
		return nil, fmt.Errorf("ledger: getRegisteredNodes: %w", err)
	}
	res, err := registryABI.Unpack("getRegisteredNodes", out)
	if err != nil {
		return nil, err
	}
	return res[0].([]common.Address), nil
}

// GetIntentStatus returns the registry's view of the intent lifecycle.
func (c *Client) GetIntentStatus(ctx context.Context, intentID common.Hash) (uint8, error) {
	data, err := registryABI.Pack("getIntentStatus", [32]byte(intentID))
	if err != nil {
		return 0, err
	}
	out, err := c.call(ctx, c.contract, data)
	if err != nil {
		return 0, fmt.Errorf("ledger: getIntentStatus: %w", err)
	}
	res, err := registryABI.Unpack("getIntentStatus", out)
	if err != nil {
		return 0, err
	}
	return res[0].(uint8), nil
}

// CurrentGasPrice reports the chain's suggested gas price.
func (c *Client) CurrentGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// EstimateSettlementGas estimates gas for a batchFillIntent call with the
// given arrays.
func (c *Client) EstimateSettlementGas(ctx context.Context, intentID common.Hash, nodes []common.Address, amounts []*big.Int, sigs [][]byte) (uint64, error) {
	data, err := registryABI.Pack("batchFillIntent", [32]byte(intentID), nodes, amounts, sigs)
	if err != nil {
		return 0, err
	}
	return c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.addr, To: &c.contract, Data: data})
}

// BalanceOf reads an ERC-20 balance.
func (c *Client) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := tokenABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("ledger: balanceOf %s: %w", token.Hex(), err)
	}
	res, err := tokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	return res[0].(*big.Int), nil
}

// Allowance reads an ERC-20 allowance.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := tokenABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("ledger: allowance %s: %w", token.Hex(), err)
	}
	res, err := tokenABI.Unpack("allowance", out)
	if err != nil {
		return nil, err
	}
	return res[0].(*big.Int), nil
}

// Approve grants an ERC-20 allowance and waits for inclusion.
func (c *Client) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	data, err := tokenABI.Pack("approve", spender, amount)
	if err != nil {
		return err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.addr)
	if err != nil {
		return err
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.addr, To: &token, Data: data})
	if err != nil {
		return fmt.Errorf("ledger: approve estimate: %w", err)
	}
	tx, err := c.sendTx(ctx, nonce, token, gasLimit, gasPrice, data)
	if err != nil {
		return err
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("ledger: approve tx %s reverted", tx.Hash().Hex())
	}
	return nil
}

// SwapExactTokens executes a swap through the venue router and waits for
// inclusion. Used by the inventory helper when the node is short of the
// output token.
func (c *Client) SwapExactTokens(ctx context.Context, router common.Address, amountIn, minOut *big.Int, path []common.Address, deadline *big.Int) error {
	data, err := routerABI.Pack("swapExactTokensForTokens", amountIn, minOut, path, c.addr, deadline)
	if err != nil {
		return err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.addr)
	if err != nil {
		return err
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.addr, To: &router, Data: data})
	if err != nil {
		return fmt.Errorf("ledger: swap estimate: %w", err)
	}
	tx, err := c.sendTx(ctx, nonce, router, gasLimit, gasPrice, data)
	if err != nil {
		return err
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("ledger: swap tx %s reverted", tx.Hash().Hex())
	}
	log.Printf("[Ledger] Swap executed via venue router (tx %s)", tx.Hash().Hex())
	return nil
}

// parseIntentCreated decodes one IntentCreated log into an Intent record.
func parseIntentCreated(l types.Log) (models.Intent, error) {
	if len(l.Topics) < 3 {
		return models.Intent{}, fmt.Errorf("ledger: IntentCreated log missing indexed topics")
	}
	vals, err := registryABI.Unpack("IntentCreated", l.Data)
	if err != nil {
		return models.Intent{}, fmt.Errorf("ledger: unpacking IntentCreated: %w", err)
	}
	deadline := vals[4].(*big.Int)
	return models.Intent{
		ID:           l.Topics[1],
		User:         common.BytesToAddress(l.Topics[2].Bytes()),
		TokenIn:      vals[0].(common.Address),
		TokenOut:     vals[1].(common.Address),
		AmountIn:     vals[2].(*big.Int),
		MinAmountOut: vals[3].(*big.Int),
		Deadline:     deadline.Uint64(),
		Status:       models.IntentPending,
		BlockNumber:  l.BlockNumber,
	}, nil
}
