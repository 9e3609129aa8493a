package orchestrator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rawblock/mpc-swap-node/internal/ledger"
	"github.com/rawblock/mpc-swap-node/pkg/models"
)

// BuildSettlementArrays assembles the parallel (nodes, amounts, signatures)
// arrays for batchFillIntent. Signatures are paired to allocations by party
// id, never by arrival order; zero-amount rows are dropped because the
// registry rejects them; the output is sorted by party id for a canonical
// ordering.
func BuildSettlementArrays(
	allocations [3]models.Allocation,
	signatures map[int]models.SettlementSignature,
	addrOf func(party int) (common.Address, bool),
) ([]common.Address, []*big.Int, [][]byte, error) {
	var nodes []common.Address
	var amounts []*big.Int
	var sigs [][]byte

	for party := 0; party < len(allocations); party++ {
		alloc := allocations[party]
		if alloc.Amount == nil || alloc.Amount.Sign() == 0 {
			continue
		}
		sig, ok := signatures[party]
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: party %d", ledger.ErrMissingSignature, party)
		}
		if sig.Amount == nil || sig.Amount.Cmp(alloc.Amount) != 0 {
			return nil, nil, nil, fmt.Errorf("%w: party %d signed %s, allocated %s",
				ledger.ErrSignatureMismatch, party, sig.Amount, alloc.Amount)
		}
		addr, ok := addrOf(party)
		if !ok {
			return nil, nil, nil, fmt.Errorf("orchestrator: no on-chain address for party %d", party)
		}
		nodes = append(nodes, addr)
		amounts = append(amounts, new(big.Int).Set(alloc.Amount))
		sigs = append(sigs, sig.Signature)
	}
	return nodes, amounts, sigs, nil
}
