package protocol

import (
	"errors"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"strings"

	"github.com/rawblock/mpc-swap-node/internal/mpc"
	"github.com/rawblock/mpc-swap-node/pkg/models"
)

// The protocol engine is the pure MPC computation layer: share-space sums,
// the sufficiency check, proportional allocation, and selective reveal. All
// network traffic goes through the callback types so the engine stays free
// of transport concerns.

var (
	ErrInsufficientCapacity = errors.New("protocol: total capacity below order size")
	ErrNoPeerShares         = errors.New("protocol: peer exchange returned no shares")
)

// PartyShare is one peer's contribution during a computation round.
type PartyShare struct {
	PartyID int
	View    mpc.View
}

// ExchangeFunc broadcasts this party's view to both peers and returns the
// peers' views for the same round.
type ExchangeFunc func(my mpc.View) ([]PartyShare, error)

// RequestFunc fetches the named variable's view from a specific peer.
type RequestFunc func(fromParty int, variable string) (mpc.View, error)

// SumViews folds view addition over the inputs. An empty input is a sharing
// of zero.
func SumViews(views []mpc.View) mpc.View {
	sum := mpc.ZeroView()
	for _, v := range views {
		sum = mpc.AddViews(sum, v)
	}
	return sum
}

// CheckSufficientCapacity exchanges sum views with the peers, reconstructs
// the total from this party's view plus the first peer view, and compares it
// against the threshold. Revealing the total is a deliberate design
// trade-off: one value beyond the boolean leaks, per-party capacities stay
// hidden at this stage.
func CheckSufficientCapacity(self int, myView mpc.View, threshold *big.Int, exchange ExchangeFunc) (bool, *big.Int, error) {
	peers, err := exchange(myView)
	if err != nil {
		return false, nil, fmt.Errorf("protocol: sum exchange: %w", err)
	}
	if len(peers) == 0 {
		return false, nil, ErrNoPeerShares
	}

	// Any single peer view combined with our own suffices.
	total, err := mpc.ReconstructFromTwo(myView, peers[0].View, self, peers[0].PartyID)
	if err != nil {
		return false, nil, err
	}
	return total.Cmp(threshold) >= 0, total, nil
}

// ComputeAllocations splits orderSize across the three parties in proportion
// to their capacities. The first two allocations round down; the last party
// absorbs the remainder so the amounts always sum to orderSize exactly.
// Output order is fixed at parties (0, 1, 2).
func ComputeAllocations(capacities [3]*big.Int, orderSize *big.Int) ([3]models.Allocation, error) {
	var out [3]models.Allocation

	total := new(big.Int)
	for _, c := range capacities {
		if c == nil || c.Sign() < 0 {
			return out, fmt.Errorf("protocol: invalid capacity %v", c)
		}
		total.Add(total, c)
	}
	if total.Cmp(orderSize) < 0 {
		return out, fmt.Errorf("%w: have %s, need %s", ErrInsufficientCapacity, total, orderSize)
	}

	assigned := new(big.Int)
	for i := 0; i < 2; i++ {
		amount := new(big.Int)
		if capacities[i].Sign() > 0 {
			// floor(capacity_i * orderSize / total)
			amount.Mul(capacities[i], orderSize)
			amount.Div(amount, total)
		}
		out[i] = models.Allocation{PartyID: i, Amount: amount}
		assigned.Add(assigned, amount)
	}
	// Party 2 absorbs the rounding remainder.
	out[2] = models.Allocation{PartyID: 2, Amount: new(big.Int).Sub(orderSize, assigned)}
	return out, nil
}

// ReconstructValue reveals one shared variable. For capacity_{i} the
// counterparty is party i, the owner of that capacity; when i is this party,
// the ring neighbour (self+1) mod 3 answers instead.
func ReconstructValue(self int, myView mpc.View, variable string, request RequestFunc) (*big.Int, error) {
	from := counterpartyFor(self, variable)
	peerView, err := request(from, variable)
	if err != nil {
		return nil, fmt.Errorf("protocol: requesting %q from party %d: %w", variable, from, err)
	}
	value, err := mpc.ReconstructFromTwo(myView, peerView, self, from)
	if err != nil {
		return nil, err
	}
	log.Printf("[Protocol] Reconstructed %q with party %d", variable, from)
	return value, nil
}

// counterpartyFor resolves which party should answer a reconstruction
// request for the variable.
func counterpartyFor(self int, variable string) int {
	if owner, ok := capacityOwner(variable); ok && owner != self {
		return owner
	}
	return (self + 1) % mpc.NumParties
}

func capacityOwner(variable string) (int, bool) {
	suffix, ok := strings.CutPrefix(variable, "capacity_")
	if !ok {
		return 0, false
	}
	owner, err := strconv.Atoi(suffix)
	if err != nil || owner < 0 || owner >= mpc.NumParties {
		return 0, false
	}
	return owner, true
}
