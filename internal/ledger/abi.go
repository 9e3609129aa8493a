package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABIs for the settlement registry, ERC-20 tokens, and the swap
// venue router. Only the fragments the node actually calls are declared.

const settlementRegistryABI = `[
  {"type":"event","name":"IntentCreated","inputs":[
    {"name":"intentId","type":"bytes32","indexed":true},
    {"name":"user","type":"address","indexed":true},
    {"name":"tokenIn","type":"address","indexed":false},
    {"name":"tokenOut","type":"address","indexed":false},
    {"name":"amountIn","type":"uint256","indexed":false},
    {"name":"minAmountOut","type":"uint256","indexed":false},
    {"name":"deadline","type":"uint256","indexed":false}]},
  {"type":"event","name":"IntentFilled","inputs":[
    {"name":"intentId","type":"bytes32","indexed":true},
    {"name":"totalAmountOut","type":"uint256","indexed":false},
    {"name":"numNodes","type":"uint256","indexed":false}]},
  {"type":"function","name":"batchFillIntent","stateMutability":"nonpayable","inputs":[
    {"name":"intentId","type":"bytes32"},
    {"name":"nodes","type":"address[]"},
    {"name":"amounts","type":"uint256[]"},
    {"name":"signatures","type":"bytes[]"}],"outputs":[]},
  {"type":"function","name":"isNodeRegistered","stateMutability":"view","inputs":[
    {"name":"node","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getRegisteredNodes","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"getNodeCount","stateMutability":"view","inputs":[],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getIntentStatus","stateMutability":"view","inputs":[
    {"name":"intentId","type":"bytes32"}],"outputs":[{"name":"","type":"uint8"}]}
]`

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},
    {"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const venueRouterABI = `[
  {"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[
    {"name":"amountIn","type":"uint256"},
    {"name":"amountOutMin","type":"uint256"},
    {"name":"path","type":"address[]"},
    {"name":"to","type":"address"},
    {"name":"deadline","type":"uint256"}],
    "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid embedded ABI: " + err.Error())
	}
	return parsed
}

var (
	registryABI = mustParseABI(settlementRegistryABI)
	tokenABI    = mustParseABI(erc20ABI)
	routerABI   = mustParseABI(venueRouterABI)
)
