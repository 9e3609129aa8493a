package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rawblock/mpc-swap-node/internal/api"
	"github.com/rawblock/mpc-swap-node/internal/bus"
	"github.com/rawblock/mpc-swap-node/internal/db"
	"github.com/rawblock/mpc-swap-node/internal/inventory"
	"github.com/rawblock/mpc-swap-node/internal/keystore"
	"github.com/rawblock/mpc-swap-node/internal/ledger"
	"github.com/rawblock/mpc-swap-node/internal/orchestrator"
	"github.com/rawblock/mpc-swap-node/internal/session"
	"github.com/rawblock/mpc-swap-node/pkg/models"
)

const (
	sessionGCInterval = 10 * time.Minute
	// Sessions live at least one hour after completion so late messages can
	// still be correlated before the store reaps them.
	sessionRetention = time.Hour
)

func main() {
	log.Println("Starting RawBlock MPC Swap Node (3-party replicated secret sharing)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// Peer names and addresses, the settlement registry, and the chain RPC
	// endpoint must be configured. The signing key is auto-generated and
	// persisted per node name when absent. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	nodeName := requireEnv("NODE_NAME")
	peersSpec := requireEnv("PEERS")
	rpcURL := requireEnv("ETH_RPC_URL")
	contractAddr := common.HexToAddress(requireEnv("SETTLEMENT_CONTRACT"))

	keystoreDir := getEnvOrDefault("KEYSTORE_DIR", "keys")
	key, selfAddr, err := keystore.Load(keystoreDir, nodeName)
	if err != nil {
		log.Fatalf("FATAL: signing key unavailable: %v", err)
	}

	port := getEnvOrDefault("PORT", "5340")
	listenAddr := getEnvOrDefault("LISTEN_ADDR", "localhost:"+port)

	peers, selfParty, err := buildPeerDirectory(nodeName, listenAddr, peersSpec)
	if err != nil {
		log.Fatalf("FATAL: peer directory malformed: %v", err)
	}
	if explicit := os.Getenv("PARTY_ID"); explicit != "" {
		want, err := strconv.Atoi(explicit)
		if err != nil || want != selfParty {
			log.Fatalf("FATAL: PARTY_ID=%s conflicts with lexicographic assignment %d", explicit, selfParty)
		}
	}
	log.Printf("Node %s is party %d (%s)", nodeName, selfParty, selfAddr.Hex())

	// Optional audit persistence; the node runs fine without it.
	var dbStore *db.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbStore, err = db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without audit persistence. Error: %v", err)
			dbStore = nil
		} else {
			defer dbStore.Close()
			if err := dbStore.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledgerClient, err := ledger.NewClient(ctx, ledger.Config{
		RPCURL:   rpcURL,
		WSURL:    os.Getenv("ETH_WS_URL"),
		Contract: contractAddr,
	}, key)
	if err != nil {
		log.Fatalf("FATAL: settlement chain unreachable: %v", err)
	}
	defer ledgerClient.Close()

	if registered, err := ledgerClient.IsNodeRegistered(ctx, selfAddr); err != nil {
		log.Printf("Warning: could not verify node registration: %v", err)
	} else if !registered {
		log.Printf("Warning: %s is not registered with the settlement contract — settlements will revert", selfAddr.Hex())
	}

	slippageBps, err := strconv.ParseInt(getEnvOrDefault("SLIPPAGE_BPS", "50"), 10, 64)
	if err != nil {
		log.Fatalf("FATAL: invalid SLIPPAGE_BPS: %v", err)
	}
	swapEnabled := os.Getenv("ENABLE_EXTERNAL_SWAP") == "true"
	venue := common.HexToAddress(os.Getenv("SWAP_VENUE"))
	inv := inventory.NewManager(ledgerClient, selfAddr, venue, slippageBps, swapEnabled)
	if err := seedCapacityTable(inv, os.Getenv("INITIAL_CAPACITY")); err != nil {
		log.Fatalf("FATAL: invalid INITIAL_CAPACITY: %v", err)
	}

	peerBus := bus.New(selfParty, selfAddr, peers)
	peerBus.MaintainPeers(ctx)

	sessions := session.NewStore()
	go sessions.RunGC(ctx.Done(), sessionGCInterval, sessionRetention)

	wsHub := api.NewHub()
	go wsHub.Run()

	orch := orchestrator.New(peerBus, ledgerClient, inv, sessions, contractAddr)
	if dbStore != nil {
		orch.SetAuditStore(dbStore)
	}
	orch.SetNotifier(wsHub.BroadcastEvent)

	startBlock, err := strconv.ParseUint(getEnvOrDefault("START_BLOCK", "0"), 10, 64)
	if err != nil {
		log.Fatalf("FATAL: invalid START_BLOCK: %v", err)
	}
	intents := make(chan models.Intent, 16)
	go ledgerClient.Listen(ctx, startBlock, intents)
	go orch.Run(ctx, intents)

	info := api.NodeInfo{
		Name:      nodeName,
		PartyID:   selfParty,
		ChainAddr: selfAddr.Hex(),
		IsLeader:  selfParty == 0,
	}
	r := api.SetupRouter(info, orch, sessions, peerBus, inv, dbStore, wsHub)

	log.Printf("MPC node running on :%s (party %d, leader=%v)", port, selfParty, selfParty == 0)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// buildPeerDirectory parses "name@host:port,name@host:port" for the two
// peers, adds this node, and assigns party ids by lexicographic rank of the
// three node names.
func buildPeerDirectory(selfName, selfAddr, peersSpec string) ([]models.Peer, int, error) {
	addrs := map[string]string{selfName: selfAddr}
	for _, entry := range strings.Split(peersSpec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, addr, ok := strings.Cut(entry, "@")
		if !ok {
			return nil, 0, fmt.Errorf("peer entry %q is not name@host:port", entry)
		}
		if name == selfName {
			return nil, 0, fmt.Errorf("peer list contains this node's own name %q", name)
		}
		addrs[name] = addr
	}
	if len(addrs) != 3 {
		return nil, 0, fmt.Errorf("need exactly 2 peers plus this node, got %d parties", len(addrs))
	}

	names := make([]string, 0, 3)
	for name := range addrs {
		names = append(names, name)
	}
	sort.Strings(names)

	peers := make([]models.Peer, 0, 3)
	selfParty := -1
	for rank, name := range names {
		peers = append(peers, models.Peer{
			PartyID:     rank,
			Name:        name,
			NetworkAddr: addrs[name],
		})
		if name == selfName {
			selfParty = rank
		}
	}
	return peers, selfParty, nil
}

// seedCapacityTable loads the optional "0xtoken:amount,..." initial
// capacity list into the inventory cache.
func seedCapacityTable(inv *inventory.Manager, spec string) error {
	if spec == "" {
		return nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, amountStr, ok := strings.Cut(entry, ":")
		if !ok {
			return fmt.Errorf("capacity entry %q is not token:amount", entry)
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok || amount.Sign() < 0 {
			return fmt.Errorf("capacity amount %q is not a non-negative integer", amountStr)
		}
		inv.SetCapacity(token, amount)
		log.Printf("Seeded capacity: %s %s", amount, strings.ToLower(token))
	}
	return nil
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
