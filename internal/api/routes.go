package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/mpc-swap-node/internal/bus"
	"github.com/rawblock/mpc-swap-node/internal/db"
	"github.com/rawblock/mpc-swap-node/internal/inventory"
	"github.com/rawblock/mpc-swap-node/internal/orchestrator"
	"github.com/rawblock/mpc-swap-node/internal/session"
)

// NodeInfo is the static identity block shown on /api/status.
type NodeInfo struct {
	Name      string `json:"name"`
	PartyID   int    `json:"partyId"`
	ChainAddr string `json:"chainAddr"`
	IsLeader  bool   `json:"isLeader"`
}

type APIHandler struct {
	info     NodeInfo
	orch     *orchestrator.Orchestrator
	sessions *session.Store
	peerBus  *bus.Bus
	inv      *inventory.Manager
	dbStore  *db.Store // nil when the node runs without persistence
	wsHub    *Hub
	started  time.Time
}

// SetupRouter wires the operator API, the dashboard event stream, and the
// peer channel endpoint onto one Gin engine.
func SetupRouter(info NodeInfo, orch *orchestrator.Orchestrator, sessions *session.Store,
	peerBus *bus.Bus, inv *inventory.Manager, dbStore *db.Store, wsHub *Hub) *gin.Engine {

	h := &APIHandler{
		info:     info,
		orch:     orch,
		sessions: sessions,
		peerBus:  peerBus,
		inv:      inv,
		dbStore:  dbStore,
		wsHub:    wsHub,
		started:  time.Now(),
	}

	r := gin.Default()

	// Peer channel: no bearer auth, no rate limit — peers authenticate via
	// the identity handshake, and MPC rounds must never hit the limiter.
	r.GET("/ws/peer", func(c *gin.Context) {
		peerBus.AcceptPeer(c.Writer, c.Request)
	})
	r.GET("/ws/events", wsHub.Subscribe)

	limiter := NewRateLimiter(120, 30)
	apiGroup := r.Group("/api", limiter.Middleware(), AuthMiddleware())
	{
		apiGroup.GET("/health", h.health)
		apiGroup.GET("/status", h.status)
		apiGroup.GET("/sessions", h.listSessions)
		apiGroup.GET("/intents", h.listIntents)
		apiGroup.GET("/capacity", h.listCapacity)
	}

	return r
}

func (h *APIHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).String(),
	})
}

func (h *APIHandler) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node":           h.info,
		"connectedPeers": h.peerBus.ConnectedParties(),
		"peers":          h.peerBus.Peers(),
		"stats":          h.orch.Stats(),
		"persistence":    h.dbStore != nil,
	})
}

type sessionSummary struct {
	ID       string   `json:"id"`
	IntentID string   `json:"intentId"`
	Status   string   `json:"status"`
	Shares   []string `json:"shares"`
	Started  string   `json:"started"`
	Ended    string   `json:"ended,omitempty"`
}

func (h *APIHandler) listSessions(c *gin.Context) {
	sessions := h.sessions.List()
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summary := sessionSummary{
			ID:       s.ID,
			IntentID: s.IntentID,
			Status:   string(s.Status()),
			Shares:   s.ShareNames(),
			Started:  s.StartTime().Format(time.RFC3339),
		}
		if end := s.EndTime(); !end.IsZero() {
			summary.Ended = end.Format(time.RFC3339)
		}
		out = append(out, summary)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *APIHandler) listIntents(c *gin.Context) {
	resp := gin.H{"active": h.orch.ActiveIntents()}
	if h.dbStore != nil {
		recent, err := h.dbStore.RecentIntents(c.Request.Context(), 50)
		if err == nil {
			resp["recent"] = recent
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) listCapacity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"capacities": h.inv.Capacities()})
}
