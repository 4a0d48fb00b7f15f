// Package ws exposes the killmail stream over a websocket channel.
// Clients join with system and character filters (plus optional preload)
// and receive killmail_update / kill_count_update events; filters can be
// adjusted over the live socket.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/preload"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/subscription"
	"wanderer-kills/pkg/clock"
)

// Join limits for one channel.
const (
	MaxSystems    = 50
	MaxCharacters = 1000
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRequest is the first frame a client must send.
type JoinRequest struct {
	Systems    []int64         `json:"systems"`
	Characters []int64         `json:"characters"`
	Preload    *preload.Config `json:"preload,omitempty"`
}

// FilterPatch adds or removes filter entries on a live channel.
type FilterPatch struct {
	Systems    []int64 `json:"systems,omitempty"`
	Characters []int64 `json:"characters,omitempty"`
}

// StatusReply answers get_status.
type StatusReply struct {
	SubscriptionID string    `json:"subscription_id"`
	Systems        []int64   `json:"systems"`
	Characters     []int64   `json:"characters"`
	ConnectedAt    time.Time `json:"connected_at"`
	Timestamp      time.Time `json:"timestamp"`
}

// ErrorReply is sent for rejected frames; the channel stays open unless
// the join itself was invalid.
type ErrorReply struct {
	Message string `json:"message"`
}

// KillmailUpdate is the outbound killmail event.
type KillmailUpdate struct {
	SystemID  int64                `json:"system_id"`
	Killmails []*killmail.Killmail `json:"killmails"`
	Timestamp time.Time            `json:"timestamp"`
	Preload   bool                 `json:"preload"`
}

// KillCountUpdate is the outbound per-system count event.
type KillCountUpdate struct {
	SystemID  int64     `json:"system_id"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler upgrades connections on /ws/killmails and runs the channel
// protocol.
type Handler struct {
	upgrader  websocket.Upgrader
	manager   *subscription.Manager
	preloader *preload.Preloader
	store     *store.EventStore
	clk       clock.Clock
}

// NewHandler creates the websocket handler.
func NewHandler(manager *subscription.Manager, preloader *preload.Preloader, st *store.EventStore, clk clock.Clock) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API is anonymous; browser clients from any origin
			// may stream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		manager:   manager,
		preloader: preloader,
		store:     st,
		clk:       clk,
	}
}

// ServeHTTP upgrades and runs the channel until the peer goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{
		handler:     h,
		conn:        conn,
		send:        make(chan Envelope, sendQueueSize),
		done:        make(chan struct{}),
		connectedAt: h.clk.Now(),
	}
	slog.Info("WebSocket client connected", "remote", r.RemoteAddr)
	go c.writePump()
	c.readPump()
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode websocket payload", "error", err)
		return json.RawMessage("{}")
	}
	return raw
}
