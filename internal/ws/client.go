package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/preload"
	"wanderer-kills/internal/subscription"
)

// client is one websocket channel. The read pump owns the filter state;
// the write pump owns the socket's write side; deliveries from the
// subscription worker land on the send queue.
type client struct {
	handler *Handler
	conn    *websocket.Conn
	send    chan Envelope
	done    chan struct{}

	mu          sync.Mutex
	subID       string
	systems     []int64
	characters  []int64
	connectedAt time.Time
	cancelPre   context.CancelFunc
	closeOnce   sync.Once
}

// enqueue pushes a frame to the write pump without blocking; a client
// that stopped draining loses frames until it catches up.
func (c *client) enqueue(ev Envelope) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		slog.Warn("WebSocket send queue full, dropping frame", "event", ev.Event)
	}
}

func (c *client) sendError(msg string) {
	c.enqueue(Envelope{Event: "error", Payload: mustRaw(ErrorReply{Message: msg})})
}

// close tears the channel down exactly once: preload cancelled,
// subscription removed, socket closed.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancelPre
		subID := c.subID
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if subID != "" {
			c.handler.manager.Unsubscribe(subID)
		}
		close(c.done)
		c.conn.Close()
		slog.Info("WebSocket client disconnected", "subscription_id", subID)
	})
}

// readPump processes inbound frames until the socket dies.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		c.dispatch(env)
	}
}

// writePump flushes the send queue and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// dispatch routes one inbound frame.
func (c *client) dispatch(env Envelope) {
	switch env.Event {
	case "join":
		c.handleJoin(env.Payload)
	case "subscribe_systems":
		c.patchFilters(env.Payload, func(p FilterPatch, systems, characters []int64) ([]int64, []int64) {
			return mergeIDs(systems, p.Systems), characters
		})
	case "unsubscribe_systems":
		c.patchFilters(env.Payload, func(p FilterPatch, systems, characters []int64) ([]int64, []int64) {
			return removeIDs(systems, p.Systems), characters
		})
	case "subscribe_characters":
		c.patchFilters(env.Payload, func(p FilterPatch, systems, characters []int64) ([]int64, []int64) {
			return systems, mergeIDs(characters, p.Characters)
		})
	case "unsubscribe_characters":
		c.patchFilters(env.Payload, func(p FilterPatch, systems, characters []int64) ([]int64, []int64) {
			return systems, removeIDs(characters, p.Characters)
		})
	case "get_status":
		c.handleStatus()
	default:
		c.sendError(fmt.Sprintf("unknown event %q", env.Event))
	}
}

// handleJoin validates limits, registers the subscription and kicks off
// the preload when requested.
func (c *client) handleJoin(payload json.RawMessage) {
	c.mu.Lock()
	joined := c.subID != ""
	c.mu.Unlock()
	if joined {
		c.sendError("already joined")
		return
	}

	var req JoinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("malformed join payload")
		return
	}
	if err := validateLimits(req.Systems, req.Characters); err != nil {
		c.sendError(err.Error())
		return
	}
	if len(req.Systems) == 0 && len(req.Characters) == 0 {
		c.sendError("join needs at least one system or character")
		return
	}

	sub, err := c.handler.manager.Subscribe(subscription.Subscription{
		SystemIDs:    req.Systems,
		CharacterIDs: req.Characters,
	}, c.deliver)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.mu.Lock()
	c.subID = sub.ID
	c.systems = append([]int64(nil), req.Systems...)
	c.characters = append([]int64(nil), req.Characters...)
	c.mu.Unlock()

	c.enqueue(Envelope{Event: "joined", Payload: mustRaw(map[string]string{"subscription_id": sub.ID})})
	slog.Info("WebSocket channel joined", "subscription_id", sub.ID,
		"systems", len(req.Systems), "characters", len(req.Characters))

	if req.Preload != nil && req.Preload.Enabled && len(req.Systems) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelPre = cancel
		c.mu.Unlock()
		go c.handler.preloader.Run(ctx, req.Systems, *req.Preload, c)
	}
}

// patchFilters applies a subscribe/unsubscribe mutation and re-registers
// the filters with the manager.
func (c *client) patchFilters(payload json.RawMessage, apply func(FilterPatch, []int64, []int64) ([]int64, []int64)) {
	c.mu.Lock()
	subID := c.subID
	c.mu.Unlock()
	if subID == "" {
		c.sendError("join first")
		return
	}

	var patch FilterPatch
	if err := json.Unmarshal(payload, &patch); err != nil {
		c.sendError("malformed filter payload")
		return
	}

	c.mu.Lock()
	systems, characters := apply(patch, c.systems, c.characters)
	c.mu.Unlock()

	if err := validateLimits(systems, characters); err != nil {
		c.sendError(err.Error())
		return
	}
	if len(systems) == 0 && len(characters) == 0 {
		c.sendError("filters cannot become empty; leave the channel instead")
		return
	}
	if _, err := c.handler.manager.Update(subID, systems, characters); err != nil {
		c.sendError(err.Error())
		return
	}

	c.mu.Lock()
	c.systems = systems
	c.characters = characters
	c.mu.Unlock()
}

func (c *client) handleStatus() {
	c.mu.Lock()
	reply := StatusReply{
		SubscriptionID: c.subID,
		Systems:        append([]int64(nil), c.systems...),
		Characters:     append([]int64(nil), c.characters...),
		ConnectedAt:    c.connectedAt,
		Timestamp:      c.handler.clk.Now(),
	}
	c.mu.Unlock()
	c.enqueue(Envelope{Event: "status", Payload: mustRaw(reply)})
}

// deliver is the subscription.DeliverFunc for this channel: matched
// killmails become killmail_update frames per system, each followed by
// the system's count.
func (c *client) deliver(sub *subscription.Subscription, kms []*killmail.Killmail) {
	perSystem := make(map[int64][]*killmail.Killmail)
	for _, km := range kms {
		perSystem[km.SystemID] = append(perSystem[km.SystemID], km)
	}

	now := c.handler.clk.Now()
	for systemID, batch := range perSystem {
		c.enqueue(Envelope{Event: "killmail_update", Payload: mustRaw(KillmailUpdate{
			SystemID:  systemID,
			Killmails: batch,
			Timestamp: now,
			Preload:   false,
		})})
		c.enqueue(Envelope{Event: "kill_count_update", Payload: mustRaw(KillCountUpdate{
			SystemID:  systemID,
			Count:     c.handler.store.Count(systemID),
			Timestamp: now,
		})})
	}
}

// Preload event plumbing: the preloader emits through the channel in
// strict order because Run is a single goroutine per client.

func (c *client) PreloadStatus(ev preload.StatusEvent) {
	c.enqueue(Envelope{Event: "preload_status", Payload: mustRaw(ev)})
}

func (c *client) PreloadBatch(ev preload.BatchEvent) {
	c.enqueue(Envelope{Event: "preload_batch", Payload: mustRaw(ev)})
}

func (c *client) PreloadComplete(ev preload.CompleteEvent) {
	c.enqueue(Envelope{Event: "preload_complete", Payload: mustRaw(ev)})
}

func validateLimits(systems, characters []int64) error {
	if len(systems) > MaxSystems {
		return fmt.Errorf("too many systems: %d (limit %d)", len(systems), MaxSystems)
	}
	if len(characters) > MaxCharacters {
		return fmt.Errorf("too many characters: %d (limit %d)", len(characters), MaxCharacters)
	}
	for _, id := range systems {
		if !killmail.ValidSystemID(id) {
			return fmt.Errorf("system id %d out of range", id)
		}
	}
	return nil
}

func mergeIDs(existing, add []int64) []int64 {
	seen := make(map[int64]struct{}, len(existing)+len(add))
	out := make([]int64, 0, len(existing)+len(add))
	for _, id := range existing {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range add {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func removeIDs(existing, drop []int64) []int64 {
	gone := make(map[int64]struct{}, len(drop))
	for _, id := range drop {
		gone[id] = struct{}{}
	}
	out := make([]int64, 0, len(existing))
	for _, id := range existing {
		if _, ok := gone[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
