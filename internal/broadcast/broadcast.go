// Package broadcast is a thin in-process pub/sub over topic strings.
// The pipeline publishes killmail updates and per-system counts; the
// websocket layer and anything else interested subscribes by topic.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/store"
	"wanderer-kills/pkg/clock"
)

// Topic constructors. A system has a plain feed, a detailed feed and a
// count feed; all_systems carries everything.
const TopicAllSystems = "all_systems"

func TopicSystem(systemID int64) string         { return fmt.Sprintf("system:%d", systemID) }
func TopicSystemDetailed(systemID int64) string { return fmt.Sprintf("system:%d:detailed", systemID) }
func TopicSystemCount(systemID int64) string    { return fmt.Sprintf("system:count:%d", systemID) }

// Event names carried by Message.
const (
	EventKillmailUpdate  = "killmail_update"
	EventDetailedUpdate  = "detailed_kill_update"
	EventKillCountUpdate = "kill_count_update"
)

// Message is one published datum.
type Message struct {
	Topic   string
	Event   string
	Payload any
}

// KillmailUpdate is the payload for killmail events.
type KillmailUpdate struct {
	SystemID  int64                `json:"system_id"`
	Killmails []*killmail.Killmail `json:"killmails"`
	Timestamp time.Time            `json:"timestamp"`
}

// KillCountUpdate is the payload for count events.
type KillCountUpdate struct {
	SystemID  int64     `json:"system_id"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle is one subscriber's receive side. Messages arrive on C; Close
// detaches from the broadcaster.
type Handle struct {
	C     <-chan Message
	topic string
	id    int64
	b     *Broadcaster
	once  sync.Once
}

// Close unsubscribes and closes the channel.
func (h *Handle) Close() {
	h.once.Do(func() { h.b.drop(h.topic, h.id) })
}

// Broadcaster fans published messages out to per-topic subscribers.
// Sends never block: a subscriber that stopped draining loses messages
// and the loss is counted.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[int64]chan Message
	nextID int64

	store   *store.EventStore
	clk     clock.Clock
	bufSize int

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a broadcaster. The event store backs kill_count_update
// payloads.
func New(st *store.EventStore, clk clock.Clock, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Broadcaster{
		topics:  make(map[string]map[int64]chan Message),
		store:   st,
		clk:     clk,
		bufSize: bufSize,
	}
}

// Subscribe registers for one topic. Kill delivery to individual
// clients rides the subscription manager; Subscribe is the hook for
// aggregate server-side feeds, such as an all_systems firehose channel
// or a per-system count ticker, that tap the published stream directly.
func (b *Broadcaster) Subscribe(topic string) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[int64]chan Message)
		b.topics[topic] = subs
	}
	b.nextID++
	ch := make(chan Message, b.bufSize)
	subs[b.nextID] = ch
	return &Handle{C: ch, topic: topic, id: b.nextID, b: b}
}

func (b *Broadcaster) drop(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
	close(ch)
}

// Publish sends msg to every subscriber of its topic without blocking.
func (b *Broadcaster) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(1)
	for _, ch := range b.topics[msg.Topic] {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
			slog.Debug("Broadcast subscriber lagging, message dropped", "topic", msg.Topic)
		}
	}
}

// Deliver implements killmail.Sink: killmails are grouped by system and
// published to the system, detailed and all_systems topics, followed by
// a count update per touched system.
func (b *Broadcaster) Deliver(kms []*killmail.Killmail) {
	if len(kms) == 0 {
		return
	}

	perSystem := make(map[int64][]*killmail.Killmail)
	for _, km := range kms {
		perSystem[km.SystemID] = append(perSystem[km.SystemID], km)
	}

	now := b.clk.Now()
	for systemID, batch := range perSystem {
		update := KillmailUpdate{SystemID: systemID, Killmails: batch, Timestamp: now}
		b.Publish(Message{Topic: TopicSystem(systemID), Event: EventKillmailUpdate, Payload: update})
		b.Publish(Message{Topic: TopicSystemDetailed(systemID), Event: EventDetailedUpdate, Payload: update})
		b.Publish(Message{Topic: TopicAllSystems, Event: EventKillmailUpdate, Payload: update})

		count := KillCountUpdate{SystemID: systemID, Count: b.store.Count(systemID), Timestamp: now}
		b.Publish(Message{Topic: TopicSystemCount(systemID), Event: EventKillCountUpdate, Payload: count})
	}
}

// Stats reports publish volume and drops.
type Stats struct {
	Topics    int   `json:"topics"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// Stats returns a snapshot.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Topics:    len(b.topics),
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}
