package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/preload"
	"wanderer-kills/internal/store"
	"wanderer-kills/internal/subscription"
	"wanderer-kills/pkg/clock"
)

type storeLookup map[int64]*killmail.Killmail

func (m storeLookup) Cached(id int64) (*killmail.Killmail, bool) {
	km, ok := m[id]
	return km, ok
}

type noBackfill struct{}

func (noBackfill) SystemKillmails(ctx context.Context, systemID int64, since time.Duration, limit int) ([]*killmail.Killmail, error) {
	return nil, nil
}

type wsFixture struct {
	manager *subscription.Manager
	store   *store.EventStore
	lookup  storeLookup
	server  *httptest.Server
}

func newFixture(t *testing.T) *wsFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	st := store.New(clk, 100, time.Hour)
	manager := subscription.NewManager(clk, subscription.ManagerOptions{})
	t.Cleanup(manager.Close)

	lookup := storeLookup{}
	preloader := preload.New(st, lookup, noBackfill{}, clk, false)
	handler := NewHandler(manager, preloader, st, clk)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &wsFixture{manager: manager, store: st, lookup: lookup, server: srv}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Payload: raw}))
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func join(t *testing.T, conn *websocket.Conn, req JoinRequest) string {
	t.Helper()
	send(t, conn, "join", req)
	env := read(t, conn)
	require.Equal(t, "joined", env.Event)
	var reply map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &reply))
	return reply["subscription_id"]
}

func TestJoinAndReceiveKillmailUpdate(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	subID := join(t, conn, JoinRequest{Systems: []int64{30000142}})
	assert.NotEmpty(t, subID)
	assert.Equal(t, 1, f.manager.Count())

	f.store.Append(30000142, 12345)
	f.manager.Deliver([]*killmail.Killmail{{KillmailID: 12345, SystemID: 30000142}})

	env := read(t, conn)
	require.Equal(t, "killmail_update", env.Event)
	var update KillmailUpdate
	require.NoError(t, json.Unmarshal(env.Payload, &update))
	assert.Equal(t, int64(30000142), update.SystemID)
	require.Len(t, update.Killmails, 1)
	assert.False(t, update.Preload)

	env = read(t, conn)
	require.Equal(t, "kill_count_update", env.Event)
	var count KillCountUpdate
	require.NoError(t, json.Unmarshal(env.Payload, &count))
	assert.Equal(t, 1, count.Count)
}

func TestJoinRejectsTooManySystems(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	systems := make([]int64, MaxSystems+1)
	for i := range systems {
		systems[i] = int64(30000000 + i)
	}
	send(t, conn, "join", JoinRequest{Systems: systems})

	env := read(t, conn)
	assert.Equal(t, "error", env.Event)
	assert.Equal(t, 0, f.manager.Count())
}

func TestJoinRejectsEmptyFilters(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, "join", JoinRequest{})
	env := read(t, conn)
	assert.Equal(t, "error", env.Event)
}

func TestSubscribeSystemsExpandsFilters(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	join(t, conn, JoinRequest{Systems: []int64{30000142}})

	send(t, conn, "subscribe_systems", FilterPatch{Systems: []int64{31000005}})
	send(t, conn, "get_status", struct{}{})

	env := read(t, conn)
	require.Equal(t, "status", env.Event)
	var status StatusReply
	require.NoError(t, json.Unmarshal(env.Payload, &status))
	assert.ElementsMatch(t, []int64{30000142, 31000005}, status.Systems)
}

func TestUnsubscribeSystems(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	join(t, conn, JoinRequest{Systems: []int64{30000142, 31000005}})

	send(t, conn, "unsubscribe_systems", FilterPatch{Systems: []int64{30000142}})
	send(t, conn, "get_status", struct{}{})

	env := read(t, conn)
	require.Equal(t, "status", env.Event)
	var status StatusReply
	require.NoError(t, json.Unmarshal(env.Payload, &status))
	assert.Equal(t, []int64{31000005}, status.Systems)
}

func TestFiltersCannotBecomeEmpty(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	join(t, conn, JoinRequest{Systems: []int64{30000142}})

	send(t, conn, "unsubscribe_systems", FilterPatch{Systems: []int64{30000142}})
	env := read(t, conn)
	assert.Equal(t, "error", env.Event)

	// The original filter still delivers.
	f.manager.Deliver([]*killmail.Killmail{{KillmailID: 1, SystemID: 30000142}})
	env = read(t, conn)
	assert.Equal(t, "killmail_update", env.Event)
}

func TestDisconnectCleansUpSubscription(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	join(t, conn, JoinRequest{Systems: []int64{30000142}})
	require.Equal(t, 1, f.manager.Count())

	conn.Close()
	require.Eventually(t, func() bool {
		return f.manager.Count() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestJoinWithPreloadEmitsOrderedEvents(t *testing.T) {
	f := newFixture(t)
	for id := int64(1); id <= 3; id++ {
		f.store.Append(30000142, id)
		f.lookup[id] = &killmail.Killmail{KillmailID: id, SystemID: 30000142, Enriched: true}
	}

	conn := f.dial(t)
	join(t, conn, JoinRequest{
		Systems: []int64{30000142},
		Preload: &preload.Config{
			Enabled:            true,
			LimitPerSystem:     10,
			SinceHours:         1,
			DeliveryBatchSize:  2,
			DeliveryIntervalMs: 1,
		},
	})

	env := read(t, conn)
	require.Equal(t, "preload_status", env.Event)

	env = read(t, conn)
	require.Equal(t, "preload_batch", env.Event)
	var batch preload.BatchEvent
	require.NoError(t, json.Unmarshal(env.Payload, &batch))
	assert.Len(t, batch.Killmails, 2)

	env = read(t, conn)
	require.Equal(t, "preload_batch", env.Event)

	env = read(t, conn)
	require.Equal(t, "preload_complete", env.Event)
	var complete preload.CompleteEvent
	require.NoError(t, json.Unmarshal(env.Payload, &complete))
	assert.Equal(t, 3, complete.TotalKills)
}

func TestUnknownEventGetsError(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, "bogus", struct{}{})
	env := read(t, conn)
	assert.Equal(t, "error", env.Event)

	// Channel is still usable after the bad frame.
	join(t, conn, JoinRequest{Systems: []int64{30000142}})
}
