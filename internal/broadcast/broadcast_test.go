package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/store"
	"wanderer-kills/pkg/clock"
)

func newTestBroadcaster(bufSize int) (*Broadcaster, *store.EventStore) {
	clk := clock.NewFake(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	st := store.New(clk, 100, time.Hour)
	return New(st, clk, bufSize), st
}

func TestPublishReachesSubscribers(t *testing.T) {
	b, _ := newTestBroadcaster(8)

	first := b.Subscribe("system:1")
	second := b.Subscribe("system:1")
	other := b.Subscribe("system:2")
	defer first.Close()
	defer second.Close()
	defer other.Close()

	b.Publish(Message{Topic: "system:1", Event: "test", Payload: "x"})

	for _, h := range []*Handle{first, second} {
		select {
		case msg := <-h.C:
			assert.Equal(t, "test", msg.Event)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive message")
		}
	}
	select {
	case <-other.C:
		t.Fatal("unrelated topic received message")
	default:
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b, _ := newTestBroadcaster(8)

	h := b.Subscribe("system:1")
	h.Close()
	h.Close() // idempotent

	_, open := <-h.C
	assert.False(t, open)
	assert.Equal(t, 0, b.Stats().Topics)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b, _ := newTestBroadcaster(1)

	h := b.Subscribe("system:1")
	defer h.Close()

	b.Publish(Message{Topic: "system:1", Event: "a"})
	b.Publish(Message{Topic: "system:1", Event: "b"}) // buffer full, dropped

	assert.Equal(t, int64(1), b.Stats().Dropped)
	msg := <-h.C
	assert.Equal(t, "a", msg.Event)
}

func TestDeliverPublishesSystemAndCountTopics(t *testing.T) {
	b, st := newTestBroadcaster(8)

	plain := b.Subscribe(TopicSystem(30000142))
	detailed := b.Subscribe(TopicSystemDetailed(30000142))
	all := b.Subscribe(TopicAllSystems)
	count := b.Subscribe(TopicSystemCount(30000142))
	defer plain.Close()
	defer detailed.Close()
	defer all.Close()
	defer count.Close()

	st.Append(30000142, 12345)
	km := &killmail.Killmail{KillmailID: 12345, SystemID: 30000142}
	b.Deliver([]*killmail.Killmail{km})

	msg := <-plain.C
	assert.Equal(t, EventKillmailUpdate, msg.Event)
	update, ok := msg.Payload.(KillmailUpdate)
	require.True(t, ok)
	assert.Equal(t, int64(30000142), update.SystemID)
	require.Len(t, update.Killmails, 1)

	msg = <-detailed.C
	assert.Equal(t, EventDetailedUpdate, msg.Event)

	msg = <-all.C
	assert.Equal(t, EventKillmailUpdate, msg.Event)

	msg = <-count.C
	assert.Equal(t, EventKillCountUpdate, msg.Event)
	countPayload, ok := msg.Payload.(KillCountUpdate)
	require.True(t, ok)
	assert.Equal(t, 1, countPayload.Count)
}
