package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/internal/cache"
	"wanderer-kills/internal/esi"
	"wanderer-kills/internal/killmail"
	"wanderer-kills/internal/ratelimit"
	"wanderer-kills/internal/store"
	"wanderer-kills/pkg/apperr"
	"wanderer-kills/pkg/clock"
)

// stubResolver serves canned killmail bodies and resolves no names.
type stubResolver struct {
	mu        sync.Mutex
	killmails map[string]*esi.KillmailBody
}

func (s *stubResolver) Character(ctx context.Context, id int64) (*esi.Character, error) {
	return nil, apperr.ErrESINotFound
}
func (s *stubResolver) Corporation(ctx context.Context, id int64) (*esi.Corporation, error) {
	return nil, apperr.ErrESINotFound
}
func (s *stubResolver) Alliance(ctx context.Context, id int64) (*esi.Alliance, error) {
	return nil, apperr.ErrESINotFound
}
func (s *stubResolver) Type(ctx context.Context, id int64) (*esi.Type, error) {
	return nil, apperr.ErrESINotFound
}
func (s *stubResolver) Group(ctx context.Context, id int64) (*esi.Group, error) {
	return nil, apperr.ErrESINotFound
}
func (s *stubResolver) Killmail(ctx context.Context, id int64, hash string) (*esi.KillmailBody, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if body, ok := s.killmails[fmt.Sprintf("%d:%s", id, hash)]; ok {
		return body, nil
	}
	return nil, apperr.ErrESINotFound
}
func (s *stubResolver) Characters(ctx context.Context, ids []int64) map[int64]*esi.Character {
	return nil
}
func (s *stubResolver) Corporations(ctx context.Context, ids []int64) map[int64]*esi.Corporation {
	return nil
}
func (s *stubResolver) Alliances(ctx context.Context, ids []int64) map[int64]*esi.Alliance {
	return nil
}
func (s *stubResolver) Types(ctx context.Context, ids []int64) map[int64]*esi.Type { return nil }

// captureSink records deliveries.
type captureSink struct {
	mu  sync.Mutex
	ids []int64
}

func (c *captureSink) Deliver(kms []*killmail.Killmail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, km := range kms {
		c.ids = append(c.ids, km.KillmailID)
	}
}

func (c *captureSink) delivered() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.ids))
	copy(out, c.ids)
	return out
}

func newTestPipeline(resolver esi.BulkResolver) (*killmail.Parser, *killmail.Pipeline, *captureSink) {
	clk := clock.NewFake(time.Now())
	sink := &captureSink{}
	parser := killmail.NewParser(resolver, clk, time.Hour)
	pipeline := killmail.NewPipeline(
		killmail.NewEnricher(resolver, killmail.EnricherOptions{}),
		cache.New(clk),
		store.New(clk, 100, time.Hour),
		killmail.PipelineOptions{},
		sink,
	)
	return parser, pipeline, sink
}

func packageJSON(killID int64) string {
	return fmt.Sprintf(`{"package":{"killID":%d,"killmail":{
		"killmail_id":%d,
		"killmail_time":%q,
		"solar_system_id":30000142,
		"victim":{"corporation_id":100,"ship_type_id":638,"damage_taken":1},
		"attackers":[{"corporation_id":200,"ship_type_id":17918,"damage_done":1,"final_blow":true}]
	},"zkb":{"hash":"h%d"}}}`, killID, killID, time.Now().UTC().Format(time.RFC3339), killID)
}

func fastOptions(url string) RedisQOptions {
	return RedisQOptions{
		URL:            url,
		PollTimeout:    time.Second,
		FastInterval:   time.Millisecond,
		IdleInterval:   5 * time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		BackoffFactor:  2,
		EmptyThreshold: 3,
	}
}

func TestRedisQIngesterProcessesPackages(t *testing.T) {
	var mu sync.Mutex
	served := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.NotEmpty(t, req.URL.Query().Get("queueID"))
		mu.Lock()
		served++
		n := served
		mu.Unlock()
		if n <= 2 {
			fmt.Fprint(w, packageJSON(int64(n)))
			return
		}
		fmt.Fprint(w, `{"package":null}`)
	}))
	defer srv.Close()

	parser, pipeline, sink := newTestPipeline(&stubResolver{})
	ing := NewRedisQIngester(parser, pipeline, fastOptions(srv.URL))

	ing.Start(context.Background())
	defer ing.Stop()

	require.Eventually(t, func() bool {
		return ing.Stats().Packages >= 2 && ing.Stats().Empties >= 3
	}, 5*time.Second, 5*time.Millisecond)

	ing.Stop()

	stats := ing.Stats()
	assert.Equal(t, int64(2), stats.Packages)
	assert.NotNil(t, stats.LastPackage)
	assert.Equal(t, "idle", stats.State)
	assert.ElementsMatch(t, []int64{1, 2}, sink.delivered())
}

func TestRedisQIngesterBacksOffOnErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	parser, pipeline, _ := newTestPipeline(&stubResolver{})
	ing := NewRedisQIngester(parser, pipeline, fastOptions(srv.URL))

	ing.Start(context.Background())
	defer ing.Stop()

	require.Eventually(t, func() bool {
		return ing.Stats().Errors >= 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "backoff", ing.Stats().State)
	assert.Equal(t, int64(0), ing.Stats().Packages)
}

func TestRedisQIngesterDropsMalformedPackage(t *testing.T) {
	var mu sync.Mutex
	served := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		served++
		n := served
		mu.Unlock()
		if n == 1 {
			fmt.Fprint(w, `{"package":{"killID":1}}`) // no killmail body
			return
		}
		fmt.Fprint(w, packageJSON(2))
	}))
	defer srv.Close()

	parser, pipeline, sink := newTestPipeline(&stubResolver{})
	ing := NewRedisQIngester(parser, pipeline, fastOptions(srv.URL))

	ing.Start(context.Background())
	defer ing.Stop()

	require.Eventually(t, func() bool {
		return ing.Stats().Packages >= 1
	}, 5*time.Second, 5*time.Millisecond)
	ing.Stop()

	assert.GreaterOrEqual(t, ing.Stats().Errors, int64(1))
	assert.Contains(t, sink.delivered(), int64(2))
	assert.NotContains(t, sink.delivered(), int64(1))
}

func TestRedisQIngesterStopIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"package":null}`)
	}))
	defer srv.Close()

	parser, pipeline, _ := newTestPipeline(&stubResolver{})
	ing := NewRedisQIngester(parser, pipeline, fastOptions(srv.URL))

	ing.Start(context.Background())
	ing.Stop()
	ing.Stop()
}

// stubFetcher implements Fetcher with canned bodies per URL.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]string
	calls     map[string]int
}

func (s *stubFetcher) Get(ctx context.Context, service string, priority ratelimit.Priority, url string, headers map[string]string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[url]++
	if body, ok := s.responses[url]; ok {
		return []byte(body), nil
	}
	return nil, apperr.ErrHTTPNotFound
}

func TestZkbFetcherSystemKillmails(t *testing.T) {
	resolver := &stubResolver{killmails: map[string]*esi.KillmailBody{}}
	for id := int64(1); id <= 3; id++ {
		resolver.killmails[fmt.Sprintf("%d:h%d", id, id)] = &esi.KillmailBody{
			KillmailID:    id,
			KillmailTime:  time.Now().UTC().Add(-time.Minute),
			SolarSystemID: 30000142,
			Victim:        esi.BodyVictim{CorporationID: 100, ShipTypeID: 638},
			Attackers:     []esi.BodyAttacker{{DamageDone: 1, FinalBlow: true}},
		}
	}

	url := "https://zkb.test/api/kills/systemID/30000142/pastSeconds/3600/"
	fetcher := &stubFetcher{responses: map[string]string{
		url: `[
			{"killmail_id":1,"zkb":{"hash":"h1"}},
			{"killmail_id":2,"zkb":{"hash":"h2"}},
			{"killmail_id":3,"zkb":{"hash":"h3"}}
		]`,
	}}

	parser, pipeline, sink := newTestPipeline(resolver)
	z := NewZkbFetcher(fetcher, parser, pipeline, "https://zkb.test/api")

	kms, err := z.SystemKillmails(context.Background(), 30000142, time.Hour, 0)
	require.NoError(t, err)
	assert.Len(t, kms, 3)
	assert.ElementsMatch(t, []int64{1, 2, 3}, sink.delivered())
}

func TestZkbFetcherHonorsLimit(t *testing.T) {
	resolver := &stubResolver{killmails: map[string]*esi.KillmailBody{
		"1:h1": {
			KillmailID: 1, KillmailTime: time.Now().UTC(), SolarSystemID: 30000142,
			Victim:    esi.BodyVictim{CorporationID: 100, ShipTypeID: 638},
			Attackers: []esi.BodyAttacker{{FinalBlow: true}},
		},
	}}
	url := "https://zkb.test/api/kills/systemID/30000142/pastSeconds/3600/"
	fetcher := &stubFetcher{responses: map[string]string{
		url: `[{"killmail_id":1,"zkb":{"hash":"h1"}},{"killmail_id":2,"zkb":{"hash":"h2"}}]`,
	}}

	parser, pipeline, _ := newTestPipeline(resolver)
	z := NewZkbFetcher(fetcher, parser, pipeline, "https://zkb.test/api")

	kms, err := z.SystemKillmails(context.Background(), 30000142, time.Hour, 1)
	require.NoError(t, err)
	assert.Len(t, kms, 1)
	assert.Equal(t, int64(1), kms[0].KillmailID)
}

func TestZkbFetcherSkipsUnresolvableReferences(t *testing.T) {
	resolver := &stubResolver{killmails: map[string]*esi.KillmailBody{
		"1:h1": {
			KillmailID: 1, KillmailTime: time.Now().UTC(), SolarSystemID: 30000142,
			Victim:    esi.BodyVictim{CorporationID: 100, ShipTypeID: 638},
			Attackers: []esi.BodyAttacker{{FinalBlow: true}},
		},
	}}
	url := "https://zkb.test/api/kills/systemID/30000142/pastSeconds/3600/"
	fetcher := &stubFetcher{responses: map[string]string{
		url: `[{"killmail_id":1,"zkb":{"hash":"h1"}},{"killmail_id":9,"zkb":{"hash":"missing"}}]`,
	}}

	parser, pipeline, _ := newTestPipeline(resolver)
	z := NewZkbFetcher(fetcher, parser, pipeline, "https://zkb.test/api")

	kms, err := z.SystemKillmails(context.Background(), 30000142, time.Hour, 0)
	require.NoError(t, err)
	assert.Len(t, kms, 1)
}

func TestZkbFetcherMalformedBodyIsBadResponse(t *testing.T) {
	url := "https://zkb.test/api/kills/systemID/30000142/pastSeconds/3600/"
	fetcher := &stubFetcher{responses: map[string]string{
		url: `<html>upstream went away</html>`,
	}}

	parser, pipeline, _ := newTestPipeline(&stubResolver{})
	z := NewZkbFetcher(fetcher, parser, pipeline, "https://zkb.test/api")

	_, err := z.SystemKillmails(context.Background(), 30000142, time.Hour, 0)
	require.Error(t, err)
	assert.Equal(t, "zkb:bad_response", apperr.KindOf(err))
}

func TestZkbFetcherRejectsInvalidSystem(t *testing.T) {
	parser, pipeline, _ := newTestPipeline(&stubResolver{})
	z := NewZkbFetcher(&stubFetcher{}, parser, pipeline, "")

	_, err := z.SystemKillmails(context.Background(), 99_000_000, time.Hour, 0)
	require.Error(t, err)
	assert.Equal(t, "validation:invalid_system", apperr.KindOf(err))
}
