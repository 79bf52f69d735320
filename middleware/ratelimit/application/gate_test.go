package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"admission-gateway/middleware/ratelimit/domain"
)

// fakeWindowStore guarda timestamps por chave, com a mesma semântica do Redis.
type fakeWindowStore struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	calls int
}

func newFakeWindowStore() *fakeWindowStore {
	return &fakeWindowStore{hits: make(map[string][]time.Time)}
}

func (s *fakeWindowStore) Hit(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	cutoff := now.Add(-window)
	all := append(s.hits[key], now)
	kept := all[:0]
	for _, ts := range all {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.hits[key] = kept
	return int64(len(kept)), nil
}

type failingStore struct {
	err   error
	calls int
}

func (s *failingStore) Hit(context.Context, string, time.Time, time.Duration) (int64, error) {
	s.calls++
	return 0, s.err
}

type recordingStats struct {
	mu     sync.Mutex
	events []domain.StatsEvent
}

func (r *recordingStats) Record(_ context.Context, ev domain.StatsEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingStats) count(o domain.Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Outcome == o {
			n++
		}
	}
	return n
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func userReq(path string) domain.Request {
	return domain.Request{Path: path, Identity: domain.UserIdentity("u-1")}
}

func anonReq(addr, path string) domain.Request {
	return domain.Request{Path: path, Identity: domain.AnonymousIdentity(addr)}
}

func newTestGate(store domain.WindowStore, c *clock) Gate {
	return Gate{
		Store:    store,
		Policies: domain.DefaultPolicyTable(),
		Exempt:   domain.NewExemptSet(domain.DefaultExemptPaths()...),
		Now:      c.now,
	}
}

func TestGate_Admit_UserHundredThenReject(t *testing.T) {
	c := newClock()
	g := newTestGate(newFakeWindowStore(), c)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		dec := g.Admit(ctx, userReq("/orders"))
		require.Equal(t, domain.OutcomeAdmitted, dec.Outcome, "request %d", i+1)
		assert.Equal(t, 99-i, dec.Remaining, "request %d", i+1)
		c.advance(100 * time.Millisecond)
	}

	dec := g.Admit(ctx, userReq("/orders"))
	assert.Equal(t, domain.OutcomeRejected, dec.Outcome)
	assert.False(t, dec.Allowed())
	assert.Equal(t, 60*time.Second, dec.RetryAfter())
	assert.Equal(t, 0, dec.Remaining)
	assert.Equal(t, 100, dec.Policy.Limit)
}

func TestGate_Admit_WindowSlidesBack(t *testing.T) {
	c := newClock()
	g := newTestGate(newFakeWindowStore(), c)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.True(t, g.Admit(ctx, anonReq("10.0.0.1", "/search")).Allowed())
	}
	require.False(t, g.Admit(ctx, anonReq("10.0.0.1", "/search")).Allowed())

	c.advance(60 * time.Second)

	for i := 0; i < 20; i++ {
		dec := g.Admit(ctx, anonReq("10.0.0.1", "/search"))
		require.Equal(t, domain.OutcomeAdmitted, dec.Outcome, "request %d after window", i+1)
	}
}

func TestGate_Admit_RejectedRequestsStillCostQuota(t *testing.T) {
	c := newClock()
	g := newTestGate(newFakeWindowStore(), c)
	g.Policies.Endpoints["/x"] = domain.Policy{Limit: 1, Window: 10 * time.Second}
	ctx := context.Background()

	require.True(t, g.Admit(ctx, userReq("/x")).Allowed())
	c.advance(6 * time.Second)
	require.False(t, g.Admit(ctx, userReq("/x")).Allowed())

	// a primeira saiu da janela, mas a rejeitada (t=6s) ainda conta.
	c.advance(5 * time.Second)
	assert.False(t, g.Admit(ctx, userReq("/x")).Allowed())
}

func TestGate_Admit_EndpointOverrideForService(t *testing.T) {
	c := newClock()
	g := newTestGate(newFakeWindowStore(), c)
	g.Policies.Endpoints["/checkout"] = domain.Policy{Limit: 5, Window: 10 * time.Second}
	ctx := context.Background()
	req := domain.Request{Path: "/checkout", Identity: domain.ServiceIdentity("svc-key")}

	for i := 0; i < 5; i++ {
		require.True(t, g.Admit(ctx, req).Allowed(), "request %d", i+1)
	}
	dec := g.Admit(ctx, req)
	assert.Equal(t, domain.OutcomeRejected, dec.Outcome)
	assert.Equal(t, 10*time.Second, dec.RetryAfter())

	c.advance(10 * time.Second)
	assert.True(t, g.Admit(ctx, req).Allowed())
}

func TestGate_Admit_KeysAreIsolatedByIdentityAndPath(t *testing.T) {
	c := newClock()
	g := newTestGate(newFakeWindowStore(), c)
	g.Policies.Endpoints["/a"] = domain.Policy{Limit: 1, Window: time.Minute}
	g.Policies.Endpoints["/b"] = domain.Policy{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	assert.True(t, g.Admit(ctx, anonReq("1.1.1.1", "/a")).Allowed())
	assert.True(t, g.Admit(ctx, anonReq("1.1.1.1", "/b")).Allowed())
	assert.True(t, g.Admit(ctx, anonReq("2.2.2.2", "/a")).Allowed())
	assert.False(t, g.Admit(ctx, anonReq("1.1.1.1", "/a")).Allowed())
}

func TestGate_Admit_ExemptPathsNeverTouchStore(t *testing.T) {
	store := newFakeWindowStore()
	stats := &recordingStats{}
	g := newTestGate(store, newClock())
	g.Stats = stats

	ids := []domain.ClientIdentity{
		domain.ServiceIdentity("s"), domain.AdminIdentity("a"),
		domain.UserIdentity("u"), domain.AnonymousIdentity("9.9.9.9"),
	}
	for _, id := range ids {
		for _, p := range domain.DefaultExemptPaths() {
			for i := 0; i < 50; i++ {
				dec := g.Admit(context.Background(), domain.Request{Path: p, Identity: id})
				require.Equal(t, domain.OutcomeExempt, dec.Outcome)
				require.False(t, dec.HasRemaining())
			}
		}
	}

	assert.Equal(t, 0, store.calls)
	assert.Empty(t, stats.events)
}

func TestGate_Admit_FailsOpenAndRecordsOncePerFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	store := &failingStore{err: errors.New("dial tcp: i/o timeout")}
	stats := &recordingStats{}

	g := newTestGate(store, newClock())
	g.Logger = zap.New(core)
	g.Stats = stats

	const n = 25
	for i := 0; i < n; i++ {
		dec := g.Admit(context.Background(), anonReq("10.1.1.1", "/orders"))
		require.Equal(t, domain.OutcomeStoreError, dec.Outcome)
		require.True(t, dec.Allowed())
		require.ErrorIs(t, dec.Err, domain.ErrStoreUnavailable)
		require.False(t, dec.HasRemaining())
	}

	assert.Equal(t, n, store.calls)
	assert.Equal(t, n, stats.count(domain.OutcomeStoreError))
	assert.Equal(t, n, logs.FilterMessage("rate limit store unavailable, failing open").Len())
	assert.Equal(t, 0, logs.FilterMessage("request rejected by rate limit").Len())
}

func TestGate_Admit_AnonymousTimeoutOnTwentyFirst(t *testing.T) {
	c := newClock()
	inner := newFakeWindowStore()
	store := &flakyStore{next: inner, failOn: 21}
	stats := &recordingStats{}
	g := newTestGate(store, c)
	g.Stats = stats

	for i := 0; i < 20; i++ {
		require.Equal(t, domain.OutcomeAdmitted, g.Admit(context.Background(), anonReq("A", "/orders")).Outcome)
	}
	dec := g.Admit(context.Background(), anonReq("A", "/orders"))
	assert.Equal(t, domain.OutcomeStoreError, dec.Outcome)
	assert.True(t, dec.Allowed())
	assert.ErrorIs(t, dec.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, stats.count(domain.OutcomeStoreError))
}

func TestGate_Admit_NilStoreFailsOpen(t *testing.T) {
	g := Gate{Policies: domain.DefaultPolicyTable()}
	dec := g.Admit(context.Background(), userReq("/orders"))
	assert.Equal(t, domain.OutcomeStoreError, dec.Outcome)
	assert.True(t, dec.Allowed())
}

func TestGate_Admit_StoreTimeoutIsStoreError(t *testing.T) {
	g := newTestGate(blockingStore{}, newClock())
	g.Guard = StoreGuard{Timeout: 10 * time.Millisecond}

	dec := g.Admit(context.Background(), userReq("/orders"))
	assert.Equal(t, domain.OutcomeStoreError, dec.Outcome)
	assert.ErrorIs(t, dec.Err, context.DeadlineExceeded)
}

func TestGate_Admit_ConcurrentSameClientNeverOverAdmits(t *testing.T) {
	c := newClock()
	g := newTestGate(newFakeWindowStore(), c)
	g.Policies.Endpoints["/hot"] = domain.Policy{Limit: 10, Window: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit(context.Background(), userReq("/hot")).Allowed() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

type flakyStore struct {
	next   domain.WindowStore
	calls  int
	failOn int
}

func (s *flakyStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	s.calls++
	if s.calls == s.failOn {
		return 0, context.DeadlineExceeded
	}
	return s.next.Hit(ctx, key, now, window)
}

type blockingStore struct{}

func (blockingStore) Hit(ctx context.Context, _ string, _ time.Time, _ time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

// stuckStats ignora o ctx e só retorna quando release fecha, como um
// pipeline preso no dial de um Redis fora do ar.
type stuckStats struct{ release chan struct{} }

func (s stuckStats) Record(context.Context, domain.StatsEvent) error {
	<-s.release
	return nil
}

func TestGate_Admit_SlowStatsDoNotDelayFailOpen(t *testing.T) {
	stats := stuckStats{release: make(chan struct{})}
	t.Cleanup(func() { close(stats.release) })

	core, logs := observer.New(zapcore.DebugLevel)
	g := newTestGate(&failingStore{err: errors.New("i/o timeout")}, newClock())
	g.Guard = StoreGuard{Timeout: 10 * time.Millisecond}
	g.Stats = stats
	g.Logger = zap.New(core)

	start := time.Now()
	dec := g.Admit(context.Background(), userReq("/orders"))
	elapsed := time.Since(start)

	assert.Equal(t, domain.OutcomeStoreError, dec.Outcome)
	assert.True(t, dec.Allowed())
	assert.Less(t, elapsed, 500*time.Millisecond, "admit blocked on stats for %s", elapsed)
	assert.Equal(t, 1, logs.FilterMessage("rate limit stats not recorded").Len())
}

func TestGate_Admit_SlowStatsBoundedByStatsTimeout(t *testing.T) {
	stats := stuckStats{release: make(chan struct{})}
	t.Cleanup(func() { close(stats.release) })

	g := newTestGate(newFakeWindowStore(), newClock())
	g.Stats = stats
	g.StatsTimeout = 20 * time.Millisecond

	start := time.Now()
	dec := g.Admit(context.Background(), userReq("/orders"))

	assert.Equal(t, domain.OutcomeAdmitted, dec.Outcome)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
