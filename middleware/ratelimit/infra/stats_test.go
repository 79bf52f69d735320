package infra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-gateway/middleware/ratelimit/domain"
)

func statsEvent(o domain.Outcome) domain.StatsEvent {
	return domain.StatsEvent{
		Key:     "ratelimit:user:u1:/orders",
		Tier:    domain.RoleUser,
		Outcome: o,
		Method:  "GET",
		Path:    "/orders",
		At:      time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC),
	}
}

func TestMemoryStatsStore_Record(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true))
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeAdmitted)))
	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeAdmitted)))
	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeRejected)))
	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeStoreError)))

	assert.Equal(t, Counters{Admitted: 2, Rejected: 1, StoreErrors: 1}, s.Total())
	assert.Equal(t, Counters{Admitted: 2, Rejected: 1, StoreErrors: 1}, s.ByRoute()["GET /orders"])
	assert.Equal(t, Counters{Admitted: 2, Rejected: 1, StoreErrors: 1}, s.ByTier()["user"])
	assert.Equal(t, int64(2), s.ByKey()["ratelimit:user:u1:/orders"].Admitted)
}

func TestMemoryStatsStore_KeysNotTrackedByDefault(t *testing.T) {
	s := NewMemoryStatsStore()
	require.NoError(t, s.Record(context.Background(), statsEvent(domain.OutcomeAdmitted)))
	assert.Empty(t, s.ByKey())
}

func TestRedisStatsStore_Record(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisStatsStore(rdb, WithStatsPrefix("stats:"), WithStatsTrackKeys(true), WithStatsTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeAdmitted)))
	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeRejected)))
	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeRejected)))

	assert.Equal(t, "1", mr.HGet("stats:total", "admitted"))
	assert.Equal(t, "2", mr.HGet("stats:total", "rejected"))
	assert.Equal(t, "2", mr.HGet("stats:tier", "user:rejected"))
	assert.Equal(t, "1", mr.HGet("stats:route", "GET /orders:admitted"))
	assert.Equal(t, "2", mr.HGet("stats:minute:202405011230", "rejected"))
	assert.Equal(t, time.Hour, mr.TTL("stats:minute:202405011230"))
	assert.Equal(t, "2", mr.HGet("stats:key:ratelimit:user:u1:/orders", "rejected"))
	assert.Equal(t, time.Duration(0), mr.TTL("stats:total"))
}

func TestRedisStatsStore_NoBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisStatsStore(rdb, WithStatsBucket("none"))
	require.NoError(t, s.Record(context.Background(), statsEvent(domain.OutcomeAdmitted)))

	assert.False(t, mr.Exists("ratelimit:stats:minute:202405011230"))
	assert.Equal(t, "1", mr.HGet("ratelimit:stats:total", "admitted"))
}

func TestRedisStatsStore_ErrorWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	s := NewRedisStatsStore(rdb)
	assert.Error(t, s.Record(context.Background(), statsEvent(domain.OutcomeAdmitted)))
}

func TestPromStats_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPromStats(reg)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeAdmitted)))
	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeAdmitted)))
	require.NoError(t, s.Record(ctx, statsEvent(domain.OutcomeStoreError)))

	assert.Equal(t, 2.0, testutil.ToFloat64(s.decisions.WithLabelValues("admitted", "user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.decisions.WithLabelValues("store_error", "user")))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.decisions.WithLabelValues("rejected", "user")))
}

func TestPromStats_InstrumentStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPromStats(reg)

	ok := s.InstrumentStore(NewMemoryWindowStore())
	_, err := ok.Hit(context.Background(), "k", time.Now(), time.Minute)
	require.NoError(t, err)

	failing := s.InstrumentStore(&scriptedStore{err: errors.New("down")})
	_, err = failing.Hit(context.Background(), "k", time.Now(), time.Minute)
	require.Error(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(s.storeLatency))
}

type errStats struct{ calls int }

func (e *errStats) Record(context.Context, domain.StatsEvent) error {
	e.calls++
	return errors.New("boom")
}

func TestMultiStats_FansOutDespiteErrors(t *testing.T) {
	bad := &errStats{}
	mem := NewMemoryStatsStore()
	m := MultiStats{bad, nil, mem}

	err := m.Record(context.Background(), statsEvent(domain.OutcomeRejected))
	assert.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, int64(1), mem.Total().Rejected)
}
