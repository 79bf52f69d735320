package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/domain"
)

// Gate é o gate de admissão: decide allow/deny para um request.
//
// Só guarda configuração imutável e o handle do store; todo estado
// compartilhado vive no WindowStore. Seguro para uso concorrente sem locks.
type Gate struct {
	Store        domain.WindowStore
	Policies     domain.PolicyTable
	Exempt       domain.ExemptSet
	KeyPrefix    string
	Guard        StoreGuard
	Stats        domain.StatsStore
	// StatsTimeout limita a gravação de stats; <= 0 usa Guard.Timeout
	// (ou defaultStatsTimeout se o guard também não tiver timeout).
	StatsTimeout time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Admit avalia um request contra sua cota.
//
// Falha do store nunca bloqueia: vira OutcomeStoreError (fail-open),
// é logada como erro e registrada uma única vez no Stats.
func (g Gate) Admit(ctx context.Context, req domain.Request) domain.Decision {
	if g.Logger == nil {
		g.Logger = zap.NewNop()
	}
	if g.Now == nil {
		g.Now = time.Now
	}

	path := domain.NormalizePath(req.Path)
	pol := g.Policies.Resolve(req.Identity, path)

	if g.Exempt.Contains(path) {
		return domain.Decision{Outcome: domain.OutcomeExempt, Policy: pol}
	}

	now := g.Now()
	key := domain.CounterKey(g.KeyPrefix, req.Identity, path)

	count, err := g.hit(ctx, key, now, pol.Window)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		g.Logger.Error("rate limit store unavailable, failing open",
			zap.String("key", key),
			zap.String("tier", req.Identity.Role().String()),
			zap.String("path", path),
			zap.Error(err),
		)
		dec := domain.Decision{Outcome: domain.OutcomeStoreError, Policy: pol, Err: err}
		g.record(ctx, key, req, path, dec, now)
		return dec
	}

	// o próprio request conta: o request que atinge o limite ainda passa.
	dec := domain.Decision{
		Outcome:   domain.OutcomeAdmitted,
		Policy:    pol,
		Count:     count,
		Remaining: remaining(pol.Limit, count),
	}
	if count > int64(pol.Limit) {
		dec.Outcome = domain.OutcomeRejected
		g.Logger.Info("request rejected by rate limit",
			zap.String("tier", req.Identity.Role().String()),
			zap.String("path", path),
			zap.Int("limit", pol.Limit),
			zap.Duration("window", pol.Window),
			zap.Int64("count", count),
		)
	}

	g.record(ctx, key, req, path, dec, now)
	return dec
}

func (g Gate) hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if g.Store == nil {
		return 0, fmt.Errorf("no counter store configured")
	}

	var count int64
	err := g.Guard.Do(ctx, func(ctx context.Context) error {
		c, err := g.Store.Hit(ctx, key, now, window)
		count = c
		return err
	})
	return count, err
}

const defaultStatsTimeout = 100 * time.Millisecond

// record é best-effort e nunca segura o request além do statsTimeout, mesmo
// que o sink ignore o ctx (ex.: stats no mesmo Redis que acabou de falhar).
func (g Gate) record(ctx context.Context, key string, req domain.Request, path string, dec domain.Decision, at time.Time) {
	if g.Stats == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, g.statsTimeout())
	defer cancel()

	ev := domain.StatsEvent{
		Key:     key,
		Tier:    req.Identity.Role(),
		Outcome: dec.Outcome,
		Method:  req.Method,
		Path:    path,
		At:      at,
	}
	done := make(chan error, 1)
	go func() { done <- g.Stats.Record(ctx, ev) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		g.Logger.Debug("rate limit stats not recorded", zap.String("key", key), zap.Error(err))
	}
}

func (g Gate) statsTimeout() time.Duration {
	if g.StatsTimeout > 0 {
		return g.StatsTimeout
	}
	if g.Guard.Timeout > 0 {
		return g.Guard.Timeout
	}
	return defaultStatsTimeout
}

func remaining(limit int, count int64) int {
	r := int64(limit) - count
	if r < 0 {
		return 0
	}
	return int(r)
}
