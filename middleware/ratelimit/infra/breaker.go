package infra

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/domain"
)

var _ domain.WindowStore = (*BreakerStore)(nil)

// BreakerStore protege o WindowStore com um circuit breaker.
//
// Com o circuito aberto, Hit retorna gobreaker.ErrOpenState sem tocar no store;
// o gate trata isso como qualquer outra falha (fail-open), só que sem pagar o timeout.
type BreakerStore struct {
	next domain.WindowStore
	cb   *gobreaker.CircuitBreaker
}

type BreakerOptions struct {
	Name string
	// MaxFailures falhas consecutivas abrem o circuito.
	MaxFailures uint32
	// OpenTimeout é quanto tempo o circuito fica aberto antes do half-open.
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

func NewBreakerStore(next domain.WindowStore, opts BreakerOptions) *BreakerStore {
	if opts.Name == "" {
		opts.Name = "ratelimit-store"
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("rate limit store circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// request abortado pelo cliente não diz nada sobre a saúde do store.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Hit(ctx, key, now, window)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *BreakerStore) State() gobreaker.State { return b.cb.State() }
