package application

import (
	"context"
	"fmt"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// StoreGuard envolve toda chamada ao store de contadores com timeout e,
// opcionalmente, um bulkhead de vagas. Não sabe nada sobre HTTP.
type StoreGuard struct {
	Pool    domain.SlotPool
	Timeout time.Duration
}

// Do executa fn com o contexto limitado pelo timeout.
// - Se `Timeout <= 0`, usa apenas o ctx recebido.
// - Se não houver vaga no Pool antes do timeout, retorna domain.ErrStoreSaturated
// e fn não é chamado.
func (g StoreGuard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	if g.Pool != nil {
		release, ok := g.Pool.Acquire(ctx)
		if !ok {
			return fmt.Errorf("%w: %v", domain.ErrStoreSaturated, ctx.Err())
		}
		defer release()
	}

	return fn(ctx)
}
