package infra

import (
	"context"

	"admission-gateway/middleware/ratelimit/domain"
)

// chanPool é o bulkhead do store de contadores: cada vaga do canal é uma
// chamada em voo ao Redis. Com o Redis lento, os requests param aqui (até o
// timeout do StoreGuard) em vez de empilhar conexões, e quem não consegue
// vaga vira ErrStoreSaturated, ou seja, fail-open.
type chanPool struct {
	sem chan struct{}
}

// NewChanPool cria o bulkhead com no máximo `max` chamadas simultâneas
// (STORE_MAX_INFLIGHT). Com max <= 0 retorna nil, que o StoreGuard trata
// como "sem limite".
func NewChanPool(max int) domain.SlotPool {
	if max <= 0 {
		return nil
	}
	return &chanPool{sem: make(chan struct{}, max)}
}

func (p *chanPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, true
	case <-ctx.Done():
		return nil, false
	}
}
