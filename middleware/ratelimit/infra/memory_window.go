package infra

import (
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

var _ domain.WindowStore = (*MemoryWindowStore)(nil)

// MemoryWindowStore é a janela deslizante em memória, com a mesma semântica
// do RedisWindowStore (inclusive a expiração em 2*window).
//
// Só é consistente dentro de um processo: serve para testes, desenvolvimento
// e para o example-server. Em produção com várias réplicas use o Redis.
type MemoryWindowStore struct {
	mu           sync.Mutex
	entries      map[string]*windowEntry
	cleanupEvery time.Duration
}

type windowEntry struct {
	stamps    []time.Time
	expiresAt time.Time
}

type MemoryWindowOption func(*MemoryWindowStore)

func WithCleanupEvery(d time.Duration) MemoryWindowOption {
	return func(s *MemoryWindowStore) { s.cleanupEvery = d }
}

func NewMemoryWindowStore(opts ...MemoryWindowOption) *MemoryWindowStore {
	s := &MemoryWindowStore{
		entries:      make(map[string]*windowEntry),
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hit implementa domain.WindowStore.
func (s *MemoryWindowStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.expiresAt) {
		ent = &windowEntry{}
		s.entries[key] = ent
	}

	cutoff := now.Add(-window)
	ent.stamps = append(ent.stamps, now)
	kept := ent.stamps[:0]
	for _, ts := range ent.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	ent.stamps = kept
	ent.expiresAt = now.Add(2 * window)

	return int64(len(kept)), nil
}

// Len retorna o número de chaves vivas (inclui expiradas ainda não limpas).
func (s *MemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup remove chaves cuja expiração já passou em `now`.
func (s *MemoryWindowStore) Cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if !now.Before(ent.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor inicia uma goroutine que limpa chaves expiradas periodicamente.
// Pare cancelando o contexto.
func (s *MemoryWindowStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.Cleanup(now)
			}
		}
	}()
}
