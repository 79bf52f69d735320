package infra

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"admission-gateway/middleware/ratelimit/domain"
)

var _ domain.WindowStore = (*RedisWindowStore)(nil)

// RedisWindowStore implementa a janela deslizante com sorted sets do Redis.
//
// Cada request vira um membro com score = timestamp em ms. As quatro operações
// (ZADD, ZREMRANGEBYSCORE, ZCARD, EXPIRE) vão num único MULTI/EXEC, então
// requests concorrentes da mesma chave nunca leem uma contagem intermediária.
type RedisWindowStore struct {
	rdb redis.UniversalClient
}

func NewRedisWindowStore(rdb redis.UniversalClient) *RedisWindowStore {
	return &RedisWindowStore{rdb: rdb}
}

func (s *RedisWindowStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if s == nil || s.rdb == nil {
		return 0, fmt.Errorf("redis window store: no client")
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("redis window store: %w", err)
	}

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member(nowMs)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	// PExpire: janelas como 1250ms não podem ser truncadas para segundos.
	pipe.PExpire(ctx, key, 2*window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis window store: %w", err)
	}
	return card.Val(), nil
}

// member precisa ser único: dois requests no mesmo ms não podem virar um só.
func member(nowMs int64) string {
	return strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
}
