// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisWindowStore: janela deslizante em sorted set (MULTI/EXEC)
//   - MemoryWindowStore: mesma semântica em memória, para dev e testes
//   - BreakerStore: circuit breaker (sony/gobreaker) na frente do store
//   - ChanPool: semáforo simples para limitar chamadas simultâneas ao store
//   - stats: memória, Redis (hashes) e Prometheus
package infra
