// Package ratelimit fornece o adapter HTTP (net/http) do gate de admissão.
//
// Visão geral (camadas):
//
//   - domain: identidade, políticas, decisão e contratos (sem dependência de net/http)
//   - application: o Gate (resolve política, consulta o store, fail-open) e o StoreGuard
//   - infra: stores de janela deslizante (Redis, memória), circuit breaker, stats
//   - ratelimit (este pacote): middleware HTTP, extração de identidade e tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Deriva a identidade do cliente (header de serviço, principal, IP)
//  2. Chama o Gate para obter a decisão
//  3. Escreve X-RateLimit-Limit / X-RateLimit-Window (e Remaining quando admitido)
//  4. Se bloqueado, responde 429 com Retry-After e corpo JSON
//  5. Se permitido (inclusive com o store fora do ar), chama o próximo handler
//
// As variáveis de ambiente do binário gateway (cmd/gateway) estão no pacote config.
package ratelimit
