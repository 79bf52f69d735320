package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable marca qualquer falha do store de contadores
	// (rede, timeout, protocolo, circuito aberto). O gate responde com fail-open.
	ErrStoreUnavailable = errors.New("ratelimit: counter store unavailable")

	// ErrStoreSaturated indica que não houve vaga para falar com o store dentro do timeout.
	ErrStoreSaturated = errors.New("ratelimit: counter store saturated")

	// ErrInvalidPolicy é erro de configuração; só acontece no startup.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")
)

// WindowStore é o store compartilhado de janelas deslizantes.
//
// Hit deve executar, de forma atômica e nesta ordem: registrar `now` na chave,
// descartar registros com timestamp <= now-window, contar o que sobrou e
// renovar a expiração da chave para 2*window. Retorna a contagem resultante.
type WindowStore interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
}

// Request é o que o gate precisa saber de um request HTTP.
type Request struct {
	Path     string
	Method   string
	Identity ClientIdentity
}

type Outcome int

const (
	OutcomeAdmitted Outcome = iota
	OutcomeRejected
	OutcomeStoreError
	OutcomeExempt
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeStoreError:
		return "store_error"
	case OutcomeExempt:
		return "exempt"
	default:
		return "unknown"
	}
}

type Decision struct {
	Outcome Outcome
	Policy  Policy
	// Count é a contagem da janela após registrar este request (0 se não consultado).
	Count int64
	// Remaining só tem significado quando HasRemaining() é true.
	Remaining int
	// Err só é preenchido em OutcomeStoreError.
	Err error
}

// Allowed: só OutcomeRejected bloqueia. StoreError é fail-open.
func (d Decision) Allowed() bool { return d.Outcome != OutcomeRejected }

// HasRemaining: paths isentos e falhas do store não têm contagem confiável.
func (d Decision) HasRemaining() bool {
	return d.Outcome == OutcomeAdmitted || d.Outcome == OutcomeRejected
}

// RetryAfter é o tamanho da janela quando bloqueado; 0 caso contrário.
func (d Decision) RetryAfter() time.Duration {
	if d.Outcome != OutcomeRejected {
		return 0
	}
	return d.Policy.Window
}
