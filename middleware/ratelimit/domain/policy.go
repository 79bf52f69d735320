package domain

import (
	"fmt"
	"path"
	"strconv"
	"time"
)

// Policy é o par (limite, janela). Configuração estática, nunca alterada em runtime.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) Valid() bool {
	return p.Limit > 0 && p.Window >= time.Second
}

// WindowSeconds arredonda para cima; é o valor usado em Retry-After.
func (p Policy) WindowSeconds() int {
	s := int(p.Window / time.Second)
	if p.Window%time.Second != 0 {
		s++
	}
	return s
}

func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0, got %d", ErrInvalidPolicy, p.Limit)
	}
	if p.Window < time.Second {
		return fmt.Errorf("%w: window must be >= 1s, got %s", ErrInvalidPolicy, p.Window)
	}
	return nil
}

// PolicyTable resolve a política aplicável: override por path > default do tier.
type PolicyTable struct {
	Tiers     map[Role]Policy
	Endpoints map[string]Policy
}

var anonymousFallback = Policy{Limit: 20, Window: 60 * time.Second}

// DefaultPolicyTable traz os defaults históricos do gateway.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		Tiers: map[Role]Policy{
			RoleService:   {Limit: 1000, Window: 60 * time.Second},
			RoleAdmin:     {Limit: 300, Window: 60 * time.Second},
			RoleUser:      {Limit: 100, Window: 60 * time.Second},
			RoleAnonymous: anonymousFallback,
		},
		Endpoints: map[string]Policy{},
	}
}

// Resolve é pura: depende só da variante da identidade e do path normalizado.
// Tier sem política válida cai no tier anonymous; se nem ele for válido
// (tabela nunca passou por Validate), usa o default anonymous (20/60s).
func (t PolicyTable) Resolve(id ClientIdentity, p string) Policy {
	if pol, ok := t.Endpoints[NormalizePath(p)]; ok {
		return pol
	}
	if pol, ok := t.Tiers[id.Role()]; ok && pol.Valid() {
		return pol
	}
	if pol, ok := t.Tiers[RoleAnonymous]; ok && pol.Valid() {
		return pol
	}
	return anonymousFallback
}

// Validate é chamado no startup; tabela malformada aborta o processo.
func (t PolicyTable) Validate() error {
	anon, ok := t.Tiers[RoleAnonymous]
	if !ok {
		return fmt.Errorf("%w: anonymous tier is required", ErrInvalidPolicy)
	}
	if err := anon.Validate(); err != nil {
		return fmt.Errorf("anonymous tier: %w", err)
	}
	for role, pol := range t.Tiers {
		if err := pol.Validate(); err != nil {
			return fmt.Errorf("%s tier: %w", role, err)
		}
	}
	for p, pol := range t.Endpoints {
		if p == "" || p[0] != '/' {
			return fmt.Errorf("%w: endpoint path must start with '/': %q", ErrInvalidPolicy, p)
		}
		if err := pol.Validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w", p, err)
		}
	}
	return nil
}

// ExemptSet são paths de infraestrutura que nunca passam pelo limiter.
type ExemptSet map[string]struct{}

func NewExemptSet(paths ...string) ExemptSet {
	s := make(ExemptSet, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		s[NormalizePath(p)] = struct{}{}
	}
	return s
}

// DefaultExemptPaths: health, métricas e documentação da API.
func DefaultExemptPaths() []string {
	return []string{"/health", "/metrics", "/docs", "/redoc", "/openapi.json"}
}

func (s ExemptSet) Contains(p string) bool {
	_, ok := s[NormalizePath(p)]
	return ok
}

// NormalizePath evita que "/orders/" e "/orders" tenham cotas separadas.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// CounterKey monta "<prefix>:<tier>:<id>:<path>".
func CounterKey(prefix string, id ClientIdentity, p string) string {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return prefix + ":" + id.String() + ":" + NormalizePath(p)
}

// FormatPolicy é usado em logs e na configuração ("5:10" = 5 requests / 10s).
func FormatPolicy(p Policy) string {
	return strconv.Itoa(p.Limit) + ":" + strconv.Itoa(p.WindowSeconds())
}
