// Package config centraliza o carregamento de configuração dos binários.
//
// Ordem: .env (se existir) -> variáveis de ambiente -> POLICY_FILE (YAML),
// com o arquivo sobrescrevendo o ambiente. Valor malformado é erro de startup.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"admission-gateway/middleware/ratelimit/domain"
)

type Config struct {
	ListenAddr  string
	UpstreamURL string

	Redis RedisConfig
	Store StoreConfig

	Policies    domain.PolicyTable
	ExemptPaths []string

	ServiceKeyHeader string
	TrustXFF         bool

	Stats StatsConfig
	Log   LogConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	KeyPrefix   string
	Timeout     time.Duration
	MaxInflight int

	BreakerEnabled     bool
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

type StatsConfig struct {
	Enabled   bool
	Prefix    string
	TTL       time.Duration
	Bucket    string
	TrackKeys bool
}

type LogConfig struct {
	Level  string
	Format string
}

// Load lê a configuração do processo. Arquivo .env ausente não é erro.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv monta a Config a partir de um lookup (os.Getenv em produção).
func FromEnv(getenv func(string) string) (Config, error) {
	e := env{get: getenv}

	cfg := Config{
		ListenAddr:  e.stringOr("LISTEN_ADDR", ":8080"),
		UpstreamURL: e.stringOr("UPSTREAM_URL", ""),
		Redis: RedisConfig{
			Addr:     e.stringOr("REDIS_ADDR", "localhost:6379"),
			Password: e.get("REDIS_PASSWORD"),
			DB:       e.intOr("REDIS_DB", 0),
		},
		Store: StoreConfig{
			KeyPrefix:          e.stringOr("RATE_KEY_PREFIX", "ratelimit"),
			Timeout:            e.durationOr("STORE_TIMEOUT", 250*time.Millisecond),
			MaxInflight:        e.intOr("STORE_MAX_INFLIGHT", 0),
			BreakerEnabled:     e.boolOr("BREAKER_ENABLED", true),
			BreakerOpenTimeout: e.durationOr("BREAKER_OPEN_TIMEOUT", 10*time.Second),
		},
		ServiceKeyHeader: e.stringOr("SERVICE_KEY_HEADER", "X-API-Key"),
		TrustXFF:         e.boolOr("TRUST_XFF", false),
		Stats: StatsConfig{
			Enabled:   e.boolOr("RATE_STATS_ENABLED", false),
			Prefix:    e.stringOr("RATE_STATS_PREFIX", "ratelimit:stats"),
			TTL:       e.durationOr("RATE_STATS_TTL", 24*time.Hour),
			Bucket:    strings.ToLower(e.stringOr("RATE_STATS_BUCKET", "minute")),
			TrackKeys: e.boolOr("RATE_STATS_TRACK_KEYS", false),
		},
		Log: LogConfig{
			Level:  e.stringOr("LOG_LEVEL", "info"),
			Format: e.stringOr("LOG_FORMAT", "json"),
		},
	}

	if n := e.intOr("BREAKER_MAX_FAILURES", 5); n < 0 {
		e.fail(fmt.Errorf("%w: BREAKER_MAX_FAILURES must be >= 0", domain.ErrInvalidPolicy))
	} else {
		cfg.Store.BreakerMaxFailures = uint32(n)
	}

	cfg.Policies = domain.PolicyTable{
		Tiers: map[domain.Role]domain.Policy{
			domain.RoleUser:      e.policy("DEFAULT", 100, 60),
			domain.RoleAdmin:     e.policy("ADMIN", 300, 60),
			domain.RoleService:   e.policy("SERVICE", 1000, 60),
			domain.RoleAnonymous: e.policy("ANONYMOUS", 20, 60),
		},
		Endpoints: map[string]domain.Policy{},
	}

	if raw := strings.TrimSpace(e.get("ENDPOINT_LIMITS")); raw != "" {
		endpoints, err := ParseEndpointLimits(raw)
		if err != nil {
			e.fail(err)
		} else {
			cfg.Policies.Endpoints = endpoints
		}
	}

	cfg.ExemptPaths = domain.DefaultExemptPaths()
	if raw, ok := e.lookup("EXEMPT_PATHS"); ok {
		cfg.ExemptPaths = splitList(raw)
	}

	if e.err != nil {
		return Config{}, e.err
	}

	if file := strings.TrimSpace(e.get("POLICY_FILE")); file != "" {
		pf, err := LoadPolicyFile(file)
		if err != nil {
			return Config{}, err
		}
		if err := pf.Apply(&cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checa o que não depende do binário. UPSTREAM_URL é checado à parte
// (RequireUpstream) porque só o gateway precisa dele.
func (c Config) Validate() error {
	if err := c.Policies.Validate(); err != nil {
		return err
	}
	if c.Store.Timeout < 0 {
		return fmt.Errorf("%w: STORE_TIMEOUT must be >= 0", domain.ErrInvalidPolicy)
	}
	if c.Store.MaxInflight < 0 {
		return fmt.Errorf("%w: STORE_MAX_INFLIGHT must be >= 0", domain.ErrInvalidPolicy)
	}
	if c.Store.BreakerEnabled && c.Store.BreakerMaxFailures == 0 {
		return fmt.Errorf("%w: BREAKER_MAX_FAILURES must be > 0", domain.ErrInvalidPolicy)
	}
	switch c.Stats.Bucket {
	case "minute", "none":
	default:
		return fmt.Errorf("%w: RATE_STATS_BUCKET must be minute or none, got %q", domain.ErrInvalidPolicy, c.Stats.Bucket)
	}
	return nil
}

func (c Config) RequireUpstream() (*url.URL, error) {
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return nil, fmt.Errorf("UPSTREAM_URL is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid UPSTREAM_URL %q: scheme and host required", c.UpstreamURL)
	}
	return u, nil
}

// ParseEndpointLimits lê "/checkout=5:10,/login=10:60" (limite:janela em segundos).
func ParseEndpointLimits(raw string) (map[string]domain.Policy, error) {
	out := make(map[string]domain.Policy)
	for _, item := range splitList(raw) {
		p, rule, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("%w: endpoint limit must follow PATH=LIMIT:WINDOW_SECONDS: %q", domain.ErrInvalidPolicy, item)
		}
		limitStr, windowStr, ok := strings.Cut(rule, ":")
		if !ok {
			return nil, fmt.Errorf("%w: endpoint limit must follow PATH=LIMIT:WINDOW_SECONDS: %q", domain.ErrInvalidPolicy, item)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid limit for %s: %v", domain.ErrInvalidPolicy, p, err)
		}
		window, err := parseWindow(windowStr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid window for %s: %v", domain.ErrInvalidPolicy, p, err)
		}
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%w: endpoint path must start with '/': %q", domain.ErrInvalidPolicy, p)
		}
		out[domain.NormalizePath(p)] = domain.Policy{Limit: limit, Window: window}
	}
	return out, nil
}

// parseWindow aceita segundos ("60") ou duração Go ("1m", "500ms").
func parseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// PolicyFile é o formato do POLICY_FILE:
//
//	tiers:
//	  user: {limit: 100, window: 60s}
//	endpoints:
//	  /checkout: {limit: 5, window: 10s}
//	exempt: [/health, /metrics]
type PolicyFile struct {
	Tiers     map[string]PolicyEntry `yaml:"tiers"`
	Endpoints map[string]PolicyEntry `yaml:"endpoints"`
	Exempt    []string               `yaml:"exempt"`
}

type PolicyEntry struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

func (p PolicyEntry) policy() (domain.Policy, error) {
	w, err := parseWindow(p.Window)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("invalid window %q: %w", p.Window, err)
	}
	return domain.Policy{Limit: p.Limit, Window: w}, nil
}

func LoadPolicyFile(path string) (PolicyFile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return PolicyFile{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return PolicyFile{}, fmt.Errorf("%w: failed to parse policy file: %v", domain.ErrInvalidPolicy, err)
	}
	return pf, nil
}

// Apply sobrescreve cfg com o que o arquivo define; o resto fica como veio do ambiente.
func (pf PolicyFile) Apply(cfg *Config) error {
	for name, entry := range pf.Tiers {
		role, ok := domain.ParseRole(name)
		if !ok {
			return fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidPolicy, name)
		}
		pol, err := entry.policy()
		if err != nil {
			return fmt.Errorf("%w: tier %s: %v", domain.ErrInvalidPolicy, name, err)
		}
		cfg.Policies.Tiers[role] = pol
	}
	for p, entry := range pf.Endpoints {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: endpoint path must start with '/': %q", domain.ErrInvalidPolicy, p)
		}
		pol, err := entry.policy()
		if err != nil {
			return fmt.Errorf("%w: endpoint %s: %v", domain.ErrInvalidPolicy, p, err)
		}
		cfg.Policies.Endpoints[domain.NormalizePath(p)] = pol
	}
	if pf.Exempt != nil {
		cfg.ExemptPaths = pf.Exempt
	}
	return nil
}

// env guarda só o primeiro erro de parse; os demais campos seguem com default
// e Load devolve esse erro no fim.
type env struct {
	get func(string) string
	err error
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *env) lookup(k string) (string, bool) {
	v := strings.TrimSpace(e.get(k))
	return v, v != ""
}

func (e *env) stringOr(k, def string) string {
	if v, ok := e.lookup(k); ok {
		return v
	}
	return def
}

func (e *env) intOr(k string, def int) int {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("%w: invalid %s: %v", domain.ErrInvalidPolicy, k, err))
		return def
	}
	return i
}

func (e *env) boolOr(k string, def bool) bool {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(fmt.Errorf("%w: invalid %s: %v", domain.ErrInvalidPolicy, k, err))
		return def
	}
	return b
}

func (e *env) durationOr(k string, def time.Duration) time.Duration {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("%w: invalid %s: %v", domain.ErrInvalidPolicy, k, err))
		return def
	}
	return d
}

// policy lê <TIER>_LIMIT e <TIER>_WINDOW (segundos).
func (e *env) policy(tier string, defLimit, defWindowSecs int) domain.Policy {
	limit := e.intOr(tier+"_LIMIT", defLimit)
	window := time.Duration(defWindowSecs) * time.Second
	if v, ok := e.lookup(tier + "_WINDOW"); ok {
		w, err := parseWindow(v)
		if err != nil {
			e.fail(fmt.Errorf("%w: invalid %s_WINDOW: %v", domain.ErrInvalidPolicy, tier, err))
		} else {
			window = w
		}
	}
	return domain.Policy{Limit: limit, Window: window}
}
