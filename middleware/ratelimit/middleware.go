package ratelimit

import (
	"encoding/json"
	"net/http"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderWindow     = "X-RateLimit-Window"
	HeaderRetryAfter = "Retry-After"

	DefaultServiceKeyHeader = "X-API-Key"
)

type Options struct {
	Gate application.Gate

	IdentityFn         IdentityFunc
	ServiceKeyHeader   string
	TrustXForwardedFor bool
	PrincipalFn        PrincipalFunc

	RejectStatus int
}

// rejectBody é o corpo JSON do 429.
type rejectBody struct {
	Error         string `json:"error"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
	RetryAfter    int    `json:"retry_after"`
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.ServiceKeyHeader == "" {
		opts.ServiceKeyHeader = DefaultServiceKeyHeader
	}
	if opts.IdentityFn == nil {
		opts.IdentityFn = DefaultIdentityFunc(opts.ServiceKeyHeader, opts.TrustXForwardedFor, opts.PrincipalFn)
	}

	gate := opts.Gate

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec := gate.Admit(r.Context(), domain.Request{
				Path:     r.URL.Path,
				Method:   r.Method,
				Identity: opts.IdentityFn(r),
			})

			writeQuotaHeaders(w.Header(), dec)

			if !dec.Allowed() {
				secs := dec.Policy.WindowSeconds()
				w.Header().Set(HeaderRetryAfter, formatInt(secs))
				writeJSON(w, opts.RejectStatus, rejectBody{
					Error:         "rate limit exceeded",
					Limit:         dec.Policy.Limit,
					WindowSeconds: secs,
					RetryAfter:    secs,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeQuotaHeaders: limite e janela sempre; remaining só em request admitido
// com contagem conhecida.
func writeQuotaHeaders(h http.Header, dec domain.Decision) {
	h.Set(HeaderLimit, formatInt(dec.Policy.Limit))
	h.Set(HeaderWindow, formatWindow(dec.Policy))
	if dec.Outcome == domain.OutcomeAdmitted {
		h.Set(HeaderRemaining, formatInt(dec.Remaining))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
