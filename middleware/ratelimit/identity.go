package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// IdentityFunc deriva a identidade do cliente a partir do request.
type IdentityFunc func(r *http.Request) domain.ClientIdentity

// PrincipalFunc devolve o principal já autenticado, ou nil.
type PrincipalFunc func(r *http.Request) *domain.Principal

// PrincipalFromRequest lê o principal que uma camada de auth anterior
// colocou no contexto via domain.WithPrincipal.
func PrincipalFromRequest(r *http.Request) *domain.Principal {
	return domain.PrincipalFromContext(r.Context())
}

// DefaultIdentityFunc: header de serviço, depois principal, depois endereço de origem.
func DefaultIdentityFunc(serviceHeader string, trustXFF bool, principalFn PrincipalFunc) IdentityFunc {
	if principalFn == nil {
		principalFn = PrincipalFromRequest
	}
	return func(r *http.Request) domain.ClientIdentity {
		var serviceKey string
		if serviceHeader != "" {
			serviceKey = r.Header.Get(serviceHeader)
		}
		return domain.DeriveIdentity(serviceKey, principalFn(r), SourceAddr(r, trustXFF))
	}
}

// SourceAddr retorna o IP do cliente. Com trustXFF usa o primeiro IP do
// X-Forwarded-For (cliente original); só habilitar atrás de proxy confiável.
func SourceAddr(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	// fallback: RemoteAddr
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
