package domain

import (
	"context"
	"strings"
)

// Role é o tier do cliente. A ordem vai do menos para o mais permissivo
// por convenção, mas cada tier tem sua própria política configurada.
type Role int

const (
	RoleAnonymous Role = iota
	RoleUser
	RoleAdmin
	RoleService
)

func (r Role) String() string {
	switch r {
	case RoleService:
		return "service"
	case RoleAdmin:
		return "admin"
	case RoleUser:
		return "user"
	default:
		return "anonymous"
	}
}

// ParseRole converte o nome usado em configuração ("service", "admin", ...) em Role.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "service":
		return RoleService, true
	case "admin":
		return RoleAdmin, true
	case "user", "default":
		return RoleUser, true
	case "anonymous":
		return RoleAnonymous, true
	}
	return RoleAnonymous, false
}

// ClientIdentity é a identidade derivada por request.
//
// É uma variante fechada: só pode ser construída pelos construtores abaixo,
// então o tier é decidido uma única vez e nunca inferido por prefixo de string.
type ClientIdentity struct {
	role Role
	id   string
}

func ServiceIdentity(key string) ClientIdentity { return ClientIdentity{role: RoleService, id: key} }
func AdminIdentity(userID string) ClientIdentity { return ClientIdentity{role: RoleAdmin, id: userID} }
func UserIdentity(userID string) ClientIdentity  { return ClientIdentity{role: RoleUser, id: userID} }

// AnonymousIdentity usa o endereço de origem; vazio vira "unknown".
func AnonymousIdentity(addr string) ClientIdentity {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "unknown"
	}
	return ClientIdentity{role: RoleAnonymous, id: addr}
}

func (c ClientIdentity) Role() Role { return c.role }
func (c ClientIdentity) ID() string { return c.id }

// String retorna "<tier>:<id>", o formato usado na chave do contador.
func (c ClientIdentity) String() string {
	return c.role.String() + ":" + c.id
}

// Principal é o usuário já autenticado por uma camada anterior (fora deste pacote).
type Principal struct {
	ID      string
	IsAdmin bool
}

type principalCtxKey struct{}

// WithPrincipal anexa o principal autenticado ao contexto do request.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext retorna nil quando não há principal.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*Principal)
	return p
}

// DeriveIdentity aplica a ordem de prioridade:
//
//  1. credencial de serviço (header)
//  2. principal autenticado (admin ou user)
//  3. endereço de origem (anonymous)
func DeriveIdentity(serviceKey string, p *Principal, sourceAddr string) ClientIdentity {
	if k := strings.TrimSpace(serviceKey); k != "" {
		return ServiceIdentity(k)
	}
	if p != nil && p.ID != "" {
		if p.IsAdmin {
			return AdminIdentity(p.ID)
		}
		return UserIdentity(p.ID)
	}
	return AnonymousIdentity(sourceAddr)
}
