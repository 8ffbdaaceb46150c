package realtime

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// Role selects room addressing and polling cadence.
type Role string

const (
	RoleCliente Role = "cliente"
	RoleTecnico Role = "tecnico"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCliente, RoleTecnico, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated actor. It is decoded from the session
// token without verifying the signature: it is only used to address rooms,
// never to authorize anything.
type Principal struct {
	ID   string
	Role Role
}

type sessionClaims struct {
	ID   any    `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
	Rol  string `json:"rol,omitempty"`
	jwt.RegisteredClaims
}

// ParsePrincipal decodes token into a Principal. The id comes from the
// "id" claim, falling back to "sub"; the role from "role" or "rol".
func ParsePrincipal(token string) (Principal, error) {
	if token == "" {
		return Principal{}, WrapError(ErrorUnauthorized, "empty session token", nil)
	}
	var claims sessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Principal{}, WrapError(ErrorUnauthorized, "decode session token", err)
	}

	p := Principal{ID: claimID(claims.ID), Role: Role(claims.Role)}
	if p.ID == "" {
		p.ID = claims.Subject
	}
	if p.Role == "" {
		p.Role = Role(claims.Rol)
	}
	if p.ID == "" || p.Role == "" {
		return Principal{}, WrapError(ErrorUnauthorized, "session token lacks id or role", nil)
	}
	if !p.Role.Valid() {
		return Principal{}, WrapError(ErrorUnauthorized, "unknown role "+string(p.Role), nil)
	}
	return p, nil
}

func claimID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}
