package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rmkernel/rmk/internal/rmkerr"
)

// Principal is the authenticated caller bound to the request context.
type Principal struct {
	ID        string
	Role      string
	Groups    []string
	Anonymous bool
}

// Namespace returns the principal's private namespace.
func (p Principal) Namespace() string {
	return "user_" + p.ID
}

// PolicySubject returns the principal in the policy engine's subject form.
func (p Principal) PolicySubject() string {
	if p.Anonymous {
		return "anonymous"
	}
	return "user:" + p.ID
}

type contextKey int

const principalKey contextKey = 0

// PrincipalFrom extracts the caller from the request context. The auth
// middleware always installs one, so the fallback is anonymous.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey).(Principal); ok {
		return p
	}
	return Principal{ID: "anonymous", Anonymous: true}
}

type claims struct {
	Role   string   `json:"role,omitempty"`
	Groups []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken mints a bearer token for the principal.
func IssueToken(secret []byte, userID, role string, groups []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role:   role,
		Groups: groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", rmkerr.Wrap(rmkerr.KindInternal, "sign token", err)
	}
	return signed, nil
}

// parseToken validates a bearer token and returns the principal it names.
func parseToken(secret []byte, raw string) (Principal, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		// SECURITY: only HMAC is accepted; an attacker-supplied RSA
		// header must not downgrade verification.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, rmkerr.New(rmkerr.KindUnauthorized, "unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid || c.Subject == "" {
		return Principal{}, rmkerr.New(rmkerr.KindUnauthorized, "invalid bearer token")
	}
	return Principal{ID: c.Subject, Role: c.Role, Groups: c.Groups}, nil
}

// authenticate resolves the Authorization header. A missing header binds
// the request to the anonymous principal; a present but invalid token is
// rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			ctx := context.WithValue(r.Context(), principalKey, Principal{ID: "anonymous", Anonymous: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == header {
			s.writeError(w, r, rmkerr.New(rmkerr.KindUnauthorized, "authorization header must be a bearer token"))
			return
		}
		p, err := parseToken(s.cfg.JWTSecret, raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireUser rejects anonymous callers.
func requireUser(p Principal) error {
	if p.Anonymous {
		return rmkerr.New(rmkerr.KindUnauthorized, "authentication required")
	}
	return nil
}

// requireAdminRole rejects callers whose token lacks the admin role.
func requireAdminRole(p Principal) error {
	if err := requireUser(p); err != nil {
		return err
	}
	if p.Role != "admin" {
		return rmkerr.New(rmkerr.KindForbidden, "admin role required")
	}
	return nil
}
