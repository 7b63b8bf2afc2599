package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arenaledger/arena-stack/common/httputil"
)

// Claims is the access token body issued by the platform's auth service.
type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token grants role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

const claimsKey = contextKey("claims")

var errBearerMissing = errors.New("missing bearer token")

// RequireRole admits requests carrying an HS256 bearer token signed with
// secret whose roles include role. An empty secret disables the check so a
// gateway in front of the service can own authentication.
func RequireRole(secret, role string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := parseBearer(r, key)
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			if !claims.HasRole(role) {
				httputil.WriteError(w, http.StatusForbidden, "forbidden", "role "+role+" required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// ClaimsFromContext returns the verified claims, or nil when the request did
// not pass through RequireRole.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

func parseBearer(r *http.Request, key []byte) (*Claims, error) {
	authz := r.Header.Get("Authorization")
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return nil, errBearerMissing
	}
	raw := strings.TrimSpace(authz[len("Bearer "):])

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
