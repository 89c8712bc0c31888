package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"forexcopilot/internal/domain"
)

type claimsKey struct{}

// ClaimsFrom returns the verified identity attached to the context.
func ClaimsFrom(ctx context.Context) (domain.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(domain.Claims)
	return c, ok
}

// UserIDFrom returns the authenticated user id, empty when anonymous.
func UserIDFrom(ctx context.Context) string {
	c, _ := ClaimsFrom(ctx)
	return c.UserID
}

// JWTVerifier validates HMAC-signed bearer tokens. It fails closed: an
// empty secret rejects every token.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier over the shared signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates one token and extracts its subject.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (domain.Claims, error) {
	if len(v.secret) == 0 {
		return domain.Claims{}, fmt.Errorf("op=httpserver.Verify: no signing secret: %w", domain.ErrUnauthorized)
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.Claims{}, fmt.Errorf("op=httpserver.Verify: %w", domain.ErrUnauthorized)
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		if uid, ok := claims["user_id"].(string); ok {
			userID = uid
		}
	}
	if userID == "" {
		return domain.Claims{}, fmt.Errorf("op=httpserver.Verify: missing subject: %w", domain.ErrUnauthorized)
	}
	return domain.Claims{UserID: userID, Raw: claims}, nil
}

// authExemptPaths are public API endpoints that skip token verification.
var authExemptPaths = map[string]bool{
	"/api/health": true,
}

// authExemptPrefixes cover route families that carry their own access
// story: the duplex endpoints authenticate at upgrade time, ops and
// monitoring are deploy-surface reads.
var authExemptPrefixes = []string{
	"/api/ws",
	"/api/ops/",
	"/api/monitoring/",
	"/api/auth/",
}

func authExempt(path string) bool {
	if authExemptPaths[path] {
		return true
	}
	for _, prefix := range authExemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Authenticate verifies the bearer token on API paths and injects the
// claims into the request context. Failures return a 401 envelope.
func Authenticate(verifier domain.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, apiPrefix) || r.Method == http.MethodOptions || authExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || strings.TrimSpace(token) == "" {
				writeError(w, r, domain.ErrUnauthorized, nil)
				return
			}
			claims, err := verifier.Verify(r.Context(), strings.TrimSpace(token))
			if err != nil {
				writeError(w, r, domain.ErrUnauthorized, nil)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
