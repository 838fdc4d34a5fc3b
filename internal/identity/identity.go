// Package identity resolves bearer tokens to user ids.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenQueryParam carries the token for browser WebSocket clients, which
	// cannot set an Authorization header.
	TokenQueryParam = "token"
	// TokenCookieName is checked after the header and query parameter.
	TokenCookieName = "relay_token"
	// DevUserID is used by DevVerifier when no token is presented.
	DevUserID = "dev-user"
)

// ErrUnauthenticated is returned for a missing, malformed or rejected token.
var ErrUnauthenticated = errors.New("unauthenticated")

type contextKey int

const userIDKey contextKey = iota

// Verifier maps a token to the id of the user it was issued to.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// JWTVerifier validates JWTs signed either by a key from a remote JWKS or by
// a shared HMAC secret. The user id is the subject claim.
type JWTVerifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewJWKSVerifier creates a verifier backed by the key set at url. The set is
// refreshed in the background until ctx is done.
func NewJWKSVerifier(ctx context.Context, url, audience, issuer string) (*JWTVerifier, error) {
	if url == "" {
		return nil, errors.New("jwks url is required")
	}
	k, err := keyfunc.NewDefaultCtx(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}
	methods := []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "ES512", "EdDSA"}
	return newJWTVerifier(k.Keyfunc, methods, audience, issuer), nil
}

// NewHMACVerifier creates a verifier for tokens signed with a shared secret.
func NewHMACVerifier(secret, audience, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	key := []byte(secret)
	kf := func(*jwt.Token) (any, error) { return key, nil }
	return newJWTVerifier(kf, []string{"HS256", "HS384", "HS512"}, audience, issuer), nil
}

func newJWTVerifier(kf jwt.Keyfunc, methods []string, audience, issuer string) *JWTVerifier {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithValidMethods(methods)}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTVerifier{keyfunc: kf, parser: jwt.NewParser(opts...)}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	var claims jwt.RegisteredClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, v.keyfunc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// DevVerifier accepts any token and uses it as the user id. Local use only.
type DevVerifier struct{}

// Verify implements Verifier.
func (DevVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return DevUserID, nil
	}
	return token, nil
}

// TokenFromRequest returns the bearer token from the Authorization header,
// the token query parameter or the token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token
	}
	if c, err := r.Cookie(TokenCookieName); err == nil {
		return c.Value
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Middleware rejects requests without a valid token and injects the user id.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := v.Verify(r.Context(), TokenFromRequest(r))
			if err != nil {
				slog.Debug("Request rejected", "path", r.URL.Path, "ip", IPFromRequest(r), "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
