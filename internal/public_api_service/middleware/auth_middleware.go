package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedClientContextKey = ContextKey("authenticatedClient")
)

// ErrTokenInvalid is returned for any token that fails parsing or verification.
var ErrTokenInvalid = errors.New("invalid or expired token")

// AuthenticatedClient is the caller identified by a bearer token.
type AuthenticatedClient struct {
	ID     string
	Scopes []string
}

// HasScope reports whether the client was granted scope.
func (c AuthenticatedClient) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenVerifier checks HS256 tokens issued for this API.
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier creates a new TokenVerifier. An empty issuer accepts any issuer.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses tokenString and returns the client it identifies.
func (v *TokenVerifier) Verify(tokenString string) (AuthenticatedClient, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return AuthenticatedClient{}, ErrTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AuthenticatedClient{}, ErrTokenInvalid
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return AuthenticatedClient{}, ErrTokenInvalid
	}
	client := AuthenticatedClient{ID: sub}
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		client.Scopes = strings.Fields(scope)
	}
	return client, nil
}

// AuthMiddleware rejects requests without a valid bearer token and stores the client in the
// request context.
func AuthMiddleware(verifier *TokenVerifier, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			scheme, tokenString, found := strings.Cut(authHeader, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format", "scheme", scheme)
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			client, err := verifier.Verify(tokenString)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AuthenticatedClientContextKey, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope only lets through clients that hold scope. AuthMiddleware must run first.
func RequireScope(scope string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, ok := ClientFromContext(r.Context())
			if !ok {
				logger.ErrorContext(r.Context(), "AuthenticatedClient not found in context")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !client.HasScope(scope) {
				logger.WarnContext(r.Context(), "Permission denied", "client_id", client.ID, "required_scope", scope)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientFromContext returns the client stored by AuthMiddleware.
func ClientFromContext(ctx context.Context) (AuthenticatedClient, bool) {
	client, ok := ctx.Value(AuthenticatedClientContextKey).(AuthenticatedClient)
	return client, ok
}
