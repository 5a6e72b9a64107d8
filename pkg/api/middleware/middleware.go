package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	authproviders "github.com/cbodonnell/townsquare/pkg/auth/providers"
	"github.com/cbodonnell/townsquare/pkg/log"
	"github.com/cbodonnell/townsquare/pkg/models"
	"github.com/cbodonnell/townsquare/pkg/repositories"
	"github.com/google/uuid"
)

type ContextKey int

const (
	// UserContextKey is the key used to store the user in the request context
	UserContextKey ContextKey = iota
	// RequestIDContextKey is the key used to store the request id in the request context
	RequestIDContextKey
)

const RequestIDHeader = "X-Request-ID"

// UserFromContext returns the user stored by the auth middleware.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	return user, ok
}

func NewAuthMiddleware(authProvider authproviders.AuthProvider, repository repositories.Repository) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			bearerToken, err := ParseBearerToken(r)
			if err != nil {
				log.Error("failed to parse bearer token: %v", err)
				writeUnauthorized(w, "failed to parse bearer token")
				return
			}

			user, err := Authenticate(r.Context(), authProvider, repository, bearerToken)
			if err != nil {
				log.Error("failed to authenticate: %v", err)
				writeUnauthorized(w, "failed to verify ID token")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticate verifies the token and makes sure the user it names exists.
func Authenticate(ctx context.Context, authProvider authproviders.AuthProvider, repository repositories.Repository, token string) (*models.User, error) {
	claims, err := authProvider.VerifyToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %v", err)
	}

	username := claims.Username
	if username == "" {
		username = claims.UID
	}
	user, err := repository.CreateUser(ctx, claims.UID, username)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %v", err)
	}
	return user, nil
}

// NewRequestIDMiddleware echoes the caller's request id, generating one when absent.
func NewRequestIDMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			log.Trace("%s %s (%s)", r.Method, r.URL.Path, requestID)

			ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func NewCORSMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+RequestIDHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(&models.ErrorResponse{Error: message, Code: models.CodeUnauth})
}

// ParseBearerToken parses the bearer token from the Authorization header,
// falling back to the token query parameter used by browser websockets.
func ParseBearerToken(r *http.Request) (string, error) {
	// Get the Authorization header value
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("authorization header is missing")
	}

	// Check if the Authorization header has the Bearer scheme
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	// Return the token part
	return parts[1], nil
}
