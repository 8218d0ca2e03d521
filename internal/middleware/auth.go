package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

type key string

const contextPrincipalKey key = "principal"

// Authenticator resolves a raw bearer API key.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*model.Principal, error)
}

func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, contextPrincipalKey, p)
}

func PrincipalFromContext(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(contextPrincipalKey).(*model.Principal)
	return p, ok && p != nil
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// APIKeyAuth rejects requests without a valid bearer API key and stores the
// resolved principal on the request context.
func APIKeyAuth(auth Authenticator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r)
			if !ok {
				unauthorized(w, "missing or malformed API key")
				return
			}
			p, err := auth.Authenticate(r.Context(), raw)
			if err != nil {
				if !errors.Is(err, appErrors.ErrUnauthorized) && log != nil {
					log.Error("api key lookup failed", zap.Error(err))
				}
				unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// CronSecret guards the cron trigger endpoints with a shared bearer secret.
// An empty secret rejects every request.
func CronSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r)
			if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				unauthorized(w, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserHeader is the dashboard session stand-in: the gateway in front of the
// service authenticates the operator and forwards their id in X-User-ID.
func UserHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			unauthorized(w, "missing user")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), &model.Principal{UserID: userID})))
	})
}
