package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joehospital/apiserver/config"
	"github.com/joehospital/apiserver/internal/services"
	"github.com/joehospital/apiserver/types"
	"go.uber.org/zap"
)

// Authenticator resolves a bearer access token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (types.User, error)
}

// RequireAuth enforces bearer authentication and injects the user into
// the request context.
func RequireAuth(authenticator Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				respondError(w, r, logger, services.ErrMissingToken)
				return
			}

			user, err := authenticator.Authenticate(r.Context(), tokenString)
			if err != nil {
				respondError(w, r, logger, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}

// RequestLogger logs one line per request with chi's request ID.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Int("status", status),
				zap.Int("size", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("http request", fields...)
				return
			}
			logger.Info("http request", fields...)
		})
	}
}

// SecurityHeaders sets conservative response headers for a JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// RateLimit throttles requests per client IP. A non-positive rate disables
// limiting and returns nil.
func RateLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.PerSecond <= 0 {
		return nil
	}
	lmt := tollbooth.NewLimiter(cfg.PerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	if cfg.Burst > 0 {
		lmt.SetBurst(cfg.Burst)
	}
	// Keyed on the peer address only. Forwarding headers are honoured
	// upstream by middleware.RealIP when the deployment trusts its proxy.
	lmt.SetIPLookups([]string{"RemoteAddr"})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(`{"error":"too many requests, please try again later","kind":"RateLimited"}`)
	return func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	}
}
