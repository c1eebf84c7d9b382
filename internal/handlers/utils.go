package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joehospital/apiserver/internal/services"
	"github.com/joehospital/apiserver/types"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type contextKey string

const contextUserKey contextKey = "user"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string                `json:"error"`
	Kind   string                `json:"kind"`
	Fields []services.FieldError `json:"fields,omitempty"`
}

// MessageResponse is the body of requests that only acknowledge.
type MessageResponse struct {
	Message string `json:"message"`
}

func withUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, contextUserKey, user)
}

func userFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(contextUserKey).(types.User)
	return user, ok
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// at its zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps each failure kind to its HTTP status.
func statusFor(kind services.Kind) int {
	switch kind {
	case services.KindValidation,
		services.KindDuplicateEmail,
		services.KindInvalidOrExpiredToken:
		return http.StatusBadRequest
	case services.KindInvalidCredentials,
		services.KindAccountDeactivated,
		services.KindRoleMismatch,
		services.KindInvalidRefreshToken,
		services.KindMissingToken,
		services.KindUnauthorized:
		return http.StatusUnauthorized
	case services.KindAccountLocked:
		return http.StatusLocked
	case services.KindUserNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err to the client. Only *services.Error values are
// shown as-is; everything else is logged and reported as an internal error.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var svcErr *services.Error
	if errors.As(err, &svcErr) {
		writeJSON(w, statusFor(svcErr.Kind), ErrorResponse{
			Error:  svcErr.Message,
			Kind:   string(svcErr.Kind),
			Fields: svcErr.Fields,
		})
		return
	}

	logger.Error("request failed",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "InternalError", "internal server error")
}
