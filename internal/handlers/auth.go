package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/joehospital/apiserver/internal/services"
	"github.com/joehospital/apiserver/types"
	"go.uber.org/zap"
)

// AuthHandler serves the /auth endpoints.
type AuthHandler struct {
	authService *services.AuthService
	userService *services.UserService
	logger      *zap.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(authService *services.AuthService, userService *services.UserService, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{authService: authService, userService: userService, logger: logger}
}

// AuthRouter registers auth routes on the given router. limit, when not
// nil, wraps the credential endpoints.
func AuthRouter(r chi.Router, authService *services.AuthService, userService *services.UserService, logger *zap.Logger, limit func(http.Handler) http.Handler) {
	handler := NewAuthHandler(authService, userService, logger)

	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/register", handler.Register)
		r.Post("/login", handler.Login)
		r.Post("/refresh-token", handler.RefreshToken)
		r.Post("/forgot-password", handler.ForgotPassword)
		r.Post("/reset-password/{token}", handler.ResetPassword)
	})

	r.Group(func(r chi.Router) {
		r.Use(handler.RequireAuth)
		r.Post("/logout", handler.Logout)
		r.Get("/profile", handler.Profile)
	})
}

// RequireAuth enforces bearer authentication for this handler's routes.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return RequireAuth(h.authService, h.logger)(next)
}

// Register creates a new account and signs it in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.bind(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	if err := validateRequest(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	result, err := h.authService.Register(r.Context(), services.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Phone:    req.Phone,
		Age:      req.Age,
		Gender:   req.Gender,
		Role:     types.Role(req.Role),
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Login verifies credentials and returns a token pair.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.bind(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := validateRequest(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	result, err := h.authService.Login(r.Context(), services.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		Role:     types.Role(req.Role),
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RefreshToken rotates a refresh token into a new pair.
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.bind(w, r, &req) {
		return
	}

	pair, err := h.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Logout revokes the presented refresh token, if any.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, r, h.logger, services.ErrUnauthorized)
		return
	}
	var req RefreshRequest
	if !h.bind(w, r, &req) {
		return
	}

	if err := h.authService.Logout(r.Context(), user.ID, req.RefreshToken); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "logged out successfully"})
}

// ForgotPassword emails a password-reset link.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !h.bind(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := validateRequest(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	if err := h.authService.ForgotPassword(r.Context(), req.Email); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "password reset link sent to your email"})
}

// ResetPassword sets a new password using the token from the reset link.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.bind(w, r, &req) {
		return
	}
	if err := validateRequest(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	if err := h.authService.ResetPassword(r.Context(), chi.URLParam(r, "token"), req.Password); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "password reset successful"})
}

// Profile returns the authenticated user.
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, r, h.logger, services.ErrUnauthorized)
		return
	}

	profile, err := h.userService.Profile(r.Context(), user.ID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{User: profile})
}

func (h *AuthHandler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, http.StatusBadRequest, string(services.KindValidation), "invalid request body")
		return false
	}
	return true
}

type RegisterRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=50,personname"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72,maxbytes=72,strongpassword"`
	Phone    string `json:"phone" validate:"omitempty,phone"`
	Age      int    `json:"age" validate:"omitempty,min=1,max=120"`
	Gender   string `json:"gender" validate:"omitempty,oneof=male female other prefer-not-to-say"`
	Role     string `json:"role" validate:"omitempty,role"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role" validate:"omitempty,role"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type ResetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=6,max=72,maxbytes=72,strongpassword"`
}

type ProfileResponse struct {
	User types.PublicUser `json:"user"`
}
