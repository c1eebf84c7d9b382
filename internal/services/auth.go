package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joehospital/apiserver/internal/auth"
	"github.com/joehospital/apiserver/internal/mailer"
	"github.com/joehospital/apiserver/internal/store"
	"github.com/joehospital/apiserver/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Mailer delivers the password-reset email.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// AuthOptions tunes lockout and password-reset behavior.
type AuthOptions struct {
	LockoutThreshold int
	LockoutWindow    time.Duration
	ResetTokenTTL    time.Duration
	// ClientURL is the front-end origin; reset links point at
	// ClientURL/reset-password/<token>.
	ClientURL string
}

// RegisterInput is a validated registration request.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Phone    string
	Age      int
	Gender   string
	Role     types.Role
}

// LoginInput is a validated login request. An empty Role skips the portal
// check.
type LoginInput struct {
	Email    string
	Password string
	Role     types.Role
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	User         types.PublicUser `json:"user"`
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
}

// AuthService implements registration, login with lockout, refresh-token
// rotation, logout and the password-reset flow.
type AuthService struct {
	repo   UserRepository
	hasher *auth.PasswordHasher
	tokens *auth.TokenIssuer
	mailer Mailer
	opts   AuthOptions
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewAuthService(
	repo UserRepository,
	hasher *auth.PasswordHasher,
	tokens *auth.TokenIssuer,
	mail Mailer,
	opts AuthOptions,
	clock clockwork.Clock,
	logger *zap.Logger,
) *AuthService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.ClientURL = strings.TrimRight(opts.ClientURL, "/")
	return &AuthService{
		repo:   repo,
		hasher: hasher,
		tokens: tokens,
		mailer: mail,
		opts:   opts,
		clock:  clock,
		logger: logger,
	}
}

// Register creates an active account and signs it in.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	email := types.NormalizeEmail(in.Email)
	role := in.Role
	if role == "" {
		role = types.RolePatient
	}
	if !role.Valid() {
		return AuthResult{}, NewValidationError([]FieldError{{Field: "role", Message: "invalid role"}})
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return AuthResult{}, ErrDuplicateEmail
	} else if !errors.Is(err, store.ErrNotFound) {
		return AuthResult{}, fmt.Errorf("check email: %w", err)
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return AuthResult{}, err
	}

	user, err := s.repo.Create(ctx, types.User{
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		Phone:        strings.TrimSpace(in.Phone),
		Age:          in.Age,
		Gender:       in.Gender,
		Role:         role,
		PasswordHash: hash,
		IsActive:     true,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return AuthResult{}, ErrDuplicateEmail
		}
		return AuthResult{}, fmt.Errorf("create user: %w", err)
	}

	pair, err := s.tokens.IssuePair(user.ID)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue tokens: %w", err)
	}
	digest := auth.Digest(pair.RefreshToken)
	if err := s.repo.AddRefreshToken(ctx, user.ID, digest); err != nil {
		return AuthResult{}, fmt.Errorf("store refresh token: %w", err)
	}
	user.RefreshTokenHashes = append(user.RefreshTokenHashes, digest)

	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	return AuthResult{User: user.Public(), AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Login authenticates by email and password. The checks run in a fixed
// order: unknown email, active lock, deactivation, password, then portal
// role. Only a wrong password counts toward the lockout.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (AuthResult, error) {
	email := types.NormalizeEmail(in.Email)

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.hasher.VerifyDummy(in.Password)
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, fmt.Errorf("load user: %w", err)
	}

	now := s.clock.Now()
	if user.IsLocked(now) {
		s.logger.Info("login rejected for locked account", zap.String("user_id", user.ID))
		return AuthResult{}, ErrAccountLocked
	}
	if !user.IsActive {
		return AuthResult{}, ErrAccountDeactivated
	}

	if !s.hasher.Verify(user.PasswordHash, in.Password) {
		updated, err := s.repo.RecordFailedLogin(ctx, user.ID, store.FailedLogin{
			At:        now,
			Threshold: s.opts.LockoutThreshold,
			LockFor:   s.opts.LockoutWindow,
		})
		if err != nil {
			return AuthResult{}, fmt.Errorf("record failed login: %w", err)
		}
		if updated.IsLocked(now) {
			s.logger.Warn("account locked after failed logins",
				zap.String("user_id", user.ID),
				zap.Int("failed_logins", updated.FailedLoginCount),
				zap.Timep("lock_until", updated.LockUntil),
			)
		}
		return AuthResult{}, ErrInvalidCredentials
	}

	if in.Role != "" && in.Role != user.Role {
		return AuthResult{}, roleMismatch(string(in.Role))
	}

	pair, err := s.tokens.IssuePair(user.ID)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue tokens: %w", err)
	}
	user, err = s.repo.RecordLogin(ctx, user.ID, now, auth.Digest(pair.RefreshToken))
	if err != nil {
		return AuthResult{}, fmt.Errorf("record login: %w", err)
	}

	s.logger.Info("user logged in", zap.String("user_id", user.ID))
	return AuthResult{User: user.Public(), AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed; presenting it again fails.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return auth.TokenPair{}, ErrMissingToken
	}

	userID, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return auth.TokenPair{}, ErrInvalidRefreshToken
	}

	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return auth.TokenPair{}, ErrInvalidRefreshToken
		}
		return auth.TokenPair{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return auth.TokenPair{}, ErrAccountDeactivated
	}

	digest := auth.Digest(refreshToken)
	if !user.HasRefreshToken(digest) {
		s.logger.Warn("refresh token not in active set", zap.String("user_id", user.ID))
		return auth.TokenPair{}, ErrInvalidRefreshToken
	}

	pair, err := s.tokens.IssuePair(user.ID)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	if err := s.repo.RotateRefreshToken(ctx, user.ID, digest, auth.Digest(pair.RefreshToken)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("refresh token reused concurrently", zap.String("user_id", user.ID))
			return auth.TokenPair{}, ErrInvalidRefreshToken
		}
		return auth.TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return pair, nil
}

// Logout revokes refreshToken for userID. An empty or unknown token is
// not an error.
func (s *AuthService) Logout(ctx context.Context, userID, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	err := s.repo.RemoveRefreshToken(ctx, userID, auth.Digest(refreshToken))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	s.logger.Info("user logged out", zap.String("user_id", userID))
	return nil
}

// ForgotPassword issues a single-use reset token and emails the reset
// link. If delivery fails the pending reset is withdrawn.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.repo.GetByEmail(ctx, types.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("load user: %w", err)
	}

	token, err := auth.NewResetToken()
	if err != nil {
		return err
	}
	digest := auth.Digest(token)
	expiresAt := s.clock.Now().Add(s.opts.ResetTokenTTL)
	if err := s.repo.SetPasswordReset(ctx, user.ID, digest, expiresAt); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	msg, err := mailer.PasswordReset(user.Email, s.opts.ClientURL+"/reset-password/"+token, s.opts.ResetTokenTTL)
	if err == nil {
		err = s.mailer.Send(ctx, msg)
	}
	if err != nil {
		s.logger.Error("password reset email failed", zap.String("user_id", user.ID), zap.Error(err))
		if clearErr := s.repo.ClearPasswordReset(ctx, user.ID, digest); clearErr != nil {
			s.logger.Error("withdraw password reset failed", zap.String("user_id", user.ID), zap.Error(clearErr))
		}
		return ErrDeliveryFailed
	}

	s.logger.Info("password reset issued", zap.String("user_id", user.ID), zap.Time("expires_at", expiresAt))
	return nil
}

// ResetPassword consumes a reset token, sets the new password and revokes
// every refresh token of the account.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidOrExpiredToken
	}
	digest := auth.Digest(token)

	user, err := s.repo.GetByResetTokenHash(ctx, digest, s.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return fmt.Errorf("load reset token: %w", err)
	}

	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.repo.ConsumePasswordReset(ctx, user.ID, digest, s.clock.Now(), hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return fmt.Errorf("consume reset token: %w", err)
	}

	s.logger.Info("password reset completed", zap.String("user_id", user.ID))
	return nil
}

// hashPassword reports an over-long password as a validation error on
// the password field.
func (s *AuthService) hashPassword(password string) (string, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return "", NewValidationError([]FieldError{{
				Field:   "password",
				Message: fmt.Sprintf("password must be at most %d bytes", auth.MaxPasswordBytes),
			}})
		}
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// Authenticate resolves a bearer access token to an active user.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (types.User, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return types.User{}, ErrMissingToken
	}
	userID, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return types.User{}, ErrUnauthorized
	}
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, ErrUnauthorized
		}
		return types.User{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return types.User{}, ErrAccountDeactivated
	}
	return user, nil
}
