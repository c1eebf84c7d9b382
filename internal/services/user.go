package services

import (
	"context"
	"errors"
	"time"

	"github.com/joehospital/apiserver/internal/store"
	"github.com/joehospital/apiserver/types"
)

// UserRepository defines persistence operations for users. Every mutating
// method is a single atomic operation in the backing store.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	GetByResetTokenHash(ctx context.Context, digest string, now time.Time) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)

	AddRefreshToken(ctx context.Context, id, digest string) error
	RotateRefreshToken(ctx context.Context, id, oldDigest, newDigest string) error
	RemoveRefreshToken(ctx context.Context, id, digest string) error

	RecordFailedLogin(ctx context.Context, id string, attempt store.FailedLogin) (types.User, error)
	RecordLogin(ctx context.Context, id string, at time.Time, refreshDigest string) (types.User, error)

	SetPasswordReset(ctx context.Context, id, digest string, expiresAt time.Time) error
	ClearPasswordReset(ctx context.Context, id, digest string) error
	ConsumePasswordReset(ctx context.Context, id, digest string, now time.Time, passwordHash string) error
}

// UserService encapsulates user read use-cases.
type UserService struct {
	repo UserRepository
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo}
}

// Profile returns the public view of the user with the given ID.
func (s *UserService) Profile(ctx context.Context, id string) (types.PublicUser, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.PublicUser{}, ErrUnauthorized
		}
		return types.PublicUser{}, err
	}
	return user.Public(), nil
}
