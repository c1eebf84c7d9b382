package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joehospital/apiserver/types"
	"github.com/jonboulle/clockwork"
)

// MemoryUserRepository keeps users in process memory. It backs local
// development (STORE_DRIVER=memory) and the service and handler tests.
type MemoryUserRepository struct {
	mu      sync.Mutex
	byID    map[string]*types.User
	byEmail map[string]string
	clock   clockwork.Clock
}

// NewMemoryUserRepository returns an empty repository stamping records
// with clock, or the real clock when nil.
func NewMemoryUserRepository(clock clockwork.Clock) *MemoryUserRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryUserRepository{
		byID:    make(map[string]*types.User),
		byEmail: make(map[string]string),
		clock:   clock,
	}
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (r *MemoryUserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEmail[email]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return cloneUser(r.byID[id]), nil
}

func (r *MemoryUserRepository) GetByResetTokenHash(ctx context.Context, digest string, now time.Time) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.byID {
		if resetMatches(u, digest, now) {
			return cloneUser(u), nil
		}
	}
	return types.User{}, ErrNotFound
}

func (r *MemoryUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byEmail[user.Email]; exists {
		return types.User{}, ErrDuplicate
	}

	now := r.clock.Now()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.RefreshTokenHashes == nil {
		user.RefreshTokenHashes = []string{}
	}

	stored := cloneUser(&user)
	r.byID[user.ID] = &stored
	r.byEmail[user.Email] = user.ID
	return cloneUser(&stored), nil
}

func (r *MemoryUserRepository) AddRefreshToken(ctx context.Context, id, digest string) error {
	return r.mutate(id, func(u *types.User) error {
		u.RefreshTokenHashes = append(u.RefreshTokenHashes, digest)
		return nil
	})
}

func (r *MemoryUserRepository) RecordFailedLogin(ctx context.Context, id string, attempt FailedLogin) (types.User, error) {
	var out types.User
	err := r.mutate(id, func(u *types.User) error {
		expired := u.LockUntil != nil && !u.LockUntil.After(attempt.At)
		if expired {
			u.FailedLoginCount = 1
			u.LockUntil = nil
		} else {
			u.FailedLoginCount++
		}
		if u.FailedLoginCount >= attempt.Threshold {
			lockUntil := attempt.LockUntil()
			u.LockUntil = &lockUntil
		}
		out = cloneUser(u)
		return nil
	})
	return out, err
}

func (r *MemoryUserRepository) RecordLogin(ctx context.Context, id string, at time.Time, digest string) (types.User, error) {
	var out types.User
	err := r.mutate(id, func(u *types.User) error {
		u.FailedLoginCount = 0
		u.LockUntil = nil
		lastLogin := at
		u.LastLogin = &lastLogin
		u.RefreshTokenHashes = append(u.RefreshTokenHashes, digest)
		out = cloneUser(u)
		return nil
	})
	return out, err
}

func (r *MemoryUserRepository) RotateRefreshToken(ctx context.Context, id, oldDigest, newDigest string) error {
	return r.mutate(id, func(u *types.User) error {
		idx := slices.Index(u.RefreshTokenHashes, oldDigest)
		if idx < 0 {
			return ErrNotFound
		}
		u.RefreshTokenHashes = slices.DeleteFunc(u.RefreshTokenHashes, func(h string) bool { return h == oldDigest })
		u.RefreshTokenHashes = append(u.RefreshTokenHashes, newDigest)
		return nil
	})
}

func (r *MemoryUserRepository) RemoveRefreshToken(ctx context.Context, id, digest string) error {
	return r.mutate(id, func(u *types.User) error {
		u.RefreshTokenHashes = slices.DeleteFunc(u.RefreshTokenHashes, func(h string) bool { return h == digest })
		return nil
	})
}

func (r *MemoryUserRepository) SetPasswordReset(ctx context.Context, id, digest string, expiresAt time.Time) error {
	return r.mutate(id, func(u *types.User) error {
		d, exp := digest, expiresAt
		u.PasswordResetTokenHash = &d
		u.PasswordResetExpiresAt = &exp
		return nil
	})
}

func (r *MemoryUserRepository) ClearPasswordReset(ctx context.Context, id, digest string) error {
	return r.mutate(id, func(u *types.User) error {
		if u.PasswordResetTokenHash == nil || *u.PasswordResetTokenHash != digest {
			return nil
		}
		u.PasswordResetTokenHash = nil
		u.PasswordResetExpiresAt = nil
		return nil
	})
}

func (r *MemoryUserRepository) ConsumePasswordReset(ctx context.Context, id, digest string, now time.Time, passwordHash string) error {
	return r.mutate(id, func(u *types.User) error {
		if !resetMatches(u, digest, now) {
			return ErrNotFound
		}
		u.PasswordHash = passwordHash
		u.PasswordResetTokenHash = nil
		u.PasswordResetExpiresAt = nil
		u.RefreshTokenHashes = []string{}
		return nil
	})
}

// SetActive toggles the account's active flag. Deactivation is an
// administrative action with no HTTP surface; tests use this hook.
func (r *MemoryUserRepository) SetActive(id string, active bool) error {
	return r.mutate(id, func(u *types.User) error {
		u.IsActive = active
		return nil
	})
}

func (r *MemoryUserRepository) mutate(id string, fn func(u *types.User) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	working := cloneUser(u)
	if err := fn(&working); err != nil {
		return err
	}
	working.UpdatedAt = r.clock.Now()
	*u = working
	return nil
}

func resetMatches(u *types.User, digest string, now time.Time) bool {
	return u.PasswordResetTokenHash != nil &&
		u.PasswordResetExpiresAt != nil &&
		*u.PasswordResetTokenHash == digest &&
		u.PasswordResetExpiresAt.After(now)
}

func cloneUser(u *types.User) types.User {
	out := *u
	out.RefreshTokenHashes = slices.Clone(u.RefreshTokenHashes)
	if out.RefreshTokenHashes == nil {
		out.RefreshTokenHashes = []string{}
	}
	if u.LockUntil != nil {
		t := *u.LockUntil
		out.LockUntil = &t
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		out.LastLogin = &t
	}
	if u.PasswordResetTokenHash != nil {
		s := *u.PasswordResetTokenHash
		out.PasswordResetTokenHash = &s
	}
	if u.PasswordResetExpiresAt != nil {
		t := *u.PasswordResetExpiresAt
		out.PasswordResetExpiresAt = &t
	}
	return out
}
