package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joehospital/apiserver/types"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

const userColumns = `
	id, email, name, phone, age, gender, role, password_hash,
	failed_login_count, lock_until, refresh_token_hashes,
	password_reset_token_hash, password_reset_expires_at,
	is_active, last_login, created_at, updated_at`

// UserRepository handles persistence for users in Postgres.
type UserRepository struct {
	db    *sqlx.DB
	clock clockwork.Clock
}

func NewUserRepository(db *sqlx.DB, clock clockwork.Clock) *UserRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &UserRepository{db: db, clock: clock}
}

type userRow struct {
	types.User
	RefreshTokenHashes pq.StringArray `db:"refresh_token_hashes"`
}

func (row userRow) toUser() types.User {
	user := row.User
	user.RefreshTokenHashes = []string(row.RefreshTokenHashes)
	if user.RefreshTokenHashes == nil {
		user.RefreshTokenHashes = []string{}
	}
	return user
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return types.User{}, ErrNotFound
	}
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *UserRepository) GetByResetTokenHash(ctx context.Context, digest string, now time.Time) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE password_reset_token_hash = $1
			AND password_reset_expires_at > $2`
	return r.getOne(ctx, query, digest, now)
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := r.clock.Now()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.RefreshTokenHashes == nil {
		user.RefreshTokenHashes = []string{}
	}

	const query = `
		INSERT INTO users (
			id, email, name, phone, age, gender, role, password_hash,
			refresh_token_hashes, is_active, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Email,
		user.Name,
		user.Phone,
		user.Age,
		user.Gender,
		user.Role,
		user.PasswordHash,
		pq.StringArray(user.RefreshTokenHashes),
		user.IsActive,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return types.User{}, ErrDuplicate
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) AddRefreshToken(ctx context.Context, id, digest string) error {
	const query = `
		UPDATE users
		SET refresh_token_hashes = array_append(refresh_token_hashes, $2),
			updated_at = $3
		WHERE id = $1`
	return r.execOne(ctx, query, id, digest, r.clock.Now())
}

// RecordFailedLogin applies one failed attempt in a single statement so
// concurrent failures cannot lose increments.
func (r *UserRepository) RecordFailedLogin(ctx context.Context, id string, attempt FailedLogin) (types.User, error) {
	const query = `
		WITH strike AS (
			SELECT id,
				(lock_until IS NOT NULL AND lock_until <= $2) AS lock_elapsed,
				CASE
					WHEN lock_until IS NOT NULL AND lock_until <= $2 THEN 1
					ELSE failed_login_count + 1
				END AS next_count
			FROM users
			WHERE id = $1
			FOR UPDATE
		)
		UPDATE users u
		SET failed_login_count = strike.next_count,
			lock_until = CASE
				WHEN strike.next_count >= $3 THEN $4
				WHEN strike.lock_elapsed THEN NULL
				ELSE u.lock_until
			END,
			updated_at = $2
		FROM strike
		WHERE u.id = strike.id
		RETURNING ` + qualifiedUserColumns
	return r.getOne(ctx, query, id, attempt.At, attempt.Threshold, attempt.LockUntil())
}

func (r *UserRepository) RecordLogin(ctx context.Context, id string, at time.Time, digest string) (types.User, error) {
	const query = `
		UPDATE users
		SET failed_login_count = 0,
			lock_until = NULL,
			last_login = $2,
			refresh_token_hashes = array_append(refresh_token_hashes, $3),
			updated_at = $2
		WHERE id = $1
		RETURNING ` + userColumns
	return r.getOne(ctx, query, id, at, digest)
}

// RotateRefreshToken swaps oldDigest for newDigest only if oldDigest is
// still present, so a replayed refresh token loses the race.
func (r *UserRepository) RotateRefreshToken(ctx context.Context, id, oldDigest, newDigest string) error {
	const query = `
		UPDATE users
		SET refresh_token_hashes = array_append(array_remove(refresh_token_hashes, $2), $3),
			updated_at = $4
		WHERE id = $1
			AND $2 = ANY(refresh_token_hashes)`
	return r.execOne(ctx, query, id, oldDigest, newDigest, r.clock.Now())
}

func (r *UserRepository) RemoveRefreshToken(ctx context.Context, id, digest string) error {
	const query = `
		UPDATE users
		SET refresh_token_hashes = array_remove(refresh_token_hashes, $2),
			updated_at = $3
		WHERE id = $1`
	return r.execOne(ctx, query, id, digest, r.clock.Now())
}

func (r *UserRepository) SetPasswordReset(ctx context.Context, id, digest string, expiresAt time.Time) error {
	const query = `
		UPDATE users
		SET password_reset_token_hash = $2,
			password_reset_expires_at = $3,
			updated_at = $4
		WHERE id = $1`
	return r.execOne(ctx, query, id, digest, expiresAt, r.clock.Now())
}

// ClearPasswordReset clears the pending reset only if it is still the one
// identified by digest. A newer request is left untouched.
func (r *UserRepository) ClearPasswordReset(ctx context.Context, id, digest string) error {
	const query = `
		UPDATE users
		SET password_reset_token_hash = NULL,
			password_reset_expires_at = NULL,
			updated_at = $3
		WHERE id = $1
			AND password_reset_token_hash = $2`
	err := r.execOne(ctx, query, id, digest, r.clock.Now())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ConsumePasswordReset sets the new password hash, clears the reset token
// and revokes every refresh token, provided the reset is still pending and
// unexpired. Otherwise it returns ErrNotFound.
func (r *UserRepository) ConsumePasswordReset(ctx context.Context, id, digest string, now time.Time, passwordHash string) error {
	const query = `
		UPDATE users
		SET password_hash = $4,
			password_reset_token_hash = NULL,
			password_reset_expires_at = NULL,
			refresh_token_hashes = '{}',
			updated_at = $3
		WHERE id = $1
			AND password_reset_token_hash = $2
			AND password_reset_expires_at > $3`
	return r.execOne(ctx, query, id, digest, now, passwordHash)
}

func (r *UserRepository) getOne(ctx context.Context, query string, args ...any) (types.User, error) {
	var row userRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return row.toUser(), nil
}

func (r *UserRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const qualifiedUserColumns = `
	u.id, u.email, u.name, u.phone, u.age, u.gender, u.role, u.password_hash,
	u.failed_login_count, u.lock_until, u.refresh_token_hashes,
	u.password_reset_token_hash, u.password_reset_expires_at,
	u.is_active, u.last_login, u.created_at, u.updated_at`
