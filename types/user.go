package types

import (
	"strings"
	"time"
)

// Role is the closed set of account roles known to the hospital portals.
type Role string

const (
	RolePatient      Role = "patient"
	RoleDoctor       Role = "doctor"
	RoleAdmin        Role = "admin"
	RoleNurse        Role = "nurse"
	RoleReceptionist Role = "receptionist"
)

// Roles lists every valid role.
var Roles = []Role{RolePatient, RoleDoctor, RoleAdmin, RoleNurse, RoleReceptionist}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// User represents an account in the system.
// It carries identity, credential, lockout, and session state.
type User struct {
	// ID is the unique identifier of the user (a UUID string).
	ID string `json:"id" db:"id"`

	// Email is the user's lower-cased, trimmed email address. Unique.
	Email string `json:"email" db:"email"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Phone, Age and Gender are optional profile fields captured at
	// registration. Zero values mean "not provided".
	Phone  string `json:"phone,omitempty" db:"phone"`
	Age    int    `json:"age,omitempty" db:"age"`
	Gender string `json:"gender,omitempty" db:"gender"`

	// Role indicates which portal the account belongs to.
	Role Role `json:"role" db:"role"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// FailedLoginCount counts consecutive failed logins since the last
	// successful one.
	FailedLoginCount int `json:"-" db:"failed_login_count"`

	// LockUntil, when in the future, rejects every login attempt.
	LockUntil *time.Time `json:"-" db:"lock_until"`

	// RefreshTokenHashes holds SHA-256 digests of the refresh tokens that
	// are currently valid for this user.
	RefreshTokenHashes []string `json:"-" db:"-"`

	// PasswordResetTokenHash and PasswordResetExpiresAt are set and
	// cleared together.
	PasswordResetTokenHash *string    `json:"-" db:"password_reset_token_hash"`
	PasswordResetExpiresAt *time.Time `json:"-" db:"password_reset_expires_at"`

	// IsActive is false for deactivated accounts.
	IsActive bool `json:"isActive" db:"is_active"`

	// LastLogin is set on every fully successful login.
	LastLogin *time.Time `json:"lastLogin,omitempty" db:"last_login"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// IsLocked reports whether the account is locked at the given instant.
func (u User) IsLocked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

// HasRefreshToken reports whether digest is in the user's refresh-token set.
func (u User) HasRefreshToken(digest string) bool {
	for _, h := range u.RefreshTokenHashes {
		if h == digest {
			return true
		}
	}
	return false
}

// Public returns the projection of u that is safe to return to clients.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Phone:     u.Phone,
		Age:       u.Age,
		Gender:    u.Gender,
		Role:      u.Role,
		IsActive:  u.IsActive,
		LastLogin: u.LastLogin,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// PublicUser is the client-facing view of a User. It never carries the
// password hash, token digests, reset state or lockout counters.
type PublicUser struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Phone     string     `json:"phone,omitempty"`
	Age       int        `json:"age,omitempty"`
	Gender    string     `json:"gender,omitempty"`
	Role      Role       `json:"role"`
	IsActive  bool       `json:"isActive"`
	LastLogin *time.Time `json:"lastLogin,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// NormalizeEmail lower-cases and trims an email address so lookups and
// uniqueness checks are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
