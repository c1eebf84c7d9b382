package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist, or when a
// conditional update found no record satisfying its predicate.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique key (the normalized email) is
// already taken.
var ErrDuplicate = errors.New("duplicate key")

// FailedLogin describes one wrong-password strike against an account.
//
// The backend applies it atomically: if a previous lock has already
// elapsed at At, the counter restarts at 1 and the stale lock is cleared;
// otherwise the counter is incremented. When the resulting count reaches
// Threshold the account is locked until At+LockFor.
type FailedLogin struct {
	At        time.Time
	Threshold int
	LockFor   time.Duration
}

// LockUntil is the instant a lock armed by this strike expires.
func (f FailedLogin) LockUntil() time.Time {
	return f.At.Add(f.LockFor)
}
