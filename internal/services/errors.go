package services

import "errors"

// Kind is the stable, machine-readable category of a service failure.
type Kind string

const (
	KindValidation            Kind = "ValidationError"
	KindDuplicateEmail        Kind = "DuplicateEmail"
	KindInvalidCredentials    Kind = "InvalidCredentials"
	KindAccountLocked         Kind = "AccountLocked"
	KindAccountDeactivated    Kind = "AccountDeactivated"
	KindRoleMismatch          Kind = "RoleMismatch"
	KindInvalidRefreshToken   Kind = "InvalidRefreshToken"
	KindMissingToken          Kind = "MissingToken"
	KindUnauthorized          Kind = "Unauthorized"
	KindUserNotFound          Kind = "UserNotFound"
	KindInvalidOrExpiredToken Kind = "InvalidOrExpiredToken"
	KindDeliveryFailed        Kind = "DeliveryFailed"
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a failure the caller is allowed to see. Anything that is not an
// *Error is internal and must not be shown verbatim.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrRoleMismatch)
// holds for role-specific messages too.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation            = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrDuplicateEmail        = &Error{Kind: KindDuplicateEmail, Message: "user with this email already exists"}
	ErrInvalidCredentials    = &Error{Kind: KindInvalidCredentials, Message: "invalid email or password"}
	ErrAccountLocked         = &Error{Kind: KindAccountLocked, Message: "account is temporarily locked due to too many failed login attempts, please try again later"}
	ErrAccountDeactivated    = &Error{Kind: KindAccountDeactivated, Message: "account is deactivated, please contact support"}
	ErrRoleMismatch          = &Error{Kind: KindRoleMismatch, Message: "access denied for this portal"}
	ErrInvalidRefreshToken   = &Error{Kind: KindInvalidRefreshToken, Message: "invalid refresh token"}
	ErrMissingToken          = &Error{Kind: KindMissingToken, Message: "token is required"}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrUserNotFound          = &Error{Kind: KindUserNotFound, Message: "no user found with this email address"}
	ErrInvalidOrExpiredToken = &Error{Kind: KindInvalidOrExpiredToken, Message: "invalid or expired reset token"}
	ErrDeliveryFailed        = &Error{Kind: KindDeliveryFailed, Message: "email could not be sent, please try again later"}
)

// NewValidationError wraps field-level failures.
func NewValidationError(fields []FieldError) *Error {
	return &Error{Kind: KindValidation, Message: ErrValidation.Message, Fields: fields}
}

func roleMismatch(expected string) *Error {
	return &Error{
		Kind:    KindRoleMismatch,
		Message: "access denied, this account is not registered as " + expected,
	}
}
