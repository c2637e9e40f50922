package emailauth

import "errors"

// Error kinds. Errors returned by Authenticator methods that are caused by
// the caller (as opposed to store or template failures) are of type *Error
// and wrap one of these, so they can be tested with errors.Is.
var (
	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned if an email address is already claimed by a
	// user, a pending login or a pending email change.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned if no pending token or user matches.
	ErrNotFound = errors.New("not found")

	// ErrAuthentication is returned for mismatching secrets and for missing,
	// invalid or revoked bearer tokens.
	ErrAuthentication = errors.New("authentication failed")

	// ErrSessionExpired is returned for bearer tokens past their expiry.
	ErrSessionExpired = errors.New("session expired")

	// ErrTransport is returned if an email could not be sent.
	// The underlying error is logged, never returned.
	ErrTransport = errors.New("email transport failed")
)

// Error is a user-facing error.
// Message never contains secrets or hashes.
type Error struct {
	// Kind is one of the Err* kinds.
	Kind error

	// Message is safe to show to the user.
	Message string

	// Field is the name of the offending input field, if any.
	Field string
}

// Error implements error.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns e.Kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

const (
	msgNotLoggedIn    = "You are not logged in."
	msgInvalidAuth    = "The authentication provided is invalid."
	msgUnavailable    = "This email address is temporarily unavailable. Try again later."
	msgTaken          = "This email address is taken."
	msgChangeFailed   = "Email Change Unsuccessful."
	msgSessionExpired = "Your login has expired. Please log in again."
	msgSendFailed     = "Failed to send email. Try again later."
)

var (
	errNotLoggedIn    = &Error{Kind: ErrAuthentication, Message: msgNotLoggedIn}
	errSessionExpired = &Error{Kind: ErrSessionExpired, Message: msgSessionExpired}
	errInvalidAuth    = &Error{Kind: ErrAuthentication, Message: msgInvalidAuth}
	errUnavailable    = &Error{Kind: ErrConflict, Message: msgUnavailable, Field: "emailAddress"}
	errTaken          = &Error{Kind: ErrConflict, Message: msgTaken, Field: "emailAddress"}
	errSendFailed     = &Error{Kind: ErrTransport, Message: msgSendFailed}
)
