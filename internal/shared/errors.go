package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateUsername is returned when the username is already registered.
	ErrDuplicateUsername = errors.New("username already taken")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountNotActive indicates the account exists but has not completed email verification.
	ErrAccountNotActive = errors.New("account not active")
	// ErrInvalidToken indicates an unknown, already used or wrong-purpose token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates the token was found but its expiry has passed.
	ErrExpiredToken = errors.New("expired token")
	// ErrForbidden indicates the actor lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated indicates a missing, unknown or expired session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrEmailDeliveryFailed is logged when an email could not be queued or sent. It never reaches clients.
	ErrEmailDeliveryFailed = errors.New("email delivery failed")
	// ErrStoreUnavailable wraps credential store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// IsTokenError reports whether err is one of the token failures that share a user-facing message.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken)
}

// UserSafeMessage returns a message that can be shown to end users without leaking account state.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateUsername):
		return "username is already taken"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid username or password"
	case errors.Is(err, ErrAccountNotActive):
		return "account not verified, check your email"
	case IsTokenError(err):
		return "link is invalid or expired"
	case errors.Is(err, ErrUnauthenticated):
		return "authentication required"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrCSRFTokenMissing), errors.Is(err, ErrCSRFTokenMismatch):
		return "csrf token missing or invalid"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrValidation):
		return err.Error()
	default:
		return "internal error"
	}
}
