package auth

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	TextCodeAccountLocked       = "ACCOUNT_LOCKED"
	TextCodeAccountDisabled     = "ACCOUNT_DISABLED"
	TextCodeTokenExpired        = "TOKEN_EXPIRED"
	TextCodeTokenNotFound       = "TOKEN_NOT_FOUND"
	TextCodeUserTokenExpired    = "USER_TOKEN_EXPIRED"
	TextCodeTokenMalformed      = "TOKEN_MALFORMED"
	TextCodeInvalidSignature    = "INVALID_SIGNATURE"
	TextCodeTooManyActiveTokens = "TOO_MANY_ACTIVE_TOKENS"
	TextCodePasswordMismatch    = "PASSWORD_MISMATCH"
	TextCodeUnauthenticated     = "UNAUTHENTICATED"
	TextCodeForbidden           = "FORBIDDEN"
	TextCodeTooManyRequests     = "TOO_MANY_REQUESTS"
)

var (
	// ErrInvalidCredentials is returned for unknown users, disabled users and
	// wrong passwords alike.
	ErrInvalidCredentials = goerrors.New("invalid username or password", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeInvalidCredentials)

	ErrAccountLocked = goerrors.New("account is temporarily locked", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeAccountLocked)

	ErrAccountDisabled = goerrors.New("account is disabled", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeAccountDisabled)

	ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized).
			WithTextCode(TextCodeTokenExpired)

	ErrTokenMalformed = goerrors.New("token is malformed", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeTokenMalformed)

	ErrInvalidSignature = goerrors.New("token signature is invalid", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeInvalidSignature)

	// ErrUnauthenticated is the single outcome surfaced to HTTP clients for
	// any token verification failure.
	ErrUnauthenticated = goerrors.New("authentication required", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeUnauthenticated)

	ErrForbidden = goerrors.New("access denied", goerrors.CategoryAuthz).
			WithCode(goerrors.CodeForbidden).
			WithTextCode(TextCodeForbidden)

	ErrTokenNotFound = goerrors.New("token not found", goerrors.CategoryBadInput).
				WithCode(http.StatusBadRequest).
				WithTextCode(TextCodeTokenNotFound)

	ErrUserTokenExpired = goerrors.New("single-use token is expired", goerrors.CategoryBadInput).
				WithCode(http.StatusBadRequest).
				WithTextCode(TextCodeUserTokenExpired)

	ErrTooManyActiveTokens = goerrors.New("too many active tokens for this account", goerrors.CategoryRateLimit).
				WithCode(http.StatusTooManyRequests).
				WithTextCode(TextCodeTooManyActiveTokens)

	ErrPasswordMismatch = goerrors.New("password confirmation does not match", goerrors.CategoryValidation).
				WithCode(http.StatusBadRequest).
				WithTextCode(TextCodePasswordMismatch)

	ErrTooManyRequests = goerrors.New("too many requests", goerrors.CategoryRateLimit).
				WithCode(http.StatusTooManyRequests).
				WithTextCode(TextCodeTooManyRequests)

	ErrNoEmptyString = goerrors.New("password must not be empty", goerrors.CategoryValidation).
				WithCode(http.StatusBadRequest)

	ErrMismatchedHashAndPassword = goerrors.New("password does not match hash", goerrors.CategoryAuth).
					WithCode(goerrors.CodeUnauthorized)
)

// IsTokenExpiredError will check for expired tokens, structured or not
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if goerrors.Is(err, ErrTokenExpired) || goerrors.Is(err, ErrUserTokenExpired) {
		return true
	}
	return strings.Contains(err.Error(), "token is expired")
}

// IsMalformedError will check for error message
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	if goerrors.Is(err, ErrTokenMalformed) {
		return true
	}
	return strings.Contains(err.Error(), "token is malformed") ||
		strings.Contains(err.Error(), "missing or malformed JWT")
}

var (
	ErrWrongTokenType = goerrors.New("token type is not accepted here", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeTokenMalformed)

	ErrSubjectMismatch = goerrors.New("access and refresh token subjects differ", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeUnauthenticated)

	ErrImmutableClaimMutation = goerrors.New("immutable claim mutated", goerrors.CategoryInternal).
					WithCode(goerrors.CodeInternal)
)

var ErrUserExists = goerrors.New("an account with these details already exists", goerrors.CategoryConflict).
	WithCode(http.StatusConflict).
	WithTextCode("USER_EXISTS")

// ErrJobNotFound is returned when triggering a job the scheduler does not know
var ErrJobNotFound = goerrors.New("scheduled job not found", goerrors.CategoryNotFound).
	WithCode(goerrors.CodeNotFound).
	WithTextCode("JOB_NOT_FOUND")
