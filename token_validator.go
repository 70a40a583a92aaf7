package auth

import (
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// TokenValidator validates tokens and extracts claims without tying callers
// to a specific signing implementation.
type TokenValidator interface {
	Validate(tokenString string) (AuthClaims, error)
}

// TokenValidatorFunc adapts a function into a TokenValidator.
type TokenValidatorFunc func(tokenString string) (AuthClaims, error)

// Validate satisfies the TokenValidator interface.
func (f TokenValidatorFunc) Validate(tokenString string) (AuthClaims, error) {
	if f == nil {
		return nil, ErrTokenMalformed
	}
	return f(tokenString)
}

// MultiTokenValidator tries validators in order until one succeeds.
// It treats malformed and signature errors as "try next" and returns the
// last such error if all validators fail.
type MultiTokenValidator struct {
	validators []TokenValidator
}

// NewMultiTokenValidator filters nil validators and returns a composite validator.
func NewMultiTokenValidator(validators ...TokenValidator) *MultiTokenValidator {
	filtered := make([]TokenValidator, 0, len(validators))
	for _, v := range validators {
		if v != nil {
			filtered = append(filtered, v)
		}
	}
	return &MultiTokenValidator{validators: filtered}
}

// Validate satisfies the TokenValidator interface.
func (m *MultiTokenValidator) Validate(tokenString string) (AuthClaims, error) {
	var lastErr error
	for _, v := range m.validators {
		claims, err := v.Validate(tokenString)
		if err == nil {
			return claims, nil
		}
		if IsMalformedError(err) || goerrors.Is(err, ErrInvalidSignature) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrTokenMalformed
}

// RemoteValidator verifies access tokens against a JWKS endpoint, for
// services that trust this issuer without holding its keys.
type RemoteValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
	logger Logger
}

// NewRemoteValidator fetches the key set at url and keeps it refreshed.
func NewRemoteValidator(url, issuer string, logger Logger) (*RemoteValidator, error) {
	logger = normalizeLogger(logger)
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			logger.Error("failed to do a background refresh of JWT set", "url", url, "error", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to get JWK set").
			WithMetadata(map[string]any{"url": url})
	}
	return newRemoteValidator(jwks, issuer, logger), nil
}

// NewRemoteValidatorFromJSON builds a validator from a static JWK set document.
func NewRemoteValidatorFromJSON(raw []byte, issuer string, logger Logger) (*RemoteValidator, error) {
	jwks, err := keyfunc.NewJSON(raw)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid JWK set")
	}
	return newRemoteValidator(jwks, issuer, logger), nil
}

func newRemoteValidator(jwks *keyfunc.JWKS, issuer string, logger Logger) *RemoteValidator {
	return &RemoteValidator{jwks: jwks, issuer: issuer, logger: normalizeLogger(logger)}
}

// Validate satisfies the TokenValidator interface for access tokens.
func (r *RemoteValidator) Validate(tokenString string) (AuthClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, r.jwks.Keyfunc, opts...)
	if err != nil {
		switch {
		case goerrors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case goerrors.Is(err, jwt.ErrTokenSignatureInvalid), goerrors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, ErrInvalidSignature
		default:
			r.logger.Debug("remote validator rejected token", "error", err)
			return nil, ErrTokenMalformed
		}
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.Type != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// EndBackground stops the JWKS refresh goroutine.
func (r *RemoteValidator) EndBackground() {
	if r.jwks != nil {
		r.jwks.EndBackground()
	}
}
