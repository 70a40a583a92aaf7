package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// TokenPair is handed to clients after login and refresh
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"-"`
}

// TokenService issues and verifies RS256 tokens
type TokenService interface {
	Issue(ctx context.Context, identity Identity) (*TokenPair, error)
	Validate(tokenString string) (AuthClaims, error)
	ValidateRefresh(tokenString string) (AuthClaims, error)
	ValidateAccessWithSkew(tokenString string) (AuthClaims, error)
	SignClaims(claims *JWTClaims) (string, error)
}

// TokenServiceImpl implements the TokenService interface
type TokenServiceImpl struct {
	keys        *KeySet
	keyfunc     jwt.Keyfunc
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	refreshSkew time.Duration
	decorator   ClaimsDecorator
	now         func() time.Time
	logger      Logger
}

var _ TokenService = (*TokenServiceImpl)(nil)

// TokenServiceOption customizes a TokenServiceImpl
type TokenServiceOption func(*TokenServiceImpl)

// WithTokenClock replaces the clock used for iat/exp and validation
func WithTokenClock(now func() time.Time) TokenServiceOption {
	return func(ts *TokenServiceImpl) {
		if now != nil {
			ts.now = now
		}
	}
}

// WithClaimsDecorator registers a decorator run on every access token
func WithClaimsDecorator(d ClaimsDecorator) TokenServiceOption {
	return func(ts *TokenServiceImpl) {
		ts.decorator = normalizeClaimsDecorator(d)
	}
}

// NewTokenService creates a new TokenService instance
func NewTokenService(keys *KeySet, cfg Config, logger Logger, opts ...TokenServiceOption) *TokenServiceImpl {
	ts := &TokenServiceImpl{
		keys:        keys,
		keyfunc:     keys.Keyfunc(),
		issuer:      cfg.GetIssuer(),
		accessTTL:   cfg.GetAccessTokenTTL(),
		refreshTTL:  cfg.GetRefreshTokenTTL(),
		refreshSkew: cfg.GetRefreshSkew(),
		decorator:   noopClaimsDecorator{},
		now:         time.Now,
		logger:      normalizeLogger(logger),
	}

	if ts.refreshSkew <= 0 {
		ts.refreshSkew = ts.refreshTTL
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}

	return ts
}

// Issue signs a fresh access and refresh token for identity
func (ts *TokenServiceImpl) Issue(ctx context.Context, identity Identity) (*TokenPair, error) {
	if identity == nil {
		return nil, errors.New("identity is required", errors.CategoryBadInput)
	}

	now := ts.now().UTC()
	units := identity.UnitRoles()
	if units == nil {
		units = map[string]string{}
	}

	access := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   identity.Username(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
			ID:        uuid.NewString(),
		},
		Type:      TokenTypeAccess,
		UID:       identity.ID(),
		RoleList:  sortedRoles(units, identity.IsFullAdmin()),
		FullAdmin: identity.IsFullAdmin(),
		Units:     units,
	}

	snap := captureImmutableClaims(access)
	if err := ts.decorator.Decorate(ctx, identity, access); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "claims decorator failed")
	}
	if err := snap.validate(access); err != nil {
		return nil, err
	}

	refresh := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   identity.Username(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.refreshTTL)),
			ID:        uuid.NewString(),
		},
		Type: TokenTypeRefresh,
		UID:  identity.ID(),
	}

	accessToken, err := ts.SignClaims(access)
	if err != nil {
		return nil, err
	}

	refreshToken, err := ts.SignClaims(refresh)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		ExpiresAt:    access.Expires(),
	}, nil
}

// SignClaims signs claims with the active key and stamps its kid.
func (ts *TokenServiceImpl) SignClaims(claims *JWTClaims) (string, error) {
	if claims == nil {
		return "", errors.New("claims must not be nil", errors.CategoryInternal)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ts.keys.KID()

	signedString, err := token.SignedString(ts.keys.SigningKey())
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to sign JWT")
	}

	return signedString, nil
}

// Validate verifies an access token
func (ts *TokenServiceImpl) Validate(tokenString string) (AuthClaims, error) {
	return ts.parse(tokenString, TokenTypeAccess, 0)
}

// ValidateRefresh verifies a refresh token
func (ts *TokenServiceImpl) ValidateRefresh(tokenString string) (AuthClaims, error) {
	return ts.parse(tokenString, TokenTypeRefresh, 0)
}

// ValidateAccessWithSkew verifies an access token that may have expired no
// longer than the refresh skew ago. Only the refresh endpoint uses it.
func (ts *TokenServiceImpl) ValidateAccessWithSkew(tokenString string) (AuthClaims, error) {
	return ts.parse(tokenString, TokenTypeAccess, ts.refreshSkew)
}

func (ts *TokenServiceImpl) parse(tokenString, typ string, leeway time.Duration) (*JWTClaims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.now),
	}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if leeway > 0 {
		parserOptions = append(parserOptions, jwt.WithLeeway(leeway))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, ts.keyfunc, parserOptions...)
	if err != nil {
		return nil, ts.mapParseError(err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		ts.logger.Error("TokenService validate could not decode or validate claims")
		return nil, ErrTokenMalformed
	}

	if claims.Type != typ {
		ts.logger.Debug("TokenService rejected token type", "want", typ, "got", claims.Type)
		return nil, ErrWrongTokenType
	}

	if claims.Subject() == "" || claims.UID == "" {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

func (ts *TokenServiceImpl) mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		ts.logger.Debug("TokenService signature check failed", "error", err)
		return ErrInvalidSignature
	default:
		return errors.Wrap(err, ErrTokenMalformed.Category, ErrTokenMalformed.Message).
			WithCode(ErrTokenMalformed.Code).
			WithTextCode(ErrTokenMalformed.TextCode)
	}
}
