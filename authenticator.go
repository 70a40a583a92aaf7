package auth

import (
	"context"

	"github.com/goliatone/go-errors"
)

// IdentityProvider resolves identities for login and refresh
type IdentityProvider interface {
	VerifyIdentity(ctx context.Context, username, password string) (Identity, error)
	FindIdentityByUsername(ctx context.Context, username string) (Identity, error)
}

// LoginState is where a login attempt ended up
type LoginState string

const (
	LoginUnauthenticated LoginState = "unauthenticated"
	LoginAuthenticating  LoginState = "authenticating"
	LoginIssued          LoginState = "issued"
	LoginLocked          LoginState = "locked"
	LoginRejected        LoginState = "rejected"
)

// LoginStateFromError classifies the result of a login attempt
func LoginStateFromError(err error) LoginState {
	switch {
	case err == nil:
		return LoginIssued
	case errors.Is(err, ErrAccountLocked):
		return LoginLocked
	default:
		return LoginRejected
	}
}

type Auther struct {
	provider     IdentityProvider
	tokenService TokenService
	logger       Logger
	activitySink ActivitySink
	metrics      *Metrics
}

// NewAuthenticator returns a new Authenticator
func NewAuthenticator(provider IdentityProvider, tokenService TokenService) *Auther {
	return &Auther{
		provider:     provider,
		tokenService: tokenService,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
	}
}

func (s *Auther) WithLogger(logger Logger) *Auther {
	s.logger = normalizeLogger(logger)
	return s
}

// WithActivitySink configures an ActivitySink for emitting auth events.
func (s *Auther) WithActivitySink(sink ActivitySink) *Auther {
	s.activitySink = normalizeActivitySink(sink)
	return s
}

// WithMetrics counts login outcomes.
func (s *Auther) WithMetrics(m *Metrics) *Auther {
	s.metrics = m
	return s
}

// TokenService returns the TokenService instance used by this Authenticator
func (s *Auther) TokenService() TokenService {
	return s.tokenService
}

// Login runs Unauthenticated -> Authenticating -> {Issued | Locked | Rejected}
func (s *Auther) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	identity, err := s.provider.VerifyIdentity(ctx, username, password)
	if err != nil {
		state := LoginStateFromError(err)
		if !errors.Is(err, ErrAccountLocked) && !errors.Is(err, ErrInvalidCredentials) {
			s.logger.Error("Login verify identity error", "error", err)
		}
		s.finishLogin(ctx, state, "", username, err)
		return nil, err
	}

	pair, err := s.tokenService.Issue(ctx, identity)
	if err != nil {
		s.logger.Error("Login failed to issue tokens", "error", err)
		s.finishLogin(ctx, LoginRejected, identity.ID(), username, err)
		return nil, err
	}

	s.finishLogin(ctx, LoginIssued, identity.ID(), username, nil)
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair. The access token may be
// expired up to the refresh skew; both must name the same subject, and the
// user is reloaded so role changes take effect.
func (s *Auther) Refresh(ctx context.Context, refreshToken, accessToken string) (*TokenPair, error) {
	refreshClaims, err := s.tokenService.ValidateRefresh(refreshToken)
	if err != nil {
		s.logger.Debug("Refresh rejected refresh token", "error", err)
		return nil, err
	}

	accessClaims, err := s.tokenService.ValidateAccessWithSkew(accessToken)
	if err != nil {
		s.logger.Debug("Refresh rejected access token", "error", err)
		return nil, err
	}

	if refreshClaims.Subject() != accessClaims.Subject() || refreshClaims.UserID() != accessClaims.UserID() {
		s.logger.Warn("Refresh subject mismatch", "refresh_sub", refreshClaims.Subject(), "access_sub", accessClaims.Subject())
		return nil, ErrSubjectMismatch
	}

	identity, err := s.provider.FindIdentityByUsername(ctx, refreshClaims.Subject())
	if err != nil {
		return nil, err
	}

	if identity.ID() != refreshClaims.UserID() {
		// username now belongs to a different account
		return nil, ErrSubjectMismatch
	}

	pair, err := s.tokenService.Issue(ctx, identity)
	if err != nil {
		return nil, err
	}

	recordActivity(ctx, s.activitySink, s.logger, ActivityEvent{
		EventType: ActivityEventTokenRefreshed,
		Actor:     identity.Username(),
		UserID:    identity.ID(),
	})

	return pair, nil
}

func (s *Auther) finishLogin(ctx context.Context, state LoginState, userID, username string, err error) {
	s.metrics.LoginAttempt(string(state))

	eventType := ActivityEventLoginSuccess
	metadata := map[string]any{"username": username, "state": string(state)}

	switch state {
	case LoginLocked:
		eventType = ActivityEventLoginLocked
	case LoginRejected:
		eventType = ActivityEventLoginFailure
	}

	if err != nil {
		metadata["error"] = err.Error()
	}

	actor := username
	if actor == "" {
		actor = SystemActor
	}

	recordActivity(ctx, s.activitySink, s.logger, ActivityEvent{
		EventType: eventType,
		Actor:     actor,
		UserID:    userID,
		Metadata:  metadata,
	})
}
