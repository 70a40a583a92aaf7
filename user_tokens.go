package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TokenValueBytes is the entropy of a single-use token value
const TokenValueBytes = 32

// RedeemFunc runs inside the redemption transaction once the token row is gone
type RedeemFunc func(ctx context.Context, tx bun.IDB, user *User) error

// UserTokenService issues and redeems activation and password reset tokens
type UserTokenService struct {
	repo           RepositoryManager
	activationTTL  time.Duration
	resetTTL       time.Duration
	maxActiveReset int
	now            func() time.Time
	metrics        *Metrics
	logger         Logger
}

// UserTokenServiceOption customizes the service
type UserTokenServiceOption func(*UserTokenService)

// WithUserTokenClock replaces the clock used for expiry decisions
func WithUserTokenClock(now func() time.Time) UserTokenServiceOption {
	return func(s *UserTokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithUserTokenMetrics records issue and redeem outcomes
func WithUserTokenMetrics(m *Metrics) UserTokenServiceOption {
	return func(s *UserTokenService) {
		s.metrics = m
	}
}

func NewUserTokenService(repo RepositoryManager, cfg Config, logger Logger, opts ...UserTokenServiceOption) *UserTokenService {
	s := &UserTokenService{
		repo:           repo,
		activationTTL:  cfg.GetActivationTokenTTL(),
		resetTTL:       cfg.GetResetTokenTTL(),
		maxActiveReset: cfg.GetMaxActiveResetTokens(),
		now:            time.Now,
		logger:         normalizeLogger(logger),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// GenerateTokenValue returns 256 random bits, base64url encoded without padding
func GenerateTokenValue() (string, error) {
	buf := make([]byte, TokenValueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read random bytes")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *UserTokenService) ttl(typ UserTokenType) time.Duration {
	if typ == UserTokenResetPassword {
		return s.resetTTL
	}
	return s.activationTTL
}

// IssueToken creates a token of typ for user in its own transaction
func (s *UserTokenService) IssueToken(ctx context.Context, user *User, typ UserTokenType) (*UserToken, error) {
	var token *UserToken
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		token, err = s.IssueTokenTx(ctx, tx, user, typ)
		return err
	})
	return token, err
}

// IssueTokenTx creates a token inside tx. Reset tokens are capped per user.
func (s *UserTokenService) IssueTokenTx(ctx context.Context, tx bun.IDB, user *User, typ UserTokenType) (*UserToken, error) {
	if user == nil || user.ID == uuid.Nil {
		return nil, goerrors.New("user is required", goerrors.CategoryBadInput)
	}
	if !typ.IsValid() {
		return nil, goerrors.New("unknown token type", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"type": string(typ)})
	}

	now := s.now().UTC()

	if typ == UserTokenResetPassword && s.maxActiveReset > 0 {
		active, err := s.repo.UserTokens().CountActiveTx(ctx, tx, user.ID, typ, now)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to count active tokens")
		}
		if active >= s.maxActiveReset {
			s.logger.Warn("reset token cap reached", "user_id", user.ID, "active", active)
			s.metrics.TokenIssued(typ, "capped")
			return nil, ErrTooManyActiveTokens
		}
	}

	value, err := GenerateTokenValue()
	if err != nil {
		return nil, err
	}

	token := &UserToken{
		Token:     value,
		UserID:    user.ID,
		Type:      typ,
		ExpiresAt: now.Add(s.ttl(typ)),
		CreatedAt: now,
	}

	if _, err := s.repo.UserTokens().InsertTx(ctx, tx, token); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store token")
	}

	token.User = user
	s.metrics.TokenIssued(typ, "ok")
	s.logger.Debug("user token issued", "user_id", user.ID, "type", typ, "expires_at", token.ExpiresAt)
	return token, nil
}

// Redeem consumes a token. onRedeemed runs in the same transaction, so its
// failure puts the token back. An expired token is deleted and reported as
// expired; a token already gone, including one removed by the sweep, is
// reported as not found.
func (s *UserTokenService) Redeem(ctx context.Context, value string, typ UserTokenType, onRedeemed RedeemFunc) (*User, error) {
	var (
		user      *User
		expiredID uuid.UUID
	)

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, expiredID, err = s.redeemTx(ctx, tx, value, typ)
		if err != nil {
			return err
		}
		if onRedeemed != nil {
			return onRedeemed(ctx, tx, user)
		}
		return nil
	})

	if expiredID != uuid.Nil {
		if _, derr := s.repo.UserTokens().DeleteByID(ctx, expiredID); derr != nil {
			s.logger.Error("failed to delete expired token", "error", derr)
		}
	}

	if err != nil {
		s.metrics.TokenRedeemed(typ, redeemOutcome(err))
		return nil, err
	}

	s.metrics.TokenRedeemed(typ, "ok")
	return user, nil
}

func (s *UserTokenService) redeemTx(ctx context.Context, tx bun.IDB, value string, typ UserTokenType) (*User, uuid.UUID, error) {
	if value == "" {
		return nil, uuid.Nil, ErrTokenNotFound
	}

	record, err := s.repo.UserTokens().FindByValueTx(ctx, tx, value, typ)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, uuid.Nil, ErrTokenNotFound
		}
		return nil, uuid.Nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load token")
	}

	if record.IsExpired(s.now().UTC()) {
		return nil, record.ID, ErrUserTokenExpired
	}

	affected, err := s.repo.UserTokens().DeleteByIDTx(ctx, tx, record.ID)
	if err != nil {
		return nil, uuid.Nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to consume token")
	}

	// another redeemer or the sweep got there first
	if affected != 1 {
		return nil, uuid.Nil, ErrTokenNotFound
	}

	if record.User == nil {
		return nil, uuid.Nil, ErrTokenNotFound
	}

	return record.User, uuid.Nil, nil
}

// SweepExpired deletes every token past expiry
func (s *UserTokenService) SweepExpired(ctx context.Context) (int64, error) {
	deleted, err := s.repo.UserTokens().DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sweep expired tokens")
	}
	if deleted > 0 {
		s.logger.Info("expired user tokens swept", "deleted", deleted)
	}
	return deleted, nil
}

func redeemOutcome(err error) string {
	switch {
	case goerrors.Is(err, ErrUserTokenExpired):
		return "expired"
	case goerrors.Is(err, ErrTokenNotFound):
		return "not_found"
	default:
		return "error"
	}
}
