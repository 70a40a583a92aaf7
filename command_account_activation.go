package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// ActivateAccountMessage redeems an activation token. Password is optional
// and, when given, replaces the one chosen at registration.
type ActivateAccountMessage struct {
	Token           string      `json:"token"`
	Password        string      `json:"password,omitempty"`
	ConfirmPassword string      `json:"confirm_password,omitempty"`
	OnResponse      func(*User) `json:"-"`
}

func (m ActivateAccountMessage) Type() string { return "user.activate" }

// Validate will validate the payload
func (m ActivateAccountMessage) Validate() error {
	confirm := []validation.Rule{validation.By(ValidateStringEquals(m.Password))}
	if m.Password != "" {
		// password is optional, confirmation only when one is set
		confirm = append([]validation.Rule{validation.Required}, confirm...)
	}

	return validation.ValidateStruct(&m,
		validation.Field(&m.Token, validation.Required),
		validation.Field(&m.Password, validation.Length(8, 100)),
		validation.Field(&m.ConfirmPassword, confirm...),
	)
}

type ActivateAccountHandler struct {
	repo     RepositoryManager
	tokens   *UserTokenService
	hasher   PasswordHasher
	activity ActivitySink
	logger   Logger
}

func NewActivateAccountHandler(repo RepositoryManager, tokens *UserTokenService) *ActivateAccountHandler {
	return &ActivateAccountHandler{
		repo:     repo,
		tokens:   tokens,
		hasher:   NewBcryptHasher(),
		activity: noopActivitySink{},
		logger:   defLogger{},
	}
}

func (h *ActivateAccountHandler) WithActivitySink(sink ActivitySink) *ActivateAccountHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

func (h *ActivateAccountHandler) WithLogger(logger Logger) *ActivateAccountHandler {
	h.logger = normalizeLogger(logger)
	return h
}

func (h *ActivateAccountHandler) WithPasswordHasher(hasher PasswordHasher) *ActivateAccountHandler {
	if hasher != nil {
		h.hasher = hasher
	}
	return h
}

func (h *ActivateAccountHandler) Execute(ctx context.Context, event ActivateAccountMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during account activation")
	default:
		return h.execute(ctx, event)
	}
}

func (h *ActivateAccountHandler) execute(ctx context.Context, event ActivateAccountMessage) error {
	if err := event.Validate(); err != nil {
		return ValidationError(err)
	}

	var passwordHash string
	if event.Password != "" {
		var err error
		if passwordHash, err = h.hasher.HashPassword(event.Password); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password provided")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	now := utcNow()
	user, err := h.tokens.Redeem(ctx, event.Token, UserTokenActivateAccount, func(ctx context.Context, tx bun.IDB, user *User) error {
		if err := h.repo.Users().ActivateTx(ctx, tx, user.ID, now); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to activate account")
		}
		if passwordHash != "" {
			if err := h.repo.Users().SetPasswordTx(ctx, tx, user.ID, passwordHash); err != nil {
				return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to set password")
			}
		}
		return nil
	})
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return err
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "account activation failed")
	}

	if user.ActivatedAt == nil {
		user.ActivatedAt = &now
	}

	recordActivity(ctx, h.activity, h.logger, ActivityEvent{
		EventType: ActivityEventUserActivated,
		Actor:     user.Username,
		UserID:    user.ID.String(),
	})

	if event.OnResponse != nil {
		event.OnResponse(user)
	}

	return nil
}
