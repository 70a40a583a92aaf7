package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RequestActivationMessage asks for a fresh activation token
type RequestActivationMessage struct {
	Email string `json:"email"`
}

func (m RequestActivationMessage) Type() string { return "user.activation.request" }

// Validate will validate the payload
func (m RequestActivationMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Email, validation.Required, is.Email),
	)
}

// RequestActivationHandler re-issues activation tokens. Unknown and already
// active accounts succeed silently.
type RequestActivationHandler struct {
	repo   RepositoryManager
	tokens *UserTokenService
	mailer Mailer
	logger Logger
}

func NewRequestActivationHandler(repo RepositoryManager, tokens *UserTokenService, mailer Mailer) *RequestActivationHandler {
	return &RequestActivationHandler{
		repo:   repo,
		tokens: tokens,
		mailer: mailer,
		logger: defLogger{},
	}
}

func (h *RequestActivationHandler) WithLogger(logger Logger) *RequestActivationHandler {
	h.logger = normalizeLogger(logger)
	return h
}

func (h *RequestActivationHandler) Execute(ctx context.Context, event RequestActivationMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during activation request")
	default:
		return h.execute(ctx, event)
	}
}

func (h *RequestActivationHandler) execute(ctx context.Context, event RequestActivationMessage) error {
	if err := event.Validate(); err != nil {
		return ValidationError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var (
		user  *User
		token *UserToken
	)

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = h.repo.Users().GetByEmailTx(ctx, tx, event.Email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return nil
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve user for activation")
		}

		if user.IsActivated() || !user.Enabled {
			return nil
		}

		token, err = h.tokens.IssueTokenTx(ctx, tx, user, UserTokenActivateAccount)
		return err
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to request activation")
	}

	if token != nil {
		if err := h.mailer.SendActivation(ctx, user, token); err != nil {
			h.logger.Error("failed to send activation mail", "user_id", user.ID, "error", err)
		}
	}

	return nil
}
