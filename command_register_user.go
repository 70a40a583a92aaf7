package auth

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/uptrace/bun"
)

type RegisterUserMessage struct {
	FirstName       string      `json:"first_name"`
	LastName        string      `json:"last_name"`
	Username        string      `json:"username"`
	Email           string      `json:"email"`
	Phone           string      `json:"phone"`
	Password        string      `json:"password"`
	ConfirmPassword string      `json:"confirm_password"`
	UseHashid       bool        `json:"-"`
	OnResponse      func(*User) `json:"-"`
}

func (e RegisterUserMessage) Type() string { return "user.register" }

// Validate will validate the payload
func (e RegisterUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Username, validation.Length(3, 100)),
		validation.Field(&e.Email, validation.Required, validation.Length(6, 100), is.Email),
		validation.Field(&e.Phone, validation.Length(0, 32)),
		validation.Field(&e.Password, validation.Required, validation.Length(8, 100)),
		validation.Field(
			&e.ConfirmPassword,
			validation.Required,
			validation.By(ValidateStringEquals(e.Password)),
		),
	)
}

// RegisterUserHandler creates an enabled, un-activated account and mails an
// activation token
type RegisterUserHandler struct {
	repo        RepositoryManager
	tokens      *UserTokenService
	mailer      Mailer
	hasher      PasswordHasher
	phoneRegion string
	activity    ActivitySink
	logger      Logger
}

func NewRegisterUserHandler(repo RepositoryManager, tokens *UserTokenService, mailer Mailer) *RegisterUserHandler {
	return &RegisterUserHandler{
		repo:        repo,
		tokens:      tokens,
		mailer:      mailer,
		hasher:      NewBcryptHasher(),
		phoneRegion: "US",
		activity:    noopActivitySink{},
		logger:      defLogger{},
	}
}

func (h *RegisterUserHandler) WithPasswordHasher(hasher PasswordHasher) *RegisterUserHandler {
	if hasher != nil {
		h.hasher = hasher
	}
	return h
}

// WithPhoneRegion sets the default country used to parse local phone numbers
func (h *RegisterUserHandler) WithPhoneRegion(region string) *RegisterUserHandler {
	if region != "" {
		h.phoneRegion = region
	}
	return h
}

func (h *RegisterUserHandler) WithActivitySink(sink ActivitySink) *RegisterUserHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

func (h *RegisterUserHandler) WithLogger(logger Logger) *RegisterUserHandler {
	h.logger = normalizeLogger(logger)
	return h
}

func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterUserHandler) execute(ctx context.Context, event RegisterUserMessage) error {
	if err := event.Validate(); err != nil {
		return ValidationError(err)
	}

	phone, err := NormalizePhone(event.Phone, h.phoneRegion)
	if err != nil {
		return goerrors.New("invalid request payload", goerrors.CategoryValidation).
			WithCode(400).
			WithTextCode(TextCodeValidationFailed).
			WithMetadata(map[string]any{"fields": map[string]string{"phone": "must be a valid phone number"}})
	}

	hash, err := h.hasher.HashPassword(event.Password)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return goerrors.Wrap(richErr, goerrors.CategoryValidation, "invalid password provided")
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	user := &User{
		PasswordHash: hash,
		Email:        event.Email,
		Phone:        phone,
		FirstName:    event.FirstName,
		LastName:     event.LastName,
		Username:     getUsername(event.Username, event.Email),
		Enabled:      true,
	}

	if event.UseHashid {
		if id, err := hashid.NewUUID(strings.ToLower(event.Email)); err == nil {
			user.ID = id
		}
	}

	var token *UserToken
	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := h.repo.Users().GetByUsernameTx(ctx, tx, user.Username); err == nil {
			return ErrUserExists.Clone().WithMetadata(map[string]any{"field": "username"})
		}
		if _, err := h.repo.Users().GetByEmailTx(ctx, tx, user.Email); err == nil {
			return ErrUserExists.Clone().WithMetadata(map[string]any{"field": "email"})
		}

		if _, err := h.repo.Users().RegisterTx(ctx, tx, user); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create user")
		}

		var err error
		token, err = h.tokens.IssueTokenTx(ctx, tx, user, UserTokenActivateAccount)
		return err
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return richErr
		}

		return goerrors.Wrap(err, goerrors.CategoryInternal, "user registration transaction failed")
	}

	if err := h.mailer.SendActivation(ctx, user, token); err != nil {
		h.logger.Error("failed to send activation mail", "user_id", user.ID, "error", err)
	}

	recordActivity(ctx, h.activity, h.logger, ActivityEvent{
		EventType: ActivityEventUserRegistered,
		UserID:    user.ID.String(),
		Metadata:  map[string]any{"username": user.Username},
	})

	if event.OnResponse != nil {
		event.OnResponse(user)
	}

	return nil
}

func getUsername(username, email string) string {
	if username != "" {
		return strings.TrimSpace(username)
	}

	if strings.Contains(email, "@") {
		username = strings.Split(email, "@")[0]
	}

	return username
}
