package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
)

// UserTracker is a store we can use to retrieve users and track login attempts
type UserTracker interface {
	GetByUsername(ctx context.Context, username string) (*User, error)
	TrackFailedLogin(ctx context.Context, user *User, threshold int, lockout time.Duration, now time.Time) (bool, error)
	TrackSuccessfulLogin(ctx context.Context, user *User, now time.Time) error
}

// UserProvider checks credentials against the credential store and applies
// the lockout policy
type UserProvider struct {
	store           UserTracker
	hasher          PasswordHasher
	maxFailedLogins int
	lockout         time.Duration
	now             func() time.Time
	logger          Logger
}

// NewUserProvider will create a new UserProvider
func NewUserProvider(store UserTracker, cfg Config) *UserProvider {
	return &UserProvider{
		store:           store,
		hasher:          NewBcryptHasher(),
		maxFailedLogins: cfg.GetMaxFailedLogins(),
		lockout:         cfg.GetLockoutDuration(),
		now:             time.Now,
		logger:          defLogger{},
	}
}

func (u *UserProvider) WithLogger(l Logger) *UserProvider {
	u.logger = normalizeLogger(l)
	return u
}

func (u *UserProvider) WithPasswordHasher(h PasswordHasher) *UserProvider {
	if h != nil {
		u.hasher = h
	}
	return u
}

func (u *UserProvider) WithClock(now func() time.Time) *UserProvider {
	if now != nil {
		u.now = now
	}
	return u
}

// VerifyIdentity finds the user, enforces lockout, compares the password and
// returns the identity. Unknown, disabled and un-activated accounts all
// yield ErrInvalidCredentials.
func (u UserProvider) VerifyIdentity(ctx context.Context, username, password string) (Identity, error) {
	user, err := u.store.GetByUsername(ctx, username)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			// burn a comparison so unknown users cost the same as known ones
			_ = u.hasher.ComparePasswordAndHash(password, dummyPasswordHash)
			return nil, ErrInvalidCredentials
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to retrieve user during verification")
	}

	if err := ensureAuthenticatableUser(user); err != nil {
		u.logger.Debug("login rejected for inactive account", "user_id", user.ID, "error", err)
		return nil, ErrInvalidCredentials
	}

	now := u.now().UTC()
	if user.IsLocked(now) {
		return nil, ErrAccountLocked
	}

	if err := u.hasher.ComparePasswordAndHash(password, user.PasswordHash); err != nil {
		locked, err2 := u.store.TrackFailedLogin(ctx, user, u.maxFailedLogins, u.lockout, now)
		if err2 != nil {
			return nil, errors.Wrap(err2, errors.CategoryInternal, "failed to track login attempt")
		}

		if locked {
			u.logger.Warn("account locked after repeated failures", "user_id", user.ID, "locked_until", user.LockedUntil)
			return nil, ErrAccountLocked
		}

		return nil, ErrInvalidCredentials
	}

	if err := u.store.TrackSuccessfulLogin(ctx, user, now); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to track successful login")
	}

	return NewIdentityFromUser(user), nil
}

// FindIdentityByUsername reloads a user for token refresh. The account must
// still be enabled, activated and not locked.
func (u UserProvider) FindIdentityByUsername(ctx context.Context, username string) (Identity, error) {
	user, err := u.store.GetByUsername(ctx, username)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrUnauthenticated
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to retrieve user")
	}

	if err := ensureAuthenticatableUser(user); err != nil {
		return nil, err
	}

	if user.IsLocked(u.now().UTC()) {
		return nil, ErrAccountLocked
	}

	return NewIdentityFromUser(user), nil
}

func ensureAuthenticatableUser(user *User) error {
	if user == nil {
		return ErrUnauthenticated
	}

	if !user.Enabled {
		return ErrAccountDisabled
	}

	if !user.IsActivated() {
		return ErrAccountDisabled
	}

	return nil
}

// bcrypt hash of a random string, used to equalize timing for unknown users
const dummyPasswordHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3pV2l8Gk0zVfD9LbJ1uFqGm"
