package auth

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TrackFailedLoginSQL increments the counter and, when it reaches the
// threshold, sets the lockout and restarts the count. SET expressions see the
// pre-update row on both sqlite and postgres, so a returned count of zero
// means this attempt locked the account.
var TrackFailedLoginSQL = `UPDATE "users"
SET
	"failed_login_count" = CASE WHEN "failed_login_count" + 1 >= ? THEN 0 ELSE "failed_login_count" + 1 END,
	"locked_until" = CASE WHEN "failed_login_count" + 1 >= ? THEN ? ELSE "locked_until" END,
	"updated_at" = ?,
	"updated_by" = ?
WHERE
	"id" = ?
RETURNING "failed_login_count";`

// TrackSuccessfulLoginSQL clears the lockout state and stamps the login time.
var TrackSuccessfulLoginSQL = `UPDATE "users"
SET
	"failed_login_count" = 0,
	"locked_until" = NULL,
	"last_login_at" = ?,
	"updated_at" = ?,
	"updated_by" = ?
WHERE
	"id" = ?;`

type Users interface {
	repository.Repository[*User]

	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByUsernameTx(ctx context.Context, tx bun.IDB, username string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	GetByUUID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUUIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error)

	Register(ctx context.Context, user *User) (*User, error)
	RegisterTx(ctx context.Context, tx bun.IDB, user *User) (*User, error)

	TrackFailedLogin(ctx context.Context, user *User, threshold int, lockout time.Duration, now time.Time) (bool, error)
	TrackFailedLoginTx(ctx context.Context, tx bun.IDB, user *User, threshold int, lockout time.Duration, now time.Time) (bool, error)
	TrackSuccessfulLogin(ctx context.Context, user *User, now time.Time) error
	TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, user *User, now time.Time) error

	SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
	Activate(ctx context.Context, id uuid.UUID, at time.Time) error
	ActivateTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error

	DeleteStaleUnactivated(ctx context.Context, createdBefore time.Time) (int64, error)
	DeleteStaleUnactivatedTx(ctx context.Context, tx bun.IDB, createdBefore time.Time) (int64, error)
}

type users struct {
	repository.Repository[*User]
	db *bun.DB
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "username"
		},
	})

	return &users{
		Repository: repo,
		db:         db,
	}
}

func (a *users) GetByUsername(ctx context.Context, username string) (*User, error) {
	return a.GetByUsernameTx(ctx, a.db, username)
}

// GetByUsernameTx matches case-insensitively and loads memberships
func (a *users) GetByUsernameTx(ctx context.Context, tx bun.IDB, username string) (*User, error) {
	return a.getOneTx(ctx, tx, "lower(?TableAlias.username) = ?", strings.ToLower(strings.TrimSpace(username)))
}

func (a *users) GetByEmail(ctx context.Context, email string) (*User, error) {
	return a.GetByEmailTx(ctx, a.db, email)
}

func (a *users) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	return a.getOneTx(ctx, tx, "lower(?TableAlias.email) = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (a *users) GetByUUID(ctx context.Context, id uuid.UUID) (*User, error) {
	return a.GetByUUIDTx(ctx, a.db, id)
}

func (a *users) GetByUUIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	return a.getOneTx(ctx, tx, "?TableAlias.id = ?", id)
}

func (a *users) getOneTx(ctx context.Context, tx bun.IDB, where string, value any) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Relation("Memberships").
		Where(where, value).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"identifier": value,
				})
		}
		return nil, err
	}

	return record, nil
}

func (a *users) Register(ctx context.Context, user *User) (*User, error) {
	return a.RegisterTx(ctx, a.db, user)
}

func (a *users) RegisterTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	prepareUserDefaults(user)
	if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
		return nil, err
	}
	return user, nil
}

func (a *users) TrackFailedLogin(ctx context.Context, user *User, threshold int, lockout time.Duration, now time.Time) (bool, error) {
	return a.TrackFailedLoginTx(ctx, a.db, user, threshold, lockout, now)
}

// TrackFailedLoginTx returns true when this failure triggered a lockout
func (a *users) TrackFailedLoginTx(ctx context.Context, tx bun.IDB, user *User, threshold int, lockout time.Duration, now time.Time) (bool, error) {
	now = now.UTC()
	lockedUntil := now.Add(lockout)

	var count int
	err := tx.NewRaw(TrackFailedLoginSQL,
		threshold, threshold, lockedUntil,
		now, ActorFromContext(ctx),
		user.ID,
	).Scan(ctx, &count)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return false, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"id": user.ID.String(),
				})
		}
		return false, err
	}

	locked := count == 0
	user.FailedLoginCount = count
	if locked {
		user.LockedUntil = &lockedUntil
	}

	return locked, nil
}

func (a *users) TrackSuccessfulLogin(ctx context.Context, user *User, now time.Time) error {
	return a.TrackSuccessfulLoginTx(ctx, a.db, user, now)
}

func (a *users) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, user *User, now time.Time) error {
	now = now.UTC()
	_, err := tx.NewRaw(TrackSuccessfulLoginSQL, now, now, ActorFromContext(ctx), user.ID).Exec(ctx)
	if err != nil {
		return err
	}

	user.FailedLoginCount = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	return nil
}

func (a *users) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return a.SetPasswordTx(ctx, a.db, id, passwordHash)
}

// SetPasswordTx stores a new hash and clears any lockout
func (a *users) SetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	q := tx.NewUpdate().
		TableExpr("users").
		Set("password_hash = ?", passwordHash).
		Set("failed_login_count = 0").
		Set("locked_until = NULL").
		Where("id = ?", id)

	res, err := auditSet(ctx, q).Exec(ctx)
	return requireAffected(res, err, id)
}

func (a *users) Activate(ctx context.Context, id uuid.UUID, at time.Time) error {
	return a.ActivateTx(ctx, a.db, id, at)
}

// ActivateTx sets activated_at unless the account is already active
func (a *users) ActivateTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	q := tx.NewUpdate().
		TableExpr("users").
		Set("activated_at = COALESCE(activated_at, ?)", at.UTC()).
		Where("id = ?", id)

	res, err := auditSet(ctx, q).Exec(ctx)
	return requireAffected(res, err, id)
}

func (a *users) DeleteStaleUnactivated(ctx context.Context, createdBefore time.Time) (int64, error) {
	var deleted int64
	err := a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		deleted, err = a.DeleteStaleUnactivatedTx(ctx, tx, createdBefore)
		return err
	})
	return deleted, err
}

// DeleteStaleUnactivatedTx removes accounts never activated and created
// before the cutoff, with their tokens and memberships.
func (a *users) DeleteStaleUnactivatedTx(ctx context.Context, tx bun.IDB, createdBefore time.Time) (int64, error) {
	stale := tx.NewSelect().
		TableExpr("users").
		Column("id").
		Where("activated_at IS NULL").
		Where("created_at < ?", createdBefore.UTC())

	if _, err := tx.NewDelete().
		TableExpr("user_tokens").
		Where("user_id IN (?)", stale).
		Exec(ctx); err != nil {
		return 0, err
	}

	if _, err := tx.NewDelete().
		TableExpr("organizational_unit_users").
		Where("user_id IN (?)", stale).
		Exec(ctx); err != nil {
		return 0, err
	}

	res, err := tx.NewDelete().
		TableExpr("users").
		Where("activated_at IS NULL").
		Where("created_at < ?", createdBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func prepareUserDefaults(record *User) {
	if record == nil {
		return
	}

	record.Username = strings.TrimSpace(record.Username)
	record.Email = strings.ToLower(strings.TrimSpace(record.Email))

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
}

func requireAffected(res sql.Result, err error, id uuid.UUID) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}
	return nil
}
