package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserTokens is the data access for single-use tokens. Every query is
// explicit so redemption semantics stay visible here.
type UserTokens interface {
	repository.Repository[*UserToken]

	Insert(ctx context.Context, token *UserToken) (*UserToken, error)
	InsertTx(ctx context.Context, tx bun.IDB, token *UserToken) (*UserToken, error)

	// FindByValueTx selects by token value and type, loading the owner
	FindByValue(ctx context.Context, value string, typ UserTokenType) (*UserToken, error)
	FindByValueTx(ctx context.Context, tx bun.IDB, value string, typ UserTokenType) (*UserToken, error)

	// DeleteByIDTx issues DELETE ... WHERE id = ? and returns the affected row count
	DeleteByID(ctx context.Context, id uuid.UUID) (int64, error)
	DeleteByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (int64, error)

	// CountActiveTx counts tokens of typ for user whose expiry is after now
	CountActive(ctx context.Context, userID uuid.UUID, typ UserTokenType, now time.Time) (int, error)
	CountActiveTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, typ UserTokenType, now time.Time) (int, error)

	// DeleteExpiredTx removes every token with expires_at <= now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredTx(ctx context.Context, tx bun.IDB, now time.Time) (int64, error)
}

type userTokens struct {
	repository.Repository[*UserToken]
	db *bun.DB
}

var _ UserTokens = (*userTokens)(nil)

func NewUserTokensRepository(db *bun.DB) UserTokens {
	handlers := repository.ModelHandlers[*UserToken]{
		NewRecord: func() *UserToken {
			return &UserToken{}
		},
		GetID: func(record *UserToken) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *UserToken, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "token"
		},
	}
	return &userTokens{
		Repository: repository.NewRepository(db, handlers),
		db:         db,
	}
}

func (r *userTokens) Insert(ctx context.Context, token *UserToken) (*UserToken, error) {
	return r.InsertTx(ctx, r.db, token)
}

func (r *userTokens) InsertTx(ctx context.Context, tx bun.IDB, token *UserToken) (*UserToken, error) {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = utcNow()
	}
	token.ExpiresAt = token.ExpiresAt.UTC()

	if _, err := tx.NewInsert().Model(token).Exec(ctx); err != nil {
		return nil, err
	}
	return token, nil
}

func (r *userTokens) FindByValue(ctx context.Context, value string, typ UserTokenType) (*UserToken, error) {
	return r.FindByValueTx(ctx, r.db, value, typ)
}

func (r *userTokens) FindByValueTx(ctx context.Context, tx bun.IDB, value string, typ UserTokenType) (*UserToken, error) {
	record := &UserToken{}
	err := tx.NewSelect().
		Model(record).
		Relation("User").
		Where("?TableAlias.token = ?", value).
		Where("?TableAlias.type = ?", typ).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"type": string(typ),
				})
		}
		return nil, err
	}
	return record, nil
}

func (r *userTokens) DeleteByID(ctx context.Context, id uuid.UUID) (int64, error) {
	return r.DeleteByIDTx(ctx, r.db, id)
}

func (r *userTokens) DeleteByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (int64, error) {
	res, err := tx.NewDelete().
		TableExpr("user_tokens").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *userTokens) CountActive(ctx context.Context, userID uuid.UUID, typ UserTokenType, now time.Time) (int, error) {
	return r.CountActiveTx(ctx, r.db, userID, typ, now)
}

func (r *userTokens) CountActiveTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, typ UserTokenType, now time.Time) (int, error) {
	return tx.NewSelect().
		Model((*UserToken)(nil)).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.type = ?", typ).
		Where("?TableAlias.expires_at > ?", now.UTC()).
		Count(ctx)
}

func (r *userTokens) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.DeleteExpiredTx(ctx, r.db, now)
}

func (r *userTokens) DeleteExpiredTx(ctx context.Context, tx bun.IDB, now time.Time) (int64, error) {
	res, err := tx.NewDelete().
		TableExpr("user_tokens").
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
