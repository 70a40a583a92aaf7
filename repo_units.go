package auth

import (
	"context"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// OrganizationalUnits manages units and the memberships granting roles in them
type OrganizationalUnits interface {
	repository.Repository[*OrganizationalUnit]

	GetOrCreateByName(ctx context.Context, name string) (*OrganizationalUnit, error)
	GetOrCreateByNameTx(ctx context.Context, tx bun.IDB, name string) (*OrganizationalUnit, error)

	AssignRole(ctx context.Context, unitID, userID uuid.UUID, role UnitRole) error
	AssignRoleTx(ctx context.Context, tx bun.IDB, unitID, userID uuid.UUID, role UnitRole) error
	RevokeRole(ctx context.Context, unitID, userID uuid.UUID) error
	RevokeRoleTx(ctx context.Context, tx bun.IDB, unitID, userID uuid.UUID) error

	Memberships(ctx context.Context, userID uuid.UUID) ([]*OrganizationalUnitUser, error)
	MembershipsTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*OrganizationalUnitUser, error)
}

type units struct {
	repository.Repository[*OrganizationalUnit]
	db *bun.DB
}

var _ OrganizationalUnits = (*units)(nil)

func NewOrganizationalUnitsRepository(db *bun.DB) OrganizationalUnits {
	handlers := repository.ModelHandlers[*OrganizationalUnit]{
		NewRecord: func() *OrganizationalUnit {
			return &OrganizationalUnit{}
		},
		GetID: func(record *OrganizationalUnit) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *OrganizationalUnit, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "name"
		},
	}
	return &units{
		Repository: repository.NewRepository(db, handlers),
		db:         db,
	}
}

func (u *units) GetOrCreateByName(ctx context.Context, name string) (*OrganizationalUnit, error) {
	return u.GetOrCreateByNameTx(ctx, u.db, name)
}

func (u *units) GetOrCreateByNameTx(ctx context.Context, tx bun.IDB, name string) (*OrganizationalUnit, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, goerrors.New("unit name is required", goerrors.CategoryValidation)
	}

	record := &OrganizationalUnit{}
	err := tx.NewSelect().Model(record).Where("?TableAlias.name = ?", name).Limit(1).Scan(ctx)
	if err == nil {
		return record, nil
	}
	if !repository.IsRecordNotFound(err) {
		return nil, err
	}

	record = &OrganizationalUnit{ID: uuid.New(), Name: name}
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

func (u *units) AssignRole(ctx context.Context, unitID, userID uuid.UUID, role UnitRole) error {
	return u.AssignRoleTx(ctx, u.db, unitID, userID, role)
}

// AssignRoleTx sets the single role userID holds in unitID, replacing any previous one
func (u *units) AssignRoleTx(ctx context.Context, tx bun.IDB, unitID, userID uuid.UUID, role UnitRole) error {
	if !role.IsValid() {
		return goerrors.New("invalid unit role", goerrors.CategoryValidation).
			WithMetadata(map[string]any{"role": string(role)})
	}

	membership := &OrganizationalUnitUser{
		OrganizationalUnitID: unitID,
		UserID:               userID,
		Role:                 role,
	}

	_, err := tx.NewInsert().
		Model(membership).
		On("CONFLICT (organizational_unit_id, user_id) DO UPDATE").
		Set("role = EXCLUDED.role").
		Set("updated_at = EXCLUDED.updated_at").
		Set("updated_by = EXCLUDED.updated_by").
		Exec(ctx)
	return err
}

func (u *units) RevokeRole(ctx context.Context, unitID, userID uuid.UUID) error {
	return u.RevokeRoleTx(ctx, u.db, unitID, userID)
}

func (u *units) RevokeRoleTx(ctx context.Context, tx bun.IDB, unitID, userID uuid.UUID) error {
	_, err := tx.NewDelete().
		TableExpr("organizational_unit_users").
		Where("organizational_unit_id = ?", unitID).
		Where("user_id = ?", userID).
		Exec(ctx)
	return err
}

func (u *units) Memberships(ctx context.Context, userID uuid.UUID) ([]*OrganizationalUnitUser, error) {
	return u.MembershipsTx(ctx, u.db, userID)
}

func (u *units) MembershipsTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*OrganizationalUnitUser, error) {
	var out []*OrganizationalUnitUser
	err := tx.NewSelect().
		Model(&out).
		Relation("OrganizationalUnit").
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.organizational_unit_id ASC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return out, nil
}
