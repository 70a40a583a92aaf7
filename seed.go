package auth

import (
	"context"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/uptrace/bun"
)

// SeedAdmin describes the bootstrap account created on an empty database
type SeedAdmin struct {
	Username  string `yaml:"username" json:"username"`
	Email     string `yaml:"email" json:"email"`
	Password  string `yaml:"password" json:"-"`
	FirstName string `yaml:"first_name" json:"first_name"`
	LastName  string `yaml:"last_name" json:"last_name"`
	UnitName  string `yaml:"unit" json:"unit"`
}

// DefaultSeedAdmin is the development admin, admin/secret
func DefaultSeedAdmin() SeedAdmin {
	return SeedAdmin{
		Username:  "admin",
		Email:     "admin@taskhub.local",
		Password:  "secret",
		FirstName: "Admin",
		LastName:  "Admin",
		UnitName:  "default",
	}
}

// Seed creates the admin account when no user with that username exists.
// The account is enabled, activated, a full admin and holds the admin role
// in the seed unit. Returns the user and whether it was created.
func Seed(ctx context.Context, repo RepositoryManager, hasher PasswordHasher, admin SeedAdmin) (*User, bool, error) {
	if hasher == nil {
		hasher = NewBcryptHasher()
	}
	if admin.Username == "" || admin.Password == "" {
		return nil, false, goerrors.New("seed admin requires username and password", goerrors.CategoryValidation)
	}

	ctx = WithActor(ctx, SystemActor)

	var (
		user    *User
		created bool
	)

	err := repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := repo.Users().GetByUsernameTx(ctx, tx, admin.Username)
		if err == nil {
			user = existing
			return nil
		}
		if !repository.IsRecordNotFound(err) {
			return err
		}

		hash, err := hasher.HashPassword(admin.Password)
		if err != nil {
			return err
		}

		now := utcNow()
		record := &User{
			Username:     admin.Username,
			Email:        admin.Email,
			FirstName:    admin.FirstName,
			LastName:     admin.LastName,
			PasswordHash: hash,
			Enabled:      true,
			FullAdmin:    true,
			ActivatedAt:  &now,
		}

		// stable id so fixtures and tokens survive a reseed
		if id, err := hashid.NewUUID(strings.ToLower(admin.Email)); err == nil {
			record.ID = id
		}

		user, err = repo.Users().RegisterTx(ctx, tx, record)
		if err != nil {
			return err
		}
		created = true

		if admin.UnitName == "" {
			return nil
		}

		unit, err := repo.OrganizationalUnits().GetOrCreateByNameTx(ctx, tx, admin.UnitName)
		if err != nil {
			return err
		}
		return repo.OrganizationalUnits().AssignRoleTx(ctx, tx, unit.ID, user.ID, UnitRoleAdmin)
	})
	if err != nil {
		return nil, false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to seed admin account")
	}

	return user, created, nil
}
