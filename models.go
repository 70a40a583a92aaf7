package auth

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the user model
type User struct {
	bun.BaseModel    `bun:"table:users,alias:usr"`
	ID               uuid.UUID                 `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Username         string                    `bun:"username,notnull,unique" json:"username,omitempty"`
	Email            string                    `bun:"email,notnull,unique" json:"email,omitempty"`
	FirstName        string                    `bun:"first_name,notnull" json:"first_name,omitempty"`
	LastName         string                    `bun:"last_name,notnull" json:"last_name,omitempty"`
	Phone            string                    `bun:"phone,nullzero" json:"phone,omitempty"`
	PasswordHash     string                    `bun:"password_hash,notnull" json:"-"`
	Enabled          bool                      `bun:"enabled,notnull" json:"enabled"`
	FullAdmin        bool                      `bun:"full_admin,notnull" json:"full_admin"`
	ActivatedAt      *time.Time                `bun:"activated_at,nullzero" json:"activated_at,omitempty"`
	FailedLoginCount int                       `bun:"failed_login_count,notnull" json:"failed_login_count"`
	LockedUntil      *time.Time                `bun:"locked_until,nullzero" json:"locked_until,omitempty"`
	LastLoginAt      *time.Time                `bun:"last_login_at,nullzero" json:"last_login_at,omitempty"`
	Memberships      []*OrganizationalUnitUser `bun:"rel:has-many,join:id=user_id" json:"memberships,omitempty"`
	CreatedAt        time.Time                 `bun:"created_at,notnull" json:"created_at"`
	CreatedBy        string                    `bun:"created_by,notnull" json:"created_by,omitempty"`
	UpdatedAt        time.Time                 `bun:"updated_at,notnull" json:"updated_at"`
	UpdatedBy        string                    `bun:"updated_by,notnull" json:"updated_by,omitempty"`
}

var _ bun.BeforeAppendModelHook = (*User)(nil)

// BeforeAppendModel stamps the audit columns from the current actor.
func (u *User) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	stampAudit(ctx, query, &u.CreatedAt, &u.CreatedBy, &u.UpdatedAt, &u.UpdatedBy)
	return nil
}

// IsActivated reports whether the account completed activation
func (u *User) IsActivated() bool {
	return u != nil && u.ActivatedAt != nil
}

// IsLocked reports whether a lockout is in effect at the given instant
func (u *User) IsLocked(now time.Time) bool {
	return u != nil && u.LockedUntil != nil && u.LockedUntil.After(now)
}

// UnitRoleMap returns the role held in each organizational unit keyed by unit id
func (u *User) UnitRoleMap() map[string]string {
	if u == nil || len(u.Memberships) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(u.Memberships))
	for _, m := range u.Memberships {
		if m == nil {
			continue
		}
		out[m.OrganizationalUnitID.String()] = string(m.Role)
	}
	return out
}

// OrganizationalUnit is a tenant-like grouping under which users hold roles
type OrganizationalUnit struct {
	bun.BaseModel `bun:"table:organizational_units,alias:ou"`
	ID            uuid.UUID `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Name          string    `bun:"name,notnull,unique" json:"name"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	CreatedBy     string    `bun:"created_by,notnull" json:"created_by,omitempty"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
	UpdatedBy     string    `bun:"updated_by,notnull" json:"updated_by,omitempty"`
}

var _ bun.BeforeAppendModelHook = (*OrganizationalUnit)(nil)

func (o *OrganizationalUnit) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	stampAudit(ctx, query, &o.CreatedAt, &o.CreatedBy, &o.UpdatedAt, &o.UpdatedBy)
	return nil
}

// OrganizationalUnitUser is a membership: one role per (unit, user) pair
type OrganizationalUnitUser struct {
	bun.BaseModel        `bun:"table:organizational_unit_users,alias:ouu"`
	OrganizationalUnitID uuid.UUID           `bun:"organizational_unit_id,pk,type:uuid" json:"organizational_unit_id"`
	UserID               uuid.UUID           `bun:"user_id,pk,type:uuid" json:"user_id"`
	Role                 UnitRole            `bun:"role,notnull" json:"role"`
	OrganizationalUnit   *OrganizationalUnit `bun:"rel:belongs-to,join:organizational_unit_id=id" json:"organizational_unit,omitempty"`
	CreatedAt            time.Time           `bun:"created_at,notnull" json:"created_at"`
	CreatedBy            string              `bun:"created_by,notnull" json:"created_by,omitempty"`
	UpdatedAt            time.Time           `bun:"updated_at,notnull" json:"updated_at"`
	UpdatedBy            string              `bun:"updated_by,notnull" json:"updated_by,omitempty"`
}

var _ bun.BeforeAppendModelHook = (*OrganizationalUnitUser)(nil)

func (m *OrganizationalUnitUser) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	stampAudit(ctx, query, &m.CreatedAt, &m.CreatedBy, &m.UpdatedAt, &m.UpdatedBy)
	return nil
}

// UserTokenType is the purpose a single-use token was issued for
type UserTokenType string

const (
	UserTokenActivateAccount UserTokenType = "activate-account"
	UserTokenResetPassword   UserTokenType = "reset-password"
)

// IsValid checks the type is one of the known purposes
func (t UserTokenType) IsValid() bool {
	switch t {
	case UserTokenActivateAccount, UserTokenResetPassword:
		return true
	default:
		return false
	}
}

// UserToken is a single-use token bound to a user and a purpose
type UserToken struct {
	bun.BaseModel `bun:"table:user_tokens,alias:utk"`
	ID            uuid.UUID     `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Token         string        `bun:"token,notnull,unique" json:"-"`
	UserID        uuid.UUID     `bun:"user_id,notnull,type:uuid" json:"user_id"`
	User          *User         `bun:"rel:belongs-to,join:user_id=id" json:"user,omitempty"`
	Type          UserTokenType `bun:"type,notnull" json:"type"`
	ExpiresAt     time.Time     `bun:"expires_at,notnull" json:"expires_at"`
	CreatedAt     time.Time     `bun:"created_at,notnull" json:"created_at"`
}

// IsExpired reports whether the token is past its expiry at the given instant
func (t *UserToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func sortedRoles(units map[string]string, fullAdmin bool) []string {
	seen := map[string]struct{}{}
	roles := make([]string, 0, len(units)+1)
	for _, role := range units {
		if _, ok := seen[role]; ok || role == "" {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	if fullAdmin {
		roles = append(roles, RoleFullAdmin)
	}
	sort.Strings(roles)
	return roles
}
