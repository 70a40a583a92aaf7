package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the typ claim
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// AuthClaims represents structured JWT claims
type AuthClaims interface {
	Subject() string
	UserID() string
	TokenType() string
	Roles() []string
	IsFullAdmin() bool
	UnitRoles() map[string]string
	HasRole(role string) bool
	HasUnitRole(unitID string, minRole UnitRole) bool
	Expires() time.Time
	IssuedAt() time.Time
}

// JWTClaims is the concrete implementation of AuthClaims
type JWTClaims struct {
	jwt.RegisteredClaims
	Type      string            `json:"typ"`
	UID       string            `json:"uid,omitempty"`
	RoleList  []string          `json:"roles,omitempty"`
	FullAdmin bool              `json:"fadm,omitempty"`
	Units     map[string]string `json:"units,omitempty"`    // unit id -> role
	Metadata  map[string]any    `json:"metadata,omitempty"` // extension payload
}

// Verify interface compliance
var _ AuthClaims = (*JWTClaims)(nil)

// Subject returns the subject claim, the username
func (c *JWTClaims) Subject() string {
	return c.RegisteredClaims.Subject
}

// UserID returns the user ID
func (c *JWTClaims) UserID() string {
	return c.UID
}

// TokenType returns access or refresh
func (c *JWTClaims) TokenType() string {
	return c.Type
}

func (c *JWTClaims) Roles() []string {
	return c.RoleList
}

func (c *JWTClaims) IsFullAdmin() bool {
	return c.FullAdmin
}

func (c *JWTClaims) UnitRoles() map[string]string {
	return c.Units
}

// HasRole checks the flattened role list
func (c *JWTClaims) HasRole(role string) bool {
	return slices.Contains(c.RoleList, role)
}

// HasUnitRole checks the role held in a given unit. Full admins pass every check.
func (c *JWTClaims) HasUnitRole(unitID string, minRole UnitRole) bool {
	if c.FullAdmin {
		return true
	}
	role, ok := c.Units[unitID]
	if !ok {
		return false
	}
	return UnitRole(role).IsAtLeast(minRole)
}

// ClaimsMetadata exposes metadata extensions for optional context enrichment.
func (c *JWTClaims) ClaimsMetadata() map[string]any {
	return c.Metadata
}

// Expires returns the expiration time
func (c *JWTClaims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// IssuedAt returns the issued at time
func (c *JWTClaims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}
