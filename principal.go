package auth

import "maps"

// Principal is the authenticated caller derived from a verified access token
type Principal struct {
	UserID    string            `json:"id"`
	Username  string            `json:"username"`
	FullAdmin bool              `json:"full_admin"`
	Roles     []string          `json:"roles"`
	Units     map[string]string `json:"units"`
}

// PrincipalFromClaims maps verified claims to a Principal
func PrincipalFromClaims(claims AuthClaims) *Principal {
	if claims == nil {
		return nil
	}
	units := maps.Clone(claims.UnitRoles())
	if units == nil {
		units = map[string]string{}
	}
	roles := append([]string{}, claims.Roles()...)
	return &Principal{
		UserID:    claims.UserID(),
		Username:  claims.Subject(),
		FullAdmin: claims.IsFullAdmin(),
		Roles:     roles,
		Units:     units,
	}
}

// IsFullAdmin is nil safe
func (p *Principal) IsFullAdmin() bool {
	return p != nil && p.FullAdmin
}

// HasUnitRole reports whether the principal holds at least minRole in unitID
func (p *Principal) HasUnitRole(unitID string, minRole UnitRole) bool {
	if p == nil {
		return false
	}
	if p.FullAdmin {
		return true
	}
	role, ok := p.Units[unitID]
	return ok && UnitRole(role).IsAtLeast(minRole)
}
