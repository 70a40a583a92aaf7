package auth

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type immutableClaimsSnapshot struct {
	subject   string
	issuer    string
	id        string
	uid       string
	typ       string
	roles     []string
	fullAdmin bool
	units     map[string]string
	issuedAt  time.Time
	expiresAt time.Time
}

func captureImmutableClaims(claims *JWTClaims) immutableClaimsSnapshot {
	snap := immutableClaimsSnapshot{
		subject:   claims.RegisteredClaims.Subject,
		issuer:    claims.RegisteredClaims.Issuer,
		id:        claims.RegisteredClaims.ID,
		uid:       claims.UID,
		typ:       claims.Type,
		roles:     slices.Clone(claims.RoleList),
		fullAdmin: claims.FullAdmin,
		units:     maps.Clone(claims.Units),
	}

	if claims.RegisteredClaims.IssuedAt != nil {
		snap.issuedAt = claims.RegisteredClaims.IssuedAt.Time
	}

	if claims.RegisteredClaims.ExpiresAt != nil {
		snap.expiresAt = claims.RegisteredClaims.ExpiresAt.Time
	}

	return snap
}

func (snap immutableClaimsSnapshot) validate(claims *JWTClaims) error {
	switch {
	case claims.RegisteredClaims.Subject != snap.subject:
		return immutableClaimViolation("sub")
	case claims.RegisteredClaims.Issuer != snap.issuer:
		return immutableClaimViolation("iss")
	case claims.RegisteredClaims.ID != snap.id:
		return immutableClaimViolation("jti")
	case claims.UID != snap.uid:
		return immutableClaimViolation("uid")
	case claims.Type != snap.typ:
		return immutableClaimViolation("typ")
	case !slices.Equal(claims.RoleList, snap.roles):
		return immutableClaimViolation("roles")
	case claims.FullAdmin != snap.fullAdmin:
		return immutableClaimViolation("fadm")
	case !maps.Equal(claims.Units, snap.units):
		return immutableClaimViolation("units")
	}

	if err := compareNumericDate(claims.RegisteredClaims.IssuedAt, snap.issuedAt, "iat"); err != nil {
		return err
	}

	return compareNumericDate(claims.RegisteredClaims.ExpiresAt, snap.expiresAt, "exp")
}

func compareNumericDate(date *jwt.NumericDate, expected time.Time, field string) error {
	if date == nil || !date.Time.Equal(expected) {
		return immutableClaimViolation(field)
	}
	return nil
}

func immutableClaimViolation(field string) error {
	clone := ErrImmutableClaimMutation.Clone()
	if clone == nil {
		return ErrImmutableClaimMutation
	}
	clone.Message = fmt.Sprintf("immutable claim mutated: %s", field)
	clone.Source = ErrImmutableClaimMutation
	return clone.WithMetadata(map[string]any{"claim": field})
}
