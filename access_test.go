package auth_test

import (
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"

	auth "github.com/goliatone/go-taskhub"
)

func TestMatchPath(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/api/auth/login", "/api/auth/login", true},
		{"/api/auth/login", "/api/auth/login/", true},
		{"/api/auth/login", "/api/auth/logout", false},
		{"/api/*/login", "/api/auth/login", true},
		{"/api/*", "/api/auth/login", false},
		{"/api/**", "/api", true},
		{"/api/**", "/api/tasks/1/comments", true},
		{"/api/**", "/apix", false},
		{"/**", "/", true},
		{"/actuator/health/**", "/actuator/health/liveness", true},
		{"/actuator/**", "/ACTUATOR/prometheus", true},
		{"/api/auth/login", "/Api/Auth/LOGIN", true},
		{"/actuator/**", "//actuator//sweeps/job", true},
		{"/actuator/info", "/actuator/info/extra", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.MatchPath(tt.pattern, tt.path))
		})
	}
}

func TestDefaultAccessPolicy_Decide(t *testing.T) {
	policy := auth.DefaultAccessPolicy()

	user := &auth.Principal{UserID: "u1", Username: "jane"}
	admin := &auth.Principal{UserID: "u2", Username: "root", FullAdmin: true}

	tests := []struct {
		name      string
		method    string
		path      string
		principal *auth.Principal
		want      auth.Outcome
		rule      string
	}{
		{"preflight is always allowed", http.MethodOptions, "/api/tasks", nil, auth.Permit, "preflight"},
		{"health is public", http.MethodGet, "/actuator/health", nil, auth.Permit, "health"},
		{"liveness is public", http.MethodGet, "/actuator/health/liveness", nil, auth.Permit, "health"},
		{"info needs a token", http.MethodGet, "/actuator/info", nil, auth.DenyUnauthenticated, "info"},
		{"info for any user", http.MethodGet, "/actuator/info", user, auth.Permit, "info"},
		{"actuator anonymous", http.MethodGet, "/actuator/prometheus", nil, auth.DenyUnauthenticated, "actuator"},
		{"actuator for plain users", http.MethodGet, "/actuator/prometheus", user, auth.DenyForbidden, "actuator"},
		{"actuator for full admins", http.MethodPost, "/actuator/sweeps/users.purge-unactivated", admin, auth.Permit, "actuator"},
		{"refresh needs a token", http.MethodPost, auth.RefreshPath, nil, auth.DenyUnauthenticated, "refresh"},
		{"login is public", http.MethodPost, "/api/auth/login", nil, auth.Permit, "public"},
		{"reset confirm is public", http.MethodPost, "/api/auth/password-reset/confirm", nil, auth.Permit, "public"},
		{"jwks is public", http.MethodGet, "/api/auth/jwks", nil, auth.Permit, "public"},
		{"me is protected", http.MethodGet, "/api/auth/me", nil, auth.DenyUnauthenticated, "api"},
		{"api with a token", http.MethodGet, "/api/tasks", user, auth.Permit, "api"},
		{"everything else", http.MethodGet, "/.well-known/jwks.json", nil, auth.Permit, "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := policy.Decide(tt.method, tt.path, tt.principal)
			assert.Equal(t, tt.want, decision.Outcome, decision.Outcome.String())
			if assert.NotNil(t, decision.Rule) {
				assert.Equal(t, tt.rule, decision.Rule.Name)
			}
		})
	}
}

func TestAccessPolicy_FirstMatchWins(t *testing.T) {
	policy := auth.NewAccessPolicy(
		auth.AccessRule{Name: "admin-only", Patterns: []string{"/api/admin/**"}, Requirement: auth.RequireFullAdmin},
		auth.AccessRule{Name: "open", Patterns: []string{"/api/**"}, Requirement: auth.RequirePermit},
	)

	assert.Equal(t, auth.DenyUnauthenticated, policy.Decide(http.MethodGet, "/api/admin/users", nil).Outcome)
	assert.Equal(t, auth.Permit, policy.Decide(http.MethodGet, "/api/tasks", nil).Outcome)

	reversed := auth.NewAccessPolicy(
		auth.AccessRule{Name: "open", Patterns: []string{"/api/**"}, Requirement: auth.RequirePermit},
		auth.AccessRule{Name: "admin-only", Patterns: []string{"/api/admin/**"}, Requirement: auth.RequireFullAdmin},
	)
	assert.Equal(t, auth.Permit, reversed.Decide(http.MethodGet, "/api/admin/users", nil).Outcome)
}

func TestAccessPolicy_MethodScopedRule(t *testing.T) {
	policy := auth.NewAccessPolicy(
		auth.AccessRule{Name: "read", Method: http.MethodGet, Patterns: []string{"/api/tasks"}, Requirement: auth.RequirePermit},
		auth.AccessRule{Name: "api", Patterns: []string{"/api/**"}, Requirement: auth.RequireAuthenticated},
	)

	assert.True(t, policy.Decide("get", "/api/tasks", nil).Allowed())
	assert.False(t, policy.Decide(http.MethodPost, "/api/tasks", nil).Allowed())
}

func TestAccessPolicy_Unmatched(t *testing.T) {
	policy := auth.NewAccessPolicy()
	decision := policy.Decide(http.MethodGet, "/anything", nil)
	assert.True(t, decision.Allowed())
	assert.Nil(t, decision.Rule)
	assert.NoError(t, decision.Err())
}

func TestDecision_Err(t *testing.T) {
	assert.True(t, goerrors.Is(auth.Decision{Outcome: auth.DenyUnauthenticated}.Err(), auth.ErrUnauthenticated))
	assert.True(t, goerrors.Is(auth.Decision{Outcome: auth.DenyForbidden}.Err(), auth.ErrForbidden))
}

func TestDefaultAccessPolicy_CustomPublicEndpoints(t *testing.T) {
	policy := auth.DefaultAccessPolicy("/api/catalog/**")

	assert.True(t, policy.Decide(http.MethodGet, "/api/catalog/items", nil).Allowed())
	assert.False(t, policy.Decide(http.MethodPost, "/api/auth/login", nil).Allowed())

	rule, ok := policy.Match(http.MethodPost, auth.RefreshPath)
	if assert.True(t, ok) {
		assert.True(t, rule.AllowExpired)
	}
}
