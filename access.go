package auth

import (
	"net/http"
	"strings"
)

// Requirement is what a rule demands of the caller
type Requirement int

const (
	RequirePermit Requirement = iota
	RequireAuthenticated
	RequireFullAdmin
)

func (r Requirement) String() string {
	switch r {
	case RequirePermit:
		return "permit"
	case RequireAuthenticated:
		return "authenticated"
	case RequireFullAdmin:
		return "full_admin"
	default:
		return "unknown"
	}
}

// Outcome of an access decision
type Outcome int

const (
	Permit Outcome = iota
	DenyUnauthenticated
	DenyForbidden
)

func (o Outcome) String() string {
	switch o {
	case Permit:
		return "permit"
	case DenyUnauthenticated:
		return "unauthenticated"
	case DenyForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// AccessRule matches a method and a path pattern. An empty Method matches
// any method. Patterns are slash separated segments where "*" matches one
// segment and a trailing "**" matches zero or more.
type AccessRule struct {
	Name        string
	Method      string
	Patterns    []string
	Requirement Requirement
	// AllowExpired lets the token verifier accept access tokens expired
	// within the refresh skew on this route.
	AllowExpired bool
}

// Matches reports whether the rule covers method and path
func (r AccessRule) Matches(method, path string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	for _, p := range r.Patterns {
		if MatchPath(p, path) {
			return true
		}
	}
	return false
}

// Decision is the result of evaluating the table
type Decision struct {
	Outcome Outcome
	Rule    *AccessRule
}

// Allowed is a shorthand for Outcome == Permit
func (d Decision) Allowed() bool {
	return d.Outcome == Permit
}

// Err maps a deny outcome to the error surfaced to clients
func (d Decision) Err() error {
	switch d.Outcome {
	case DenyUnauthenticated:
		return ErrUnauthenticated
	case DenyForbidden:
		return ErrForbidden
	default:
		return nil
	}
}

// DefaultPublicEndpoints are reachable without a token
var DefaultPublicEndpoints = []string{
	"/api/auth/login",
	"/api/auth/register",
	"/api/auth/activate",
	"/api/auth/activation",
	"/api/auth/password-reset",
	"/api/auth/password-reset/**",
	"/api/auth/jwks",
	"/api/public/**",
}

// RefreshPath is the only route that accepts expired access tokens
const RefreshPath = "/api/auth/refresh"

// AccessPolicy is an ordered rule table, first match wins
type AccessPolicy struct {
	rules []AccessRule
}

// NewAccessPolicy builds a policy from rules in evaluation order
func NewAccessPolicy(rules ...AccessRule) *AccessPolicy {
	return &AccessPolicy{rules: append([]AccessRule(nil), rules...)}
}

// DefaultAccessPolicy is the table guarding the service. publicEndpoints
// replaces DefaultPublicEndpoints when not empty.
func DefaultAccessPolicy(publicEndpoints ...string) *AccessPolicy {
	if len(publicEndpoints) == 0 {
		publicEndpoints = DefaultPublicEndpoints
	}
	return NewAccessPolicy(
		AccessRule{Name: "preflight", Method: http.MethodOptions, Patterns: []string{"/**"}, Requirement: RequirePermit},
		AccessRule{Name: "health", Patterns: []string{"/actuator/health", "/actuator/health/**"}, Requirement: RequirePermit},
		AccessRule{Name: "info", Patterns: []string{"/actuator/info"}, Requirement: RequireAuthenticated},
		AccessRule{Name: "actuator", Patterns: []string{"/actuator/**"}, Requirement: RequireFullAdmin},
		AccessRule{Name: "refresh", Patterns: []string{RefreshPath}, Requirement: RequireAuthenticated, AllowExpired: true},
		AccessRule{Name: "public", Patterns: append([]string(nil), publicEndpoints...), Requirement: RequirePermit},
		AccessRule{Name: "api", Patterns: []string{"/api/**"}, Requirement: RequireAuthenticated},
		AccessRule{Name: "default", Patterns: []string{"/**"}, Requirement: RequirePermit},
	)
}

// Rules returns a copy of the table
func (p *AccessPolicy) Rules() []AccessRule {
	return append([]AccessRule(nil), p.rules...)
}

// Match returns the first rule covering method and path
func (p *AccessPolicy) Match(method, path string) (*AccessRule, bool) {
	for i := range p.rules {
		if p.rules[i].Matches(method, path) {
			return &p.rules[i], true
		}
	}
	return nil, false
}

// Decide evaluates the table for the caller. A nil principal is anonymous.
// Paths no rule covers are permitted.
func (p *AccessPolicy) Decide(method, path string, principal *Principal) Decision {
	rule, ok := p.Match(method, path)
	if !ok {
		return Decision{Outcome: Permit}
	}

	switch rule.Requirement {
	case RequireAuthenticated:
		if principal == nil {
			return Decision{Outcome: DenyUnauthenticated, Rule: rule}
		}
	case RequireFullAdmin:
		if principal == nil {
			return Decision{Outcome: DenyUnauthenticated, Rule: rule}
		}
		if !principal.IsFullAdmin() {
			return Decision{Outcome: DenyForbidden, Rule: rule}
		}
	}

	return Decision{Outcome: Permit, Rule: rule}
}

// MatchPath matches path against pattern segment by segment. Segments
// compare case-insensitively and empty segments are ignored, the same way
// fiber routes by default.
func MatchPath(pattern, path string) bool {
	ps := splitPath(pattern)
	xs := splitPath(path)

	for i, seg := range ps {
		if seg == "**" && i == len(ps)-1 {
			return true
		}
		if i >= len(xs) {
			return false
		}
		if seg != "*" && !strings.EqualFold(seg, xs[i]) {
			return false
		}
	}

	return len(ps) == len(xs)
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}
