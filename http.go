package auth

import (
	"fmt"
	mathrand "math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/goliatone/go-taskhub/middleware/jwtware"
)

const (
	HeaderRequestID   = "X-Request-ID"
	LocalsRequestID   = "request_id"
	LocalsClaimsKey   = "claims"
	LocalsDecisionKey = "access_decision"
)

var (
	requestIDMu      sync.Mutex
	requestIDEntropy = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewRequestID returns a sortable request identifier
func NewRequestID() string {
	requestIDMu.Lock()
	defer requestIDMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), requestIDEntropy).String()
}

// RequestID keeps an incoming X-Request-ID or assigns a new one
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderRequestID)
		if id == "" {
			id = NewRequestID()
		}
		c.Locals(LocalsRequestID, id)
		c.Set(HeaderRequestID, id)
		return c.Next()
	}
}

// RequestLogger logs method, path, status, latency and request id
func RequestLogger(logger Logger) fiber.Handler {
	logger = normalizeLogger(logger)
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = statusFromError(err)
		}

		logger.Info("http request",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"latency", time.Since(start).String(),
			"request_id", c.Locals(LocalsRequestID),
		)
		return err
	}
}

// Middleware records request counts and latencies labelled by route pattern
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m == nil {
			return c.Next()
		}
		m.requestStarted()
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = statusFromError(err)
		}

		path := c.Route().Path
		if path == "" || path == "/" && c.Path() != "/" {
			path = "unmatched"
		}
		m.requestFinished(c.Method(), path, strconv.Itoa(status), time.Since(start).Seconds())
		return err
	}
}

// LoginRateLimiter is a token bucket per client IP
type LoginRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*loginBucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type loginBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLoginRateLimiter allows perMinute attempts per IP with a burst of the
// same size. perMinute <= 0 disables limiting.
func NewLoginRateLimiter(perMinute int) *LoginRateLimiter {
	l := &LoginRateLimiter{
		buckets: map[string]*loginBucket{},
		now:     time.Now,
	}
	if perMinute > 0 {
		l.limit = rate.Every(time.Minute / time.Duration(perMinute))
		l.burst = perMinute
	}
	return l
}

// Allow consumes one attempt for ip
func (l *LoginRateLimiter) Allow(ip string) bool {
	if l == nil || l.burst == 0 {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		b = &loginBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = l.now()
	return b.lim.Allow()
}

// Prune drops buckets idle for longer than idle and returns how many went
func (l *LoginRateLimiter) Prune(idle time.Duration) int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	cutoff := l.now().Add(-idle)
	for ip, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, ip)
			n++
		}
	}
	return n
}

// Handler rejects requests over the limit with ErrTooManyRequests
func (l *LoginRateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !l.Allow(c.IP()) {
			return ErrTooManyRequests
		}
		return c.Next()
	}
}

// AccessGuard authenticates the bearer token, when present, and applies the
// access policy before the request reaches a handler.
type AccessGuard struct {
	policy     *AccessPolicy
	tokens     TokenService
	identities IdentityProvider
	listeners  []ValidationListener
	logger     Logger
}

func NewAccessGuard(policy *AccessPolicy, tokens TokenService) *AccessGuard {
	if policy == nil {
		policy = DefaultAccessPolicy()
	}
	return &AccessGuard{
		policy: policy,
		tokens: tokens,
		logger: defLogger{},
	}
}

func (g *AccessGuard) WithLogger(logger Logger) *AccessGuard {
	g.logger = normalizeLogger(logger)
	return g
}

// WithSubjectCheck rejects tokens whose subject no longer resolves to an
// active account
func (g *AccessGuard) WithSubjectCheck(provider IdentityProvider) *AccessGuard {
	g.identities = provider
	return g
}

// WithValidationListeners runs listeners after a token verifies. A listener
// error leaves the request anonymous.
func (g *AccessGuard) WithValidationListeners(listeners ...ValidationListener) *AccessGuard {
	g.listeners = append(g.listeners, listeners...)
	return g
}

// Handlers returns the authentication and authorization steps in order
func (g *AccessGuard) Handlers() []fiber.Handler {
	return []fiber.Handler{g.Authenticate(), g.Authorize()}
}

// Authenticate validates the token and stores claims and principal. Any
// verification failure leaves the request anonymous.
func (g *AccessGuard) Authenticate() fiber.Handler {
	cfg := jwtware.Config{
		Optional:              true,
		ContextKey:            LocalsClaimsKey,
		TokenValidator:        jwtValidator(g.tokens.Validate),
		ExpiredTokenValidator: jwtValidator(g.tokens.ValidateAccessWithSkew),
		AllowExpired: func(c *fiber.Ctx) bool {
			rule, ok := g.policy.Match(c.Method(), c.Path())
			return ok && rule.AllowExpired
		},
		ContextEnricher: ContextEnricherAdapter,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			g.logger.Debug("bearer token rejected", "path", c.Path(), "error", err)
			return c.Next()
		},
	}

	if g.identities != nil {
		RegisterValidationListeners(&cfg, g.checkSubject)
	}
	RegisterValidationListeners(&cfg, g.listeners...)

	return jwtware.New(cfg)
}

func (g *AccessGuard) checkSubject(c *fiber.Ctx, claims jwtware.AuthClaims) error {
	identity, err := g.identities.FindIdentityByUsername(c.UserContext(), claims.Subject())
	if err != nil {
		return err
	}
	if identity.ID() != claims.UserID() {
		return ErrSubjectMismatch
	}
	return nil
}

// Authorize evaluates the policy for the request's principal
func (g *AccessGuard) Authorize() fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, _ := PrincipalFromContext(c.UserContext())
		decision := g.policy.Decide(c.Method(), c.Path(), principal)
		c.Locals(LocalsDecisionKey, decision)

		if !decision.Allowed() {
			ruleName := ""
			if decision.Rule != nil {
				ruleName = decision.Rule.Name
			}
			g.logger.Debug("access denied",
				"method", c.Method(),
				"path", c.Path(),
				"rule", ruleName,
				"outcome", decision.Outcome.String(),
			)
			return decision.Err()
		}
		return c.Next()
	}
}

func jwtValidator(fn func(string) (AuthClaims, error)) jwtware.TokenValidator {
	return jwtware.TokenValidatorFunc(func(raw string) (jwtware.AuthClaims, error) {
		claims, err := fn(raw)
		if err != nil {
			return nil, err
		}
		return claims, nil
	})
}

// ErrorBody is the JSON envelope for every error response
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Category string            `json:"category"`
	Code     int               `json:"code"`
	TextCode string            `json:"text_code,omitempty"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// HTTPErrorHandler renders errors as ErrorBody. JWT verification failures
// all surface as ErrUnauthenticated.
func HTTPErrorHandler(logger Logger, debug bool) fiber.ErrorHandler {
	logger = normalizeLogger(logger)
	return func(c *fiber.Ctx, err error) error {
		richErr := toRichError(err)

		if richErr.Code >= http.StatusInternalServerError {
			logger.Error("request failed",
				"path", c.Path(),
				"request_id", c.Locals(LocalsRequestID),
				"error", err,
			)
		} else if debug {
			logger.Debug("request rejected",
				"path", c.Path(),
				"error", richErr.Message,
				"details", print.MaybePrettyJSON(richErr.Metadata),
			)
		}

		return c.Status(richErr.Code).JSON(ErrorBody{Error: payloadFromError(richErr)})
	}
}

func statusFromError(err error) int {
	return toRichError(err).Code
}

func toRichError(err error) *goerrors.Error {
	if isTokenVerificationError(err) {
		return ErrUnauthenticated
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.Code == 0 {
			code := codeForCategory(richErr)
			if clone := richErr.Clone(); clone != nil {
				richErr = clone
			}
			richErr.Code = code
		}
		return richErr
	}

	var fiberErr *fiber.Error
	if goerrors.As(err, &fiberErr) {
		category := goerrors.CategoryBadInput
		switch {
		case fiberErr.Code == fiber.StatusNotFound:
			category = goerrors.CategoryNotFound
		case fiberErr.Code >= http.StatusInternalServerError:
			category = goerrors.CategoryInternal
		}
		return goerrors.New(fiberErr.Message, category).WithCode(fiberErr.Code)
	}

	return goerrors.Wrap(err, goerrors.CategoryInternal, "an unexpected server error occurred").
		WithCode(goerrors.CodeInternal)
}

func isTokenVerificationError(err error) bool {
	for _, target := range []error{ErrTokenExpired, ErrTokenMalformed, ErrInvalidSignature, ErrWrongTokenType, ErrSubjectMismatch} {
		if goerrors.Is(err, target) {
			return true
		}
	}

	// parse failures are wrapped, match them by text code
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryAuth {
		switch richErr.TextCode {
		case TextCodeTokenExpired, TextCodeTokenMalformed, TextCodeInvalidSignature:
			return true
		}
	}
	return false
}

func codeForCategory(richErr *goerrors.Error) int {
	switch richErr.Category {
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func payloadFromError(richErr *goerrors.Error) ErrorPayload {
	out := ErrorPayload{
		Category: fmt.Sprint(richErr.Category),
		Code:     richErr.Code,
		TextCode: richErr.TextCode,
		Message:  richErr.Message,
	}
	if richErr.Code >= http.StatusInternalServerError {
		out.Message = "an unexpected server error occurred"
	}
	if fields, ok := richErr.Metadata["fields"].(map[string]string); ok && len(fields) > 0 {
		out.Fields = fields
	}
	return out
}
