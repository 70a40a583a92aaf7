package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-taskhub"
)

type testServer struct {
	app     *fiber.App
	repo    auth.RepositoryManager
	clock   *testClock
	mailer  *recordingMailer
	tokens  *auth.TokenServiceImpl
	keys    *auth.KeySet
	ready   error
	metrics *prometheus.Registry
}

func newTestServer(t *testing.T, loginPerMinute int) *testServer {
	t.Helper()
	ctx := context.Background()

	s := &testServer{
		repo:    newTestRepo(t),
		clock:   newTestClock(),
		mailer:  &recordingMailer{},
		keys:    testKeySet(t),
		metrics: prometheus.NewRegistry(),
	}

	_, _, err := auth.Seed(ctx, s.repo, fastHasher, auth.DefaultSeedAdmin())
	require.NoError(t, err)
	createUser(t, s.repo, userFixture{Username: "jane", Password: "password123", Activated: true})

	cfg := newTestConfig()
	metrics := auth.NewMetrics(s.metrics)
	s.tokens = auth.NewTokenService(s.keys, cfg, nopLogger{}, auth.WithTokenClock(s.clock.Now))
	userTokens := auth.NewUserTokenService(s.repo, cfg, nopLogger{},
		auth.WithUserTokenClock(s.clock.Now),
		auth.WithUserTokenMetrics(metrics),
	)
	provider := newProvider(s.repo.Users(), s.clock)
	auther := auth.NewAuthenticator(provider, s.tokens).WithMetrics(metrics)

	scheduler := auth.NewScheduler(nopLogger{}, metrics)
	for _, job := range auth.MaintenanceJobs(s.repo, userTokens, cfg, nil, nopLogger{}) {
		scheduler.Register(job)
	}

	s.app = fiber.New(fiber.Config{ErrorHandler: auth.HTTPErrorHandler(nopLogger{}, false)})
	s.app.Use(auth.RequestID(), metrics.Middleware())

	guard := auth.NewAccessGuard(auth.DefaultAccessPolicy(), s.tokens).
		WithLogger(nopLogger{}).
		WithSubjectCheck(provider)
	for _, h := range guard.Handlers() {
		s.app.Use(h)
	}

	auth.RegisterAuthRoutes(s.app,
		auth.WithControllerLogger(nopLogger{}),
		auth.WithAuthenticator(auther, s.keys),
		auth.WithAccountHandlers(
			auth.NewRegisterUserHandler(s.repo, userTokens, s.mailer).WithPasswordHasher(fastHasher).WithLogger(nopLogger{}),
			auth.NewRequestActivationHandler(s.repo, userTokens, s.mailer).WithLogger(nopLogger{}),
			auth.NewActivateAccountHandler(s.repo, userTokens).WithPasswordHasher(fastHasher).WithLogger(nopLogger{}),
			auth.NewInitializePasswordResetHandler(s.repo, userTokens, s.mailer).WithLogger(nopLogger{}),
			auth.NewFinalizePasswordResetHandler(s.repo, userTokens).WithPasswordHasher(fastHasher).WithLogger(nopLogger{}),
		),
		auth.WithScheduler(scheduler),
		auth.WithLoginLimiter(auth.NewLoginRateLimiter(loginPerMinute)),
		auth.WithGatherer(s.metrics),
		auth.WithReadiness(func(context.Context) error { return s.ready }),
		auth.WithInfo(map[string]any{"name": "taskhub"}),
	)

	return s
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func (s *testServer) login(t *testing.T, username, password string) *auth.TokenPair {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pair := &auth.TokenPair{}
	decodeJSON(t, resp, pair)
	return pair
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func errorBody(t *testing.T, resp *http.Response) auth.ErrorPayload {
	t.Helper()
	body := auth.ErrorBody{}
	decodeJSON(t, resp, &body)
	return body.Error
}

func TestHTTP_LoginAndMe(t *testing.T) {
	s := newTestServer(t, 0)

	pair := s.login(t, "admin", "secret")
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.NotEmpty(t, pair.RefreshToken)

	resp := s.do(t, http.MethodGet, "/api/auth/me", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(auth.HeaderRequestID))

	principal := auth.Principal{}
	decodeJSON(t, resp, &principal)
	assert.Equal(t, "admin", principal.Username)
	assert.True(t, principal.FullAdmin)
}

func TestHTTP_Unauthenticated(t *testing.T) {
	s := newTestServer(t, 0)

	t.Run("no token", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/auth/me", "", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		payload := errorBody(t, resp)
		assert.Equal(t, auth.TextCodeUnauthenticated, payload.TextCode)
		assert.Equal(t, http.StatusUnauthorized, payload.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/auth/me", "garbage", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, auth.TextCodeUnauthenticated, errorBody(t, resp).TextCode)
	})

	t.Run("expired token", func(t *testing.T) {
		pair := s.login(t, "jane", "password123")
		s.clock.Advance(16 * time.Minute)
		t.Cleanup(func() { s.clock.Advance(-16 * time.Minute) })

		resp := s.do(t, http.MethodGet, "/api/auth/me", pair.AccessToken, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, auth.TextCodeUnauthenticated, errorBody(t, resp).TextCode)
	})

	t.Run("refresh token used as access token", func(t *testing.T) {
		pair := s.login(t, "jane", "password123")
		resp := s.do(t, http.MethodGet, "/api/auth/me", pair.RefreshToken, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad token does not block public routes", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/auth/jwks", "garbage", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestHTTP_Forbidden(t *testing.T) {
	s := newTestServer(t, 0)
	pair := s.login(t, "jane", "password123")

	resp := s.do(t, http.MethodGet, "/actuator/prometheus", pair.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, auth.TextCodeForbidden, errorBody(t, resp).TextCode)

	resp = s.do(t, http.MethodGet, "/actuator/info", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := map[string]any{}
	decodeJSON(t, resp, &info)
	assert.Equal(t, "taskhub", info["name"])
	assert.Equal(t, s.keys.KID(), info["kid"])
}

func TestHTTP_AdminActuator(t *testing.T) {
	s := newTestServer(t, 0)
	pair := s.login(t, "admin", "secret")

	resp := s.do(t, http.MethodGet, "/actuator/prometheus", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "taskhub_auth_logins_total")

	resp = s.do(t, http.MethodPost, "/actuator/sweeps/"+auth.JobSweepUserTokens, pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := map[string]any{}
	decodeJSON(t, resp, &result)
	assert.Equal(t, auth.JobSweepUserTokens, result["job"])

	resp = s.do(t, http.MethodPost, "/actuator/sweeps/nope", pair.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_PathCaseDoesNotBypassPolicy(t *testing.T) {
	s := newTestServer(t, 0)
	jane := s.login(t, "jane", "password123")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"prometheus upper case", http.MethodGet, "/ACTUATOR/prometheus", "", http.StatusUnauthorized},
		{"prometheus mixed case", http.MethodGet, "/Actuator/Prometheus", "", http.StatusUnauthorized},
		{"sweep mixed case", http.MethodPost, "/Actuator/sweeps/" + auth.JobSweepUserTokens, "", http.StatusUnauthorized},
		{"purge upper case", http.MethodPost, "/ACTUATOR/SWEEPS/" + auth.JobPurgeUnactivatedUser, "", http.StatusUnauthorized},
		{"info mixed case", http.MethodGet, "/Actuator/info", "", http.StatusUnauthorized},
		{"trailing slash", http.MethodGet, "/actuator/prometheus/", "", http.StatusUnauthorized},
		{"api mixed case", http.MethodGet, "/API/auth/me", "", http.StatusUnauthorized},
		{"prometheus mixed case for plain users", http.MethodGet, "/Actuator/prometheus", jane.AccessToken, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	t.Run("public routes still match in any case", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/API/AUTH/JWKS", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestHTTP_Health(t *testing.T) {
	s := newTestServer(t, 0)

	resp := s.do(t, http.MethodGet, "/actuator/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.ready = errors.New("db gone")
	resp = s.do(t, http.MethodGet, "/actuator/health/readiness", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/actuator/health/liveness", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_LoginFailures(t *testing.T) {
	s := newTestServer(t, 0)

	t.Run("wrong password", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: "admin", Password: "nope"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, auth.TextCodeInvalidCredentials, errorBody(t, resp).TextCode)
	})

	t.Run("missing fields", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "admin"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		payload := errorBody(t, resp)
		assert.Equal(t, auth.TextCodeValidationFailed, payload.TextCode)
		assert.Contains(t, payload.Fields, "password")
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("username=admin"))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
		resp, err := s.app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("lockout", func(t *testing.T) {
		for i := 1; i < 5; i++ {
			resp := s.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: "jane", Password: "bad"})
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		}
		resp := s.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: "jane", Password: "bad"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, auth.TextCodeAccountLocked, errorBody(t, resp).TextCode)

		resp = s.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: "jane", Password: "password123"})
		assert.Equal(t, auth.TextCodeAccountLocked, errorBody(t, resp).TextCode)
	})
}

func TestHTTP_LoginRateLimit(t *testing.T) {
	s := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		resp := s.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: "admin", Password: "nope"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp := s.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: "admin", Password: "secret"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, auth.TextCodeTooManyRequests, errorBody(t, resp).TextCode)
}

func TestHTTP_Refresh(t *testing.T) {
	s := newTestServer(t, 0)
	pair := s.login(t, "jane", "password123")

	s.clock.Advance(17 * time.Minute)

	resp := s.do(t, http.MethodPost, auth.RefreshPath, pair.AccessToken, auth.RefreshRequest{RefreshToken: pair.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next := &auth.TokenPair{}
	decodeJSON(t, resp, next)

	resp = s.do(t, http.MethodGet, "/api/auth/me", next.AccessToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("without access token", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, auth.RefreshPath, "", auth.RefreshRequest{RefreshToken: next.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("with access token as refresh token", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, auth.RefreshPath, next.AccessToken, auth.RefreshRequest{RefreshToken: next.AccessToken})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, auth.TextCodeUnauthenticated, errorBody(t, resp).TextCode)
	})

	t.Run("beyond the skew", func(t *testing.T) {
		s.clock.Advance(25 * time.Minute)
		resp := s.do(t, http.MethodPost, auth.RefreshPath, next.AccessToken, auth.RefreshRequest{RefreshToken: next.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestHTTP_JWKS(t *testing.T) {
	s := newTestServer(t, 0)

	for _, path := range []string{"/api/auth/jwks", "/.well-known/jwks.json"} {
		resp := s.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, resp.Header.Get(fiber.HeaderCacheControl), "max-age")

		set := auth.JWKSet{}
		decodeJSON(t, resp, &set)
		require.Len(t, set.Keys, 1)
		assert.Equal(t, s.keys.KID(), set.Keys[0].Kid)
	}
}

func TestHTTP_RegistrationAndActivation(t *testing.T) {
	s := newTestServer(t, 0)

	resp := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"first_name":       "Sam",
		"last_name":        "Tutor",
		"username":         "sam",
		"email":            "sam@example.com",
		"password":         "password123",
		"confirm_password": "password123",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := auth.RegistrationResponse{}
	decodeJSON(t, resp, &created)
	assert.Equal(t, "sam", created.Username)

	resp = s.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{Username: "sam", Password: "password123"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := s.mailer.Last(t).Token.Token

	resp = s.do(t, http.MethodPost, "/api/auth/activate", "", map[string]string{"token": token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/auth/activate", "", map[string]string{"token": token})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, auth.TextCodeTokenNotFound, errorBody(t, resp).TextCode)

	s.login(t, "sam", "password123")

	resp = s.do(t, http.MethodPost, "/api/auth/activation", "", map[string]string{"email": "sam@example.com"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHTTP_PasswordReset(t *testing.T) {
	s := newTestServer(t, 0)

	resp := s.do(t, http.MethodPost, "/api/auth/password-reset", "", map[string]string{"email": "ghost@example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Zero(t, s.mailer.Count())

	resp = s.do(t, http.MethodPost, "/api/auth/password-reset", "", map[string]string{"email": "jane@example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	token := s.mailer.Last(t).Token.Token

	resp = s.do(t, http.MethodPost, "/api/auth/password-reset/confirm", "", map[string]string{
		"token":            token,
		"password":         "fresh-password",
		"confirm_password": "not-the-same",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, auth.TextCodePasswordMismatch, errorBody(t, resp).TextCode)

	s.clock.Advance(2 * time.Hour)
	resp = s.do(t, http.MethodPost, "/api/auth/password-reset/confirm", "", map[string]string{
		"token":            token,
		"password":         "fresh-password",
		"confirm_password": "fresh-password",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, auth.TextCodeUserTokenExpired, errorBody(t, resp).TextCode)
}

func TestRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(auth.RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(auth.LocalsRequestID).(string))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.HeaderRequestID, "abc")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Header.Get(auth.HeaderRequestID))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	assert.Len(t, resp.Header.Get(auth.HeaderRequestID), 26)

	assert.NotEqual(t, auth.NewRequestID(), auth.NewRequestID())
}

func TestLoginRateLimiter(t *testing.T) {
	limiter := auth.NewLoginRateLimiter(1)
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))

	assert.Zero(t, limiter.Prune(time.Hour))
	assert.Equal(t, int64(2), limiter.Prune(-time.Second))

	disabled := auth.NewLoginRateLimiter(0)
	for i := 0; i < 10; i++ {
		assert.True(t, disabled.Allow("10.0.0.1"))
	}
}

func TestHTTPErrorHandler_UnexpectedError(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: auth.HTTPErrorHandler(nopLogger{}, true)})
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("secret detail") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	payload := errorBody(t, resp)
	assert.NotContains(t, payload.Message, "secret detail")

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/missing", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
