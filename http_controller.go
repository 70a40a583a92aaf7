package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-taskhub/middleware/jwtware"
)

type AuthControllerRoutes struct {
	Login                string
	Refresh              string
	Register             string
	Activation           string
	Activate             string
	PasswordReset        string
	PasswordResetConfirm string
	Me                   string
	JWKS                 string
	WellKnownJWKS        string
}

// DefaultRoutes match DefaultPublicEndpoints and RefreshPath
func DefaultRoutes() *AuthControllerRoutes {
	return &AuthControllerRoutes{
		Login:                "/api/auth/login",
		Refresh:              RefreshPath,
		Register:             "/api/auth/register",
		Activation:           "/api/auth/activation",
		Activate:             "/api/auth/activate",
		PasswordReset:        "/api/auth/password-reset",
		PasswordResetConfirm: "/api/auth/password-reset/confirm",
		Me:                   "/api/auth/me",
		JWKS:                 "/api/auth/jwks",
		WellKnownJWKS:        "/.well-known/jwks.json",
	}
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

type AuthController struct {
	Debug             bool
	Logger            Logger
	Routes            *AuthControllerRoutes
	Auther            *Auther
	Keys              *KeySet
	Register          *RegisterUserHandler
	RequestActivation *RequestActivationHandler
	Activate          *ActivateAccountHandler
	InitReset         *InitializePasswordResetHandler
	FinalizeReset     *FinalizePasswordResetHandler
	Scheduler         *Scheduler
	LoginLimiter      *LoginRateLimiter
	Gatherer          prometheus.Gatherer
	Readiness         HealthCheck
	Info              map[string]any
}

type AuthControllerOption func(*AuthController) *AuthController

func WithControllerDebug(debug bool) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Debug = debug
		return c
	}
}

func WithControllerLogger(logger Logger) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Logger = normalizeLogger(logger)
		return c
	}
}

func WithAuthenticator(a *Auther, keys *KeySet) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Auther = a
		c.Keys = keys
		return c
	}
}

// WithAccountHandlers sets the command handlers behind the account routes
func WithAccountHandlers(register *RegisterUserHandler, request *RequestActivationHandler, activate *ActivateAccountHandler, initReset *InitializePasswordResetHandler, finalizeReset *FinalizePasswordResetHandler) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Register = register
		c.RequestActivation = request
		c.Activate = activate
		c.InitReset = initReset
		c.FinalizeReset = finalizeReset
		return c
	}
}

func WithScheduler(s *Scheduler) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Scheduler = s
		return c
	}
}

func WithLoginLimiter(l *LoginRateLimiter) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.LoginLimiter = l
		return c
	}
}

func WithGatherer(g prometheus.Gatherer) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Gatherer = g
		return c
	}
}

func WithReadiness(check HealthCheck) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Readiness = check
		return c
	}
}

func WithInfo(info map[string]any) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Info = info
		return c
	}
}

func NewAuthController(opts ...AuthControllerOption) *AuthController {
	c := &AuthController{
		Logger:   defLogger{},
		Routes:   DefaultRoutes(),
		Gatherer: prometheus.DefaultGatherer,
		Info:     map[string]any{},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Auther == nil || c.Keys == nil {
		panic("Missing authenticator or key set in auth controller...")
	}

	return c
}

// RegisterAuthRoutes mounts the auth API and the actuator endpoints. The
// access guard is expected to run before these handlers. The guard's policy
// matches paths case-insensitively and ignores trailing or repeated slashes,
// so it covers every request fiber's default routing would dispatch here.
func RegisterAuthRoutes(app fiber.Router, opts ...AuthControllerOption) *AuthController {
	controller := NewAuthController(opts...)

	login := []fiber.Handler{controller.LoginPost}
	if controller.LoginLimiter != nil {
		login = append([]fiber.Handler{controller.LoginLimiter.Handler()}, login...)
	}
	app.Post(controller.Routes.Login, login...).Name("auth.login")
	app.Post(controller.Routes.Refresh, controller.RefreshPost).Name("auth.refresh")
	app.Get(controller.Routes.Me, controller.MeGet).Name("auth.me")
	app.Get(controller.Routes.JWKS, controller.JWKSGet).Name("auth.jwks")
	app.Get(controller.Routes.WellKnownJWKS, controller.JWKSGet).Name("well-known.jwks")

	if controller.Register != nil {
		app.Post(controller.Routes.Register, controller.RegistrationCreate).Name("auth.register")
	}
	if controller.RequestActivation != nil {
		app.Post(controller.Routes.Activation, controller.ActivationRequestPost).Name("auth.activation")
	}
	if controller.Activate != nil {
		app.Post(controller.Routes.Activate, controller.ActivatePost).Name("auth.activate")
	}
	if controller.InitReset != nil {
		app.Post(controller.Routes.PasswordReset, controller.PasswordResetPost).Name("auth.pwd-reset")
	}
	if controller.FinalizeReset != nil {
		app.Post(controller.Routes.PasswordResetConfirm, controller.PasswordResetConfirmPost).Name("auth.pwd-reset.confirm")
	}

	app.Get("/actuator/health", controller.HealthGet).Name("actuator.health")
	app.Get("/actuator/health/liveness", controller.LivenessGet).Name("actuator.liveness")
	app.Get("/actuator/health/readiness", controller.ReadinessGet).Name("actuator.readiness")
	app.Get("/actuator/info", controller.InfoGet).Name("actuator.info")
	app.Get("/actuator/prometheus", adaptor.HTTPHandler(promhttp.HandlerFor(controller.Gatherer, promhttp.HandlerOpts{}))).
		Name("actuator.prometheus")
	if controller.Scheduler != nil {
		app.Post("/actuator/sweeps/:job", controller.SweepPost).Name("actuator.sweep")
	}

	return controller
}

// LoginRequest payload
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

func (a *AuthController) LoginPost(c *fiber.Ctx) error {
	payload := new(LoginRequest)
	if err := bindJSON(c, payload); err != nil {
		return err
	}

	if err := payload.Validate(); err != nil {
		return ValidationError(err)
	}

	pair, err := a.Auther.Login(c.UserContext(), payload.Username, payload.Password)
	if err != nil {
		return err
	}

	return c.JSON(pair)
}

// RefreshRequest payload. The access token travels in the Authorization header.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (r RefreshRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

func (a *AuthController) RefreshPost(c *fiber.Ctx) error {
	payload := new(RefreshRequest)
	if err := bindJSON(c, payload); err != nil {
		return err
	}

	if err := payload.Validate(); err != nil {
		return ValidationError(err)
	}

	accessToken, err := jwtware.ExtractRawTokenFromContext(c, jwtware.GetExtractors("header:"+fiber.HeaderAuthorization))
	if err != nil {
		return ErrUnauthenticated
	}

	pair, err := a.Auther.Refresh(c.UserContext(), payload.RefreshToken, accessToken)
	if err != nil {
		return err
	}

	return c.JSON(pair)
}

func (a *AuthController) MeGet(c *fiber.Ctx) error {
	principal, ok := PrincipalFromContext(c.UserContext())
	if !ok {
		return ErrUnauthenticated
	}
	return c.JSON(principal)
}

func (a *AuthController) JWKSGet(c *fiber.Ctx) error {
	c.Set(fiber.HeaderCacheControl, "public, max-age=300")
	return c.JSON(a.Keys.JWKS())
}

// RegistrationResponse is returned on a successful registration
type RegistrationResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (a *AuthController) RegistrationCreate(c *fiber.Ctx) error {
	payload := new(RegisterUserMessage)
	if err := bindJSON(c, payload); err != nil {
		return err
	}

	var created *User
	payload.OnResponse = func(u *User) { created = u }

	if err := a.Register.Execute(c.UserContext(), *payload); err != nil {
		return err
	}

	if a.Debug {
		a.Logger.Debug("user registered", "user", print.MaybePrettyJSON(created))
	}

	resp := RegistrationResponse{}
	if created != nil {
		resp = RegistrationResponse{ID: created.ID.String(), Username: created.Username, Email: created.Email}
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (a *AuthController) ActivationRequestPost(c *fiber.Ctx) error {
	payload := new(RequestActivationMessage)
	if err := bindJSON(c, payload); err != nil {
		return err
	}

	if err := a.RequestActivation.Execute(c.UserContext(), *payload); err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
}

func (a *AuthController) ActivatePost(c *fiber.Ctx) error {
	payload := new(ActivateAccountMessage)
	if err := bindJSON(c, payload); err != nil {
		return err
	}

	if err := a.Activate.Execute(c.UserContext(), *payload); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true})
}

func (a *AuthController) PasswordResetPost(c *fiber.Ctx) error {
	payload := new(InitializePasswordResetMessage)
	if err := bindJSON(c, payload); err != nil {
		return err
	}

	var res *InitializePasswordResetResponse
	payload.OnResponse = func(resp *InitializePasswordResetResponse) { res = resp }

	if err := a.InitReset.Execute(c.UserContext(), *payload); err != nil {
		return err
	}

	if a.Debug {
		a.Logger.Debug("password reset requested", "response", print.MaybePrettyJSON(res))
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": res != nil && res.Success})
}

func (a *AuthController) PasswordResetConfirmPost(c *fiber.Ctx) error {
	payload := new(FinalizePasswordResetMesasge)
	if err := bindJSON(c, payload); err != nil {
		return err
	}

	if err := a.FinalizeReset.Execute(c.UserContext(), *payload); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true})
}

func (a *AuthController) HealthGet(c *fiber.Ctx) error {
	if err := a.ready(c.UserContext()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "DOWN"})
	}
	return c.JSON(fiber.Map{"status": "UP"})
}

func (a *AuthController) LivenessGet(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "UP"})
}

func (a *AuthController) ReadinessGet(c *fiber.Ctx) error {
	return a.HealthGet(c)
}

func (a *AuthController) InfoGet(c *fiber.Ctx) error {
	info := fiber.Map{}
	for k, v := range a.Info {
		info[k] = v
	}
	info["kid"] = a.Keys.KID()
	if a.Scheduler != nil {
		info["jobs"] = a.Scheduler.Jobs()
	}
	return c.JSON(info)
}

func (a *AuthController) SweepPost(c *fiber.Ctx) error {
	job := c.Params("job")
	affected, err := a.Scheduler.RunNow(c.UserContext(), job)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"job": job, "affected": affected})
}

func (a *AuthController) ready(ctx context.Context) error {
	if a.Readiness == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Readiness(ctx); err != nil {
		a.Logger.Warn("readiness check failed", "error", err)
		return err
	}
	return nil
}

func bindJSON(c *fiber.Ctx, out any) error {
	if !strings.HasPrefix(strings.ToLower(c.Get(fiber.HeaderContentType)), fiber.MIMEApplicationJSON) {
		return goerrors.New(fmt.Sprintf("expected %s body", fiber.MIMEApplicationJSON), goerrors.CategoryBadInput).
			WithCode(fiber.StatusUnsupportedMediaType).
			WithTextCode("UNSUPPORTED_MEDIA_TYPE")
	}
	if err := c.BodyParser(out); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "unable to parse request body").
			WithCode(fiber.StatusBadRequest).
			WithTextCode("MALFORMED_BODY")
	}
	return nil
}
