package auth_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/goliatone/go-taskhub"
)

type testConfig struct {
	issuer               string
	privateKeyPEM        string
	previousKeys         []string
	accessTTL            time.Duration
	refreshTTL           time.Duration
	refreshSkew          time.Duration
	maxFailedLogins      int
	lockout              time.Duration
	activationTTL        time.Duration
	resetTTL             time.Duration
	maxActiveReset       int
	unactivatedRetention time.Duration
}

func newTestConfig() *testConfig {
	return &testConfig{
		issuer:               "taskhub-test",
		accessTTL:            15 * time.Minute,
		refreshTTL:           24 * time.Hour,
		refreshSkew:          5 * time.Minute,
		maxFailedLogins:      5,
		lockout:              15 * time.Minute,
		activationTTL:        72 * time.Hour,
		resetTTL:             time.Hour,
		maxActiveReset:       3,
		unactivatedRetention: 7 * 24 * time.Hour,
	}
}

func (c *testConfig) GetIssuer() string                      { return c.issuer }
func (c *testConfig) GetPrivateKeyPEM() string               { return c.privateKeyPEM }
func (c *testConfig) GetPreviousPublicKeysPEM() []string     { return c.previousKeys }
func (c *testConfig) GetAccessTokenTTL() time.Duration       { return c.accessTTL }
func (c *testConfig) GetRefreshTokenTTL() time.Duration      { return c.refreshTTL }
func (c *testConfig) GetRefreshSkew() time.Duration          { return c.refreshSkew }
func (c *testConfig) GetMaxFailedLogins() int                { return c.maxFailedLogins }
func (c *testConfig) GetLockoutDuration() time.Duration      { return c.lockout }
func (c *testConfig) GetActivationTokenTTL() time.Duration   { return c.activationTTL }
func (c *testConfig) GetResetTokenTTL() time.Duration        { return c.resetTTL }
func (c *testConfig) GetMaxActiveResetTokens() int           { return c.maxActiveReset }
func (c *testConfig) GetUnactivatedRetention() time.Duration { return c.unactivatedRetention }

// testClock is a settable clock shared by services under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var fastHasher = auth.BcryptHasher{Cost: bcrypt.MinCost}

var sharedKeys struct {
	once sync.Once
	keys *auth.KeySet
	err  error
}

// testKeySet generates one RSA key per test binary
func testKeySet(t *testing.T) *auth.KeySet {
	t.Helper()
	sharedKeys.once.Do(func() {
		sharedKeys.keys, sharedKeys.err = auth.GenerateKeySet(2048)
	})
	require.NoError(t, sharedKeys.err)
	return sharedKeys.keys
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:")
	require.NoError(t, err)
	// one connection keeps the in-memory database alive and serializes tx
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, auth.Migrate(context.Background(), db, nil))
	return db
}

func newTestRepo(t *testing.T) auth.RepositoryManager {
	t.Helper()
	return auth.NewRepositoryManager(newTestDB(t))
}

type userFixture struct {
	Username  string
	Email     string
	Password  string
	Activated bool
	Disabled  bool
	FullAdmin bool
}

func createUser(t *testing.T, repo auth.RepositoryManager, f userFixture) *auth.User {
	t.Helper()
	ctx := context.Background()

	if f.Email == "" {
		f.Email = f.Username + "@example.com"
	}
	if f.Password == "" {
		f.Password = "password123"
	}

	hash, err := fastHasher.HashPassword(f.Password)
	require.NoError(t, err)

	user := &auth.User{
		Username:     f.Username,
		Email:        f.Email,
		FirstName:    "Test",
		LastName:     "User",
		PasswordHash: hash,
		Enabled:      !f.Disabled,
		FullAdmin:    f.FullAdmin,
	}
	if f.Activated {
		now := time.Now().UTC()
		user.ActivatedAt = &now
	}

	created, err := repo.Users().Register(ctx, user)
	require.NoError(t, err)
	return created
}

type sentMail struct {
	Kind  string
	User  *auth.User
	Token *auth.UserToken
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) SendActivation(_ context.Context, user *auth.User, token *auth.UserToken) error {
	return m.record("activation", user, token)
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, user *auth.User, token *auth.UserToken) error {
	return m.record("reset", user, token)
}

func (m *recordingMailer) record(kind string, user *auth.User, token *auth.UserToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{Kind: kind, User: user, Token: token})
	return m.err
}

func (m *recordingMailer) Last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "expected a mail to be sent")
	return m.sent[len(m.sent)-1]
}

func (m *recordingMailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event auth.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Types() []auth.ActivityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.ActivityEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func (s *recordingSink) Last() auth.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return auth.ActivityEvent{}
	}
	return s.events[len(s.events)-1]
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
