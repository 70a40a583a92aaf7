package auth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the logging contract used across the package. Messages are
// followed by key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Identity holds the attributes of an authenticated user
type Identity interface {
	ID() string
	Username() string
	Email() string
	IsFullAdmin() bool
	UnitRoles() map[string]string
}

// Config holds auth options
type Config interface {
	GetIssuer() string
	GetPrivateKeyPEM() string
	GetPreviousPublicKeysPEM() []string
	GetAccessTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetRefreshSkew() time.Duration
	GetMaxFailedLogins() int
	GetLockoutDuration() time.Duration
	GetActivationTokenTTL() time.Duration
	GetResetTokenTTL() time.Duration
	GetMaxActiveResetTokens() int
	GetUnactivatedRetention() time.Duration
}

// PasswordHasher hashes and verifies passwords
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// Mailer delivers single-use tokens to their owners. Delivery itself lives
// outside this package.
type Mailer interface {
	SendActivation(ctx context.Context, user *User, token *UserToken) error
	SendPasswordReset(ctx context.Context, user *User, token *UserToken) error
}

type defLogger struct{}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Println("[ERR] AUTH " + formatLogLine(msg, args...))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Println("[WRN] AUTH " + formatLogLine(msg, args...))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Println("[INF] AUTH " + formatLogLine(msg, args...))
}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Println("[DBG] AUTH " + formatLogLine(msg, args...))
}

func formatLogLine(msg string, args ...any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		b.WriteString(" ")
		if i+1 < len(args) {
			fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, "%v", args[i])
		}
	}
	return b.String()
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
