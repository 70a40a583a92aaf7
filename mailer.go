package auth

import (
	"context"
	"net/url"
	"strings"
)

// LoggingMailer writes token links to the log instead of sending mail. It is
// the default until a delivery service is wired.
type LoggingMailer struct {
	baseURL string
	logger  Logger
}

var _ Mailer = (*LoggingMailer)(nil)

func NewLoggingMailer(baseURL string, logger Logger) *LoggingMailer {
	return &LoggingMailer{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  normalizeLogger(logger),
	}
}

func (m *LoggingMailer) SendActivation(_ context.Context, user *User, token *UserToken) error {
	m.logger.Info("mail: account activation",
		"to", user.Email,
		"user_id", user.ID,
		"link", m.link("/activate", token.Token),
		"expires_at", token.ExpiresAt,
	)
	return nil
}

func (m *LoggingMailer) SendPasswordReset(_ context.Context, user *User, token *UserToken) error {
	m.logger.Info("mail: password reset",
		"to", user.Email,
		"user_id", user.ID,
		"link", m.link("/password-reset", token.Token),
		"expires_at", token.ExpiresAt,
	)
	return nil
}

func (m *LoggingMailer) link(path, token string) string {
	return m.baseURL + path + "?token=" + url.QueryEscape(token)
}
