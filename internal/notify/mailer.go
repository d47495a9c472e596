package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// ErrMailDisabled indicates an SMTP mailer constructed without a complete configuration.
var ErrMailDisabled = errors.New("notify: mail delivery is not configured")

// Message is one outbound HTML mail.
type Message struct {
	To       []string
	Subject  string
	HTMLBody string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, message Message) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Enabled reports whether every connection setting is present.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// SMTPMailer sends mail through an SMTP relay with PLAIN authentication.
type SMTPMailer struct {
	config SMTPConfig
	send   func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer validates the configuration and constructs an SMTPMailer.
func NewSMTPMailer(config SMTPConfig) (*SMTPMailer, error) {
	if !config.Enabled() {
		return nil, ErrMailDisabled
	}
	return &SMTPMailer{config: config, send: smtp.SendMail}, nil
}

// Send implements Mailer. The SMTP exchange is abandoned when ctx ends.
func (m *SMTPMailer) Send(ctx context.Context, message Message) error {
	if len(message.To) == 0 {
		return nil
	}
	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}
	addr := net.JoinHostPort(m.config.Host, m.config.Port)
	payload := m.compose(message)

	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.config.From, message.To, payload)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("notify: smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *SMTPMailer) compose(message Message) []byte {
	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}
	headers := []string{
		"To: " + strings.Join(message.To, ","),
		"From: " + from,
		"Subject: " + sanitizeHeader(message.Subject),
		"MIME-Version: 1.0",
		`Content-Type: text/html; charset="UTF-8"`,
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + message.HTMLBody)
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

// LogMailer records messages in the log instead of sending them. It is used
// when SMTP is not configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send implements Mailer.
func (m *LogMailer) Send(_ context.Context, message Message) error {
	m.logger.Info("mail delivery skipped",
		zap.Strings("to", message.To),
		zap.String("subject", message.Subject))
	return nil
}
