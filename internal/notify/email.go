package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// SMTPOptions parameterise the email channel client.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPClient sends plain-text email over authenticated SMTP.
type SMTPClient struct {
	opts   SMTPOptions
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger zerolog.Logger
}

// NewSMTPClient constructs the email channel client.
func NewSMTPClient(opts SMTPOptions, logger zerolog.Logger) *SMTPClient {
	if opts.Port <= 0 {
		opts.Port = 587
	}
	return &SMTPClient{
		opts:   opts,
		send:   smtp.SendMail,
		logger: logger.With().Str("component", "email_channel").Logger(),
	}
}

// SendEmail delivers one message. ctx is honoured only for early
// cancellation; net/smtp does not support mid-send cancellation.
func (c *SMTPClient) SendEmail(ctx context.Context, toEmail, subject, body string) error {
	if toEmail == "" {
		return fmt.Errorf("notify: subscriber has no email address")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := strings.Builder{}
	fmt.Fprintf(&msg, "From: %s\r\n", c.opts.From)
	fmt.Fprintf(&msg, "To: %s\r\n", toEmail)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", c.opts.Host, c.opts.Port)
	var auth smtp.Auth
	if c.opts.Username != "" {
		auth = smtp.PlainAuth("", c.opts.Username, c.opts.Password, c.opts.Host)
	}

	if err := c.send(addr, auth, c.opts.From, []string{toEmail}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	c.logger.Info().Str("to", toEmail).Msg("email submitted")
	return nil
}

var _ EmailSender = (*SMTPClient)(nil)
