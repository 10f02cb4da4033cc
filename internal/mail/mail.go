// Package mail sends digest emails over SMTP with STARTTLS.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/jonathan/brandpulse/internal/executor"
	"github.com/jonathan/brandpulse/internal/types"
)

// Config holds SMTP connection and addressing settings.
type Config struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required"`
	Username string `validate:"required"`
	Password string `validate:"required"`
	From     string `validate:"required,email"`
	To       string `validate:"required,email"`
}

// Sender delivers email messages over SMTP.
type Sender struct {
	cfg Config
}

// NewSender creates an SMTP sender.
func NewSender(cfg Config) *Sender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Sender{cfg: cfg}
}

// Send delivers the message. Permanent SMTP rejections are reported as
// terminal; connection and transient server failures are retryable.
func (s *Sender) Send(ctx context.Context, msg *types.EmailMessage) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return executor.Transient(fmt.Errorf("failed to connect to %s: %w", addr, err))
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return classifySMTP(fmt.Errorf("failed to open SMTP session: %w", err))
	}
	defer client.Close()

	if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
		return classifySMTP(fmt.Errorf("failed to start TLS: %w", err))
	}

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return classifySMTP(fmt.Errorf("failed to authenticate: %w", err))
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return classifySMTP(fmt.Errorf("failed to set sender: %w", err))
	}
	if err := client.Rcpt(s.cfg.To); err != nil {
		return classifySMTP(fmt.Errorf("failed to set recipient: %w", err))
	}

	w, err := client.Data()
	if err != nil {
		return classifySMTP(fmt.Errorf("failed to open message body: %w", err))
	}
	if _, err := w.Write(s.buildMessage(msg)); err != nil {
		w.Close()
		return executor.Transient(fmt.Errorf("failed to write message body: %w", err))
	}
	if err := w.Close(); err != nil {
		return classifySMTP(fmt.Errorf("failed to finish message body: %w", err))
	}

	// The message was accepted at DATA close; a failed QUIT must not
	// trigger a duplicate send.
	_ = client.Quit()
	return nil
}

// buildMessage renders the MIME message bytes for an HTML email.
func (s *Sender) buildMessage(msg *types.EmailMessage) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&sb, "To: %s\r\n", s.cfg.To)
	fmt.Fprintf(&sb, "Subject: %s\r\n", msg.Subject)
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(msg.HTMLBody)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// classifySMTP maps an SMTP failure to a retry class. 5xx replies are
// permanent rejections; everything else is worth retrying.
func classifySMTP(err error) error {
	var terr *textproto.Error
	if errors.As(err, &terr) && terr.Code >= 500 {
		return executor.Terminal(err)
	}
	return executor.Transient(err)
}
