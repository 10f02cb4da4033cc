package mail

import (
	"errors"
	"fmt"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/brandpulse/internal/executor"
	"github.com/jonathan/brandpulse/internal/types"
)

func TestBuildMessage(t *testing.T) {
	s := NewSender(Config{
		Host: "smtp.example.com",
		From: "agent@example.com",
		To:   "owner@example.com",
	})

	msg := s.buildMessage(&types.EmailMessage{
		Subject:  "Acme Agent Digest - Run 3",
		HTMLBody: "<h2>Digest</h2>",
	})

	text := string(msg)
	assert.Contains(t, text, "From: agent@example.com\r\n")
	assert.Contains(t, text, "To: owner@example.com\r\n")
	assert.Contains(t, text, "Subject: Acme Agent Digest - Run 3\r\n")
	assert.Contains(t, text, "Content-Type: text/html; charset=\"UTF-8\"\r\n")
	assert.Contains(t, text, "\r\n\r\n<h2>Digest</h2>")
}

func TestNewSender_DefaultsPort(t *testing.T) {
	s := NewSender(Config{Host: "smtp.example.com"})
	assert.Equal(t, 587, s.cfg.Port)
}

func TestClassifySMTP(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want executor.Class
	}{
		{"550 rejection is permanent", wrapSMTP(550, "mailbox unavailable"), executor.ClassTerminal},
		{"554 rejection is permanent", wrapSMTP(554, "transaction failed"), executor.ClassTerminal},
		{"421 retries", wrapSMTP(421, "service not available"), executor.ClassTransient},
		{"450 retries", wrapSMTP(450, "try again later"), executor.ClassTransient},
		{"plain error retries", errors.New("connection reset"), executor.ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, executor.ClassOf(classifySMTP(tt.err)))
		})
	}
}

func wrapSMTP(code int, msg string) error {
	return fmt.Errorf("failed to set recipient: %w", &textproto.Error{Code: code, Msg: msg})
}
