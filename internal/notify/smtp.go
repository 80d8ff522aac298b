package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/windmark/tradewind/internal/errs"
)

// SMTPConfig locates the outbound mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c SMTPConfig) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// EmailSender delivers messages over SMTP with plain authentication.
type EmailSender struct {
	cfg SMTPConfig

	// send is swapped in tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender builds a sender for the configured relay.
func NewEmailSender(cfg SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg, send: smtp.SendMail}
}

// Send delivers one message to every recipient. The ctx deadline is not
// honored below the dial; callers bound it through the router's retry budget.
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.Recipients) == 0 {
		return errs.New("notify", errs.CodeInvalid, errs.WithMessage("no recipients configured"))
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	sb.WriteString(msg.Body)

	if err := s.send(s.cfg.addr(), auth, s.cfg.From, msg.Recipients, []byte(sb.String())); err != nil {
		return errs.Wrap("notify", err)
	}
	return nil
}
