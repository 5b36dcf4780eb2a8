package sender

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"chipin-service/internal/domain"

	"github.com/jordan-wright/email"
	log "github.com/sirupsen/logrus"
)

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type EmailSender interface {
	SendEmail(ctx context.Context, msg Email, idempotencyKey string) error
}

const defaultSMTPTimeout = 15 * time.Second

type SMTPEmailSender struct {
	host    string
	port    string
	user    string
	pass    string
	from    string
	timeout time.Duration
}

// NewSMTPEmailSender builds a sender whose every send, from dial to QUIT, is
// bounded by timeout. A non-positive timeout uses 15s.
func NewSMTPEmailSender(host, port, user, pass, from string, timeout time.Duration) *SMTPEmailSender {
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	return &SMTPEmailSender{host: host, port: port, user: user, pass: pass, from: from, timeout: timeout}
}

func (s *SMTPEmailSender) SendEmail(ctx context.Context, msg Email, idempotencyKey string) error {
	if s.host == "" || s.from == "" {
		return fmt.Errorf("smtp is not configured")
	}
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	var auth smtp.Auth
	if s.user != "" {
		auth = smtp.PlainAuth("", s.user, s.pass, s.host)
	}

	e := email.NewEmail()
	e.From = s.from
	e.To = []string{strings.ToLower(strings.TrimSpace(msg.To))}
	e.Subject = msg.Subject
	e.Text = []byte(msg.Text)
	if msg.HTML != "" {
		e.HTML = []byte(msg.HTML)
	}
	if idempotencyKey != "" {
		e.Headers.Set("X-Idempotency-Key", idempotencyKey)
	}

	if err := s.send(ctx, addr, auth, e); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// send speaks SMTP over a connection whose deadline follows ctx and the send
// timeout, so a server that stalls at any step cannot hold the caller.
func (s *SMTPEmailSender) send(ctx context.Context, addr string, auth smtp.Auth, e *email.Email) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := e.Bytes()
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}
	from, err := mail.ParseAddress(e.From)
	if err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from.Address); err != nil {
		return err
	}
	for _, to := range e.To {
		rcpt, err := mail.ParseAddress(to)
		if err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
		if err := c.Rcpt(rcpt.Address); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

type LogStore interface {
	SaveLog(ctx context.Context, l domain.EmailLog) error
}

// LoggingEmailSender records every send attempt in the email log.
type LoggingEmailSender struct {
	next  EmailSender
	store LogStore
}

func NewLoggingEmailSender(next EmailSender, store LogStore) *LoggingEmailSender {
	return &LoggingEmailSender{next: next, store: store}
}

func (s *LoggingEmailSender) SendEmail(ctx context.Context, msg Email, idempotencyKey string) error {
	err := s.next.SendEmail(ctx, msg, idempotencyKey)

	logEntry := domain.EmailLog{
		Reference:      idempotencyKey,
		RecipientEmail: msg.To,
		Subject:        msg.Subject,
	}
	if err != nil {
		log.WithError(err).WithField("email", msg.To).Error("Failed to send email via SMTP")
		logEntry.Status = domain.StatusFailed
		logEntry.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	} else {
		log.WithField("email", msg.To).Info("Email sent successfully via SMTP")
		logEntry.Status = domain.StatusSent
	}

	if saveErr := s.store.SaveLog(ctx, logEntry); saveErr != nil {
		log.WithError(saveErr).Error("Failed to save email log to database")
	}
	return err
}
