package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPConfig holds decrypted connection settings for one account.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // SSL, TLS, STARTTLS or empty
	LocalName  string
}

// SMTPTransport sends through an SMTP relay with gomail.
type SMTPTransport struct {
	cfg  SMTPConfig
	auth smtp.Auth
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) dialer() *gomail.Dialer {
	d := gomail.NewDialer(t.cfg.Host, t.cfg.Port, t.cfg.Username, t.cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: t.cfg.Host}
	switch strings.ToUpper(t.cfg.Encryption) {
	case "SSL", "TLS":
		d.SSL = true
	case "STARTTLS", "":
		d.SSL = t.cfg.Port == 465
	}
	if t.cfg.LocalName != "" {
		d.LocalName = t.cfg.LocalName
	}
	if t.auth != nil {
		d.Auth = t.auth
	}
	return d
}

// Send delivers msg. gomail has no context support, so the call runs in its
// own goroutine and an expired context yields a transient failure even if
// the relay later accepts the message.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) SendResult {
	m := buildMessage(msg)

	done := make(chan error, 1)
	go func() {
		done <- t.dialer().DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Classify(fmt.Errorf("smtp send to %s: %w", msg.To, err))
		}
		return Success(msg.MessageID)
	case <-ctx.Done():
		return Classify(fmt.Errorf("smtp send to %s: %w", msg.To, ctx.Err()))
	}
}

// TestConnection dials and authenticates without sending anything.
func (t *SMTPTransport) TestConnection(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		closer, err := t.dialer().Dial()
		if err == nil {
			err = closer.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp connection to %s:%d failed: %w", t.cfg.Host, t.cfg.Port, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(msg *Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetDateHeader("Date", time.Now())
	if msg.MessageID != "" {
		m.SetHeader("Message-ID", msg.MessageID)
	}
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		m.SetHeader("References", strings.Join(msg.References, " "))
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	m.SetBody("text/html", msg.HTML)
	return m
}
