// Package notify sends outbound customer email.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"ms-orders/internal/config"
)

// Message is one HTML email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer delivers through a plain SMTP relay.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	m := &SMTPMailer{
		addr: fmt.Sprintf("%s:%s", cfg.SMTPHost, cfg.SMTPPort),
		from: cfg.From,
		send: smtp.SendMail,
	}
	if cfg.SMTPUsername != "" {
		m.auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return m
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("header injection in message to %q", msg.To)
	}
	return m.send(m.addr, m.auth, m.from, []string{msg.To}, m.format(msg))
}

func (m *SMTPMailer) format(msg Message) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		m.from, msg.To, msg.Subject, msg.HTML,
	))
}

// NopMailer drops every message. Used when email is disabled.
type NopMailer struct{}

func (NopMailer) Send(context.Context, Message) error { return nil }
