package notify

import (
	"context"
	"fmt"
	"net/smtp"
)

// Mailer delivers a single message. The SMTP implementation is used in
// production; tests substitute a recording fake.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends mail through a plain-auth SMTP relay.
type SMTPMailer struct {
	Host     string
	Port     string
	From     string
	Address  string
	Password string
}

func (m SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	auth := smtp.PlainAuth("", m.Address, m.Password, m.Host)
	message := []byte("From: " + m.From + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n\r\n" +
		body)
	if err := smtp.SendMail(m.Host+":"+m.Port, auth, m.Address, []string{to}, message); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}
