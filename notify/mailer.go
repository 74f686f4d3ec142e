package notify

import (
	"context"
	"fmt"

	gomail "github.com/wneessen/go-mail"
)

// SMTPMailer sends plain-text mail over SMTP. A fresh connection per message
// keeps it simple; batches here are small.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return fmt.Errorf("mail from %q: %w", m.From, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("mail to %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	opts := []gomail.Option{
		gomail.WithPort(m.Port),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
	}
	if m.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.Username),
			gomail.WithPassword(m.Password),
		)
	}
	client, err := gomail.NewClient(m.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send to %q: %w", to, err)
	}
	return nil
}
