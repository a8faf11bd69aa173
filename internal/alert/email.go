package alert

import (
	"context"
	"errors"

	"github.com/wneessen/go-mail"
)

// EmailConfig holds the SMTP endpoint and credentials.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Email sends alerts over authenticated SMTP with the snapshot attached.
type Email struct {
	cfg EmailConfig
	// send is replaced in tests.
	send func(ctx context.Context, m *mail.Msg) error
}

// NewEmail returns an email dispatcher. The connection is made per alert.
func NewEmail(cfg EmailConfig) *Email {
	e := &Email{cfg: cfg}
	e.send = e.dialAndSend
	return e
}

func (e *Email) dialAndSend(ctx context.Context, m *mail.Msg) error {
	c, err := mail.NewClient(e.cfg.Host,
		mail.WithPort(e.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(e.cfg.Username),
		mail.WithPassword(e.cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return err
	}
	return c.DialAndSendWithContext(ctx, m)
}

func (e *Email) message(a Alert) (*mail.Msg, error) {
	if len(a.Recipients) == 0 {
		return nil, errors.New("no recipients")
	}
	m := mail.NewMsg()
	if err := m.From(e.cfg.From); err != nil {
		return nil, err
	}
	if err := m.To(a.Recipients...); err != nil {
		return nil, err
	}
	m.Subject(a.Subject)
	m.SetBodyString(mail.TypeTextPlain, a.Body)
	if a.Snapshot != "" {
		m.AttachFile(a.Snapshot)
	}
	return m, nil
}

func (e *Email) Dispatch(ctx context.Context, a Alert) error {
	m, err := e.message(a)
	if err != nil {
		return transportError("email", err)
	}
	if err := e.send(ctx, m); err != nil {
		return transportError("email", err)
	}
	return nil
}
