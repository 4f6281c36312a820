package delivery

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/wneessen/go-mail"

	"github.com/hpharmsen/ainews/internal/config"
)

const smtpTimeout = 30 * time.Second

// Transport sends composed messages over an open connection.
type Transport interface {
	Send(ctx context.Context, msg *mail.Msg) error
	Close() error
}

// SMTPTransport is an authenticated STARTTLS session.
type SMTPTransport struct {
	client *mail.Client
}

// DialSMTP connects and authenticates.
func DialSMTP(ctx context.Context, cfg config.SMTP) (*SMTPTransport, error) {
	client, err := mail.NewClient(cfg.Host,
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTimeout(smtpTimeout),
	)
	if err != nil {
		return nil, errors.Wrap(err, "configuring SMTP client")
	}
	if err := client.DialWithContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "connecting to %s:%d", cfg.Host, cfg.Port)
	}
	return &SMTPTransport{client: client}, nil
}

func (t *SMTPTransport) Send(ctx context.Context, msg *mail.Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.client.Send(msg)
}

func (t *SMTPTransport) Close() error {
	return t.client.Close()
}
