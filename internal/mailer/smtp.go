package mailer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joehospital/apiserver/config"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

const defaultSMTPTimeout = 30 * time.Second

// SMTPMailer delivers messages over SMTP, upgrading with STARTTLS when the
// server offers it.
type SMTPMailer struct {
	// mu serializes sends; a go-mail Client holds a single connection.
	mu     sync.Mutex
	client *mail.Client
	from   string
	logger *zap.Logger
}

// NewSMTPMailer validates the sender address and builds an SMTPMailer. No
// connection is made until the first Send.
func NewSMTPMailer(cfg config.MailConfig, logger *zap.Logger) (*SMTPMailer, error) {
	if err := mail.NewMsg().From(cfg.From); err != nil {
		return nil, fmt.Errorf("parse EMAIL_FROM: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(defaultSMTPTimeout),
	}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUser),
			mail.WithPassword(cfg.SMTPPass),
		)
	}
	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	return &SMTPMailer{client: client, from: cfg.From, logger: logger}, nil
}

// Send delivers msg. Dialing honours ctx; each network step is bounded by
// the client timeout.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	out, err := buildMessage(m.from, msg, time.Now())
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	m.mu.Lock()
	err = m.client.DialAndSendWithContext(ctx, out)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	m.logger.Info("email sent", zap.String("subject", msg.Subject))
	return nil
}
