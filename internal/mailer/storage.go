package mailer

import (
	"context"
	"fmt"

	"github.com/joehospital/apiserver/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// StorageMailer writes each message as an .eml object instead of sending
// it. It suits staging environments where a downstream relay or an
// operator picks the drops up.
type StorageMailer struct {
	store  *storage.Storage
	from   string
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewStorageMailer(store *storage.Storage, from string, clock clockwork.Clock, logger *zap.Logger) *StorageMailer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageMailer{store: store, from: from, clock: clock, logger: logger}
}

func (m *StorageMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	now := m.clock.Now()
	out, err := buildMessage(m.from, msg, now)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	data, err := encodeMessage(out)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	key := fmt.Sprintf("%s/%s.eml", now.UTC().Format("2006-01-02"), ksuid.New().String())
	stored, err := m.store.PutBytes(ctx, key, data, "message/rfc822")
	if err != nil {
		return fmt.Errorf("store email: %w", err)
	}
	m.logger.Info("email stored", zap.String("bucket", m.store.Bucket()), zap.String("key", stored))
	return nil
}

