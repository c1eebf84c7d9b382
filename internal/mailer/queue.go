package mailer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joehospital/apiserver/internal/mq"
	"go.uber.org/zap"
)

// DefaultQueue is the channel outbound mail is published to.
const DefaultQueue = "mail.outbound"

// QueueMailer hands messages to a broker. The mailer worker performs the
// actual delivery, so Send only fails when the publish fails.
type QueueMailer struct {
	queue   *mq.MQ
	channel string
	logger  *zap.Logger
}

func NewQueueMailer(queue *mq.MQ, channel string, logger *zap.Logger) *QueueMailer {
	if channel == "" {
		channel = DefaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueMailer{queue: queue, channel: channel, logger: logger}
}

func (m *QueueMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	id, err := m.queue.PublishJSON(ctx, m.channel, msg, map[string]string{"kind": "email"})
	if err != nil {
		return fmt.Errorf("publish email: %w", err)
	}
	m.logger.Info("email queued", zap.String("channel", m.channel), zap.String("message_id", id))
	return nil
}

// Worker drains the outbound mail channel into a delivering Mailer.
type Worker struct {
	queue   *mq.MQ
	channel string
	sender  Mailer
	logger  *zap.Logger
}

func NewWorker(queue *mq.MQ, channel string, sender Mailer, logger *zap.Logger) *Worker {
	if channel == "" {
		channel = DefaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, channel: channel, sender: sender, logger: logger}
}

// Run blocks until ctx is done or the subscription fails.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("mailer worker started", zap.String("channel", w.channel))
	return w.queue.Subscribe(ctx, w.channel, w.handle)
}

func (w *Worker) handle(ctx context.Context, delivery mq.Message) error {
	var msg Message
	if err := json.Unmarshal(delivery.Data, &msg); err != nil {
		// Undecodable payloads are acked; redelivery cannot fix them.
		w.logger.Error("discarding malformed email payload", zap.String("message_id", delivery.ID), zap.Error(err))
		return nil
	}
	if err := w.sender.Send(ctx, msg); err != nil {
		w.logger.Warn("email delivery failed", zap.String("message_id", delivery.ID), zap.Error(err))
		return err
	}
	return nil
}
