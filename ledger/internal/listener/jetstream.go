package listener

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/common/messaging"
	natsclient "github.com/arenaledger/arena-stack/common/messaging/nats"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
)

const msgIDHeader = nats.MsgIdHdr

// JetStreamSource reads a JetStream stream with an ephemeral consumer positioned
// from the ledger's own cursor.
type JetStreamSource struct {
	client   *natsclient.JetStreamClient
	stream   string
	consumer natsclient.ConsumerConfig
	logger   *logging.Logger
}

// NewJetStreamSource creates a source. One message is in flight at a time so
// the cursor always names the last applied sequence.
func NewJetStreamSource(client *natsclient.JetStreamClient, stream string, consumer natsclient.ConsumerConfig, logger *logging.Logger) *JetStreamSource {
	consumer.MaxAckPending = 1
	return &JetStreamSource{
		client:   client,
		stream:   stream,
		consumer: consumer,
		logger:   logger.Component("jetstream"),
	}
}

// Subscribe starts delivery after from.Sequence, or from new messages when no
// cursor has been committed yet.
func (s *JetStreamSource) Subscribe(ctx context.Context, from models.Cursor, handler messaging.MessageHandler) (messaging.Subscription, error) {
	cfg := s.consumer
	cfg.StartSequence = 0
	if from.Sequence > 0 {
		cfg.StartSequence = from.Sequence + 1
	}
	return s.client.Subscribe(ctx, s.stream, cfg, handler, func(err error) {
		s.logger.Warn("Consumer error", "stream", s.stream, logging.Error(err))
	})
}
