package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arenaledger/arena-stack/common/messaging"
)

// JetStreamClient adds JetStream persistence on top of a core connection.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	MaxBytes  int64
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration
}

// ConsumerConfig defines how a subscription reads a stream.
type ConsumerConfig struct {
	// FilterSubject narrows which stream subjects are delivered.
	FilterSubject string

	// StartSequence is the first stream sequence to deliver. Zero means
	// "only messages published from now on".
	StartSequence uint64

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration

	// MaxDeliver caps delivery attempts per message (-1 for unlimited).
	MaxDeliver int

	// MaxAckPending caps unacknowledged messages in flight.
	MaxAckPending int

	// NakDelay is the redelivery delay after a handler error.
	NakDelay time.Duration
}

// Predefined streams.
var (
	// ChainEventsStream holds raw chain events. Limits retention keeps the log
	// replayable from any stored cursor within MaxAge.
	ChainEventsStream = StreamConfig{
		Name:       "CHAIN_EVENTS",
		Subjects:   []string{messaging.SubjectChainEventsAll},
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1024 * 1024 * 1024, // 1GB
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 10 * time.Minute,
	}

	// LedgerDLQStream holds stream messages the listener could not decode.
	LedgerDLQStream = StreamConfig{
		Name:      "LEDGER_DLQ",
		Subjects:  []string{messaging.SubjectLedgerDLQAll},
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  100 * 1024 * 1024, // 100MB
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)

// DefaultConsumerConfig returns consumer defaults for a filter subject.
func DefaultConsumerConfig(filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 64,
		NakDelay:      5 * time.Second,
	}
}

// NewJetStreamClient connects and opens a JetStream context.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
		Duplicates: cfg.Duplicates,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// Publish stores data on subject and waits for the stream ack.
func (c *JetStreamClient) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishWithID is Publish with a Nats-Msg-Id header so the stream drops
// repeats inside its duplicate window.
func (c *JetStreamClient) PublishWithID(ctx context.Context, subject, msgID string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe starts delivering stream messages to handler from
// cfg.StartSequence. The consumer is ephemeral: the caller owns the cursor
// and resubscribes from it after a restart. Handler errors NAK the message
// with cfg.NakDelay; successes are acked. Transport errors are passed to onErr.
func (c *JetStreamClient) Subscribe(ctx context.Context, streamName string, cfg ConsumerConfig, handler messaging.MessageHandler, onErr func(error)) (messaging.Subscription, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumerCfg := jetstream.ConsumerConfig{
		FilterSubject:     cfg.FilterSubject,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           cfg.AckWait,
		MaxDeliver:        cfg.MaxDeliver,
		MaxAckPending:     cfg.MaxAckPending,
		InactiveThreshold: 5 * time.Minute,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
	}
	if cfg.StartSequence > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = cfg.StartSequence
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer on %s: %w", streamName, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		m := &messaging.Message{
			Subject: msg.Subject(),
			Data:    msg.Data(),
		}
		if meta, err := msg.Metadata(); err == nil {
			m.Sequence = meta.Sequence.Stream
			m.NumDelivered = meta.NumDelivered
			m.Timestamp = meta.Timestamp
		}
		if headers := msg.Headers(); headers != nil {
			m.Metadata = make(map[string]string, len(headers))
			for k := range headers {
				m.Metadata[k] = headers.Get(k)
			}
		}

		if err := handler(consumeCtx, m); err != nil {
			_ = msg.NakWithDelay(cfg.NakDelay)
			return
		}
		_ = msg.Ack()
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if onErr != nil {
			onErr(err)
		}
	}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return &subscription{cc: cc, cancel: cancel}, nil
}

type subscription struct {
	cc     jetstream.ConsumeContext
	cancel context.CancelFunc
}

func (s *subscription) Stop() {
	s.cancel()
	s.cc.Stop()
}

func (s *subscription) Done() <-chan struct{} {
	return s.cc.Closed()
}
