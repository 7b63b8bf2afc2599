// Package listener consumes the chain event stream, hands each event to the
// processor and commits the stream cursor once the event is durably stored.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/common/messaging"
	"github.com/arenaledger/arena-stack/ledger/internal/metrics"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/processor"
)

// Stream delivers messages starting after a committed cursor.
type Stream interface {
	Subscribe(ctx context.Context, from models.Cursor, handler messaging.MessageHandler) (messaging.Subscription, error)
}

// Ingester applies a decoded event.
type Ingester interface {
	Ingest(ctx context.Context, ev *models.RawEvent) (processor.Result, error)
}

// CursorStore persists the stream position.
type CursorStore interface {
	GetCursor(ctx context.Context, source string) (*models.Cursor, error)
	SaveCursor(ctx context.Context, cursor models.Cursor) error
}

// Config tunes the resubscribe loop.
type Config struct {
	// Source keys the stored cursor.
	Source         string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

var (
	errSubscriptionClosed = errors.New("subscription closed")
	errStalled            = errors.New("subscription stalled")
)

// DeadLetter is the envelope published for messages the ledger cannot use.
type DeadLetter struct {
	Reason   string          `json:"reason"`
	Error    string          `json:"error"`
	Subject  string          `json:"subject"`
	Sequence uint64          `json:"sequence"`
	Data     json.RawMessage `json:"data,omitempty"`
	Raw      string          `json:"raw,omitempty"`
	FailedAt time.Time       `json:"failedAt"`
}

// Listener owns one long-lived subscription.
type Listener struct {
	stream  Stream
	ingest  Ingester
	cursors CursorStore
	dlq     messaging.Publisher
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a listener. dlq may be nil, in which case unusable messages are
// logged and dropped.
func New(stream Stream, ingest Ingester, cursors CursorStore, dlq messaging.Publisher, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Listener {
	if cfg.Source == "" {
		cfg.Source = "chain"
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Listener{
		stream:  stream,
		ingest:  ingest,
		cursors: cursors,
		dlq:     dlq,
		cfg:     cfg,
		logger:  logger.Component("listener"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the listener in the background until Stop or ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return errors.New("listener already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		_ = l.Run(runCtx)
	}()
	return nil
}

// Stop cancels the subscription and waits for the loop to exit. The stored
// cursor is left as it is.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("Listener stopped")
}

// Run subscribes from the stored cursor and resubscribes with exponential
// backoff whenever the subscription fails or closes. It returns only when ctx
// is done.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.InitialBackoff
	b.MaxInterval = l.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	for {
		err := l.subscribeOnce(ctx, b)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		l.metrics.ListenerRetry()
		l.logger.WarnContext(ctx, "Stream subscription lost, retrying",
			logging.Error(err),
			"retry_in", wait.String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *Listener) subscribeOnce(ctx context.Context, b backoff.BackOff) error {
	from, err := l.cursor(ctx)
	if err != nil {
		return err
	}

	g := &gate{stalled: make(chan struct{})}
	sub, err := l.stream.Subscribe(ctx, from, g.wrap(l.handle))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.logger.InfoContext(ctx, "Listening for chain events",
		"source", l.cfg.Source,
		"after_sequence", from.Sequence)

	select {
	case <-ctx.Done():
		sub.Stop()
		return ctx.Err()
	case <-g.stalled:
		// Nothing past the failed message was applied, so resubscribing from
		// the stored cursor redelivers it on a fresh consumer.
		sub.Stop()
		if g.progressed.Load() {
			b.Reset()
		}
		l.metrics.ListenerStall()
		return fmt.Errorf("%w: %w", errStalled, g.err)
	case <-sub.Done():
		b.Reset()
		return errSubscriptionClosed
	}
}

// gate stops a subscription at the first message it could not settle. Later
// deliveries on the same subscription are refused unprocessed, so the cursor
// never passes a message that is neither stored nor dead-lettered.
type gate struct {
	once       sync.Once
	stalled    chan struct{}
	err        error
	progressed atomic.Bool
}

func (g *gate) wrap(next messaging.MessageHandler) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.Message) error {
		select {
		case <-g.stalled:
			return errStalled
		default:
		}
		if err := next(ctx, msg); err != nil {
			g.once.Do(func() {
				g.err = err
				close(g.stalled)
			})
			return err
		}
		g.progressed.Store(true)
		return nil
	}
}

func (l *Listener) cursor(ctx context.Context) (models.Cursor, error) {
	c, err := l.cursors.GetCursor(ctx, l.cfg.Source)
	if errors.Is(err, models.ErrNotFound) {
		return models.Cursor{Source: l.cfg.Source}, nil
	}
	if err != nil {
		return models.Cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	return *c, nil
}

// handle is the per-message callback. It returns an error only when the
// message is neither stored nor dead-lettered; everything else is acked and
// the cursor advances. An event that is stored but failed to apply stays
// unprocessed for the reprocess sweep.
func (l *Listener) handle(ctx context.Context, msg *messaging.Message) error {
	ev, err := decode(msg)
	if err != nil {
		return l.deadLetter(ctx, msg, "decode", err)
	}

	result, err := l.ingest.Ingest(ctx, ev)
	switch {
	case errors.Is(err, processor.ErrNotStored):
		l.logger.ErrorContext(ctx, "Event not stored, holding the stream",
			logging.EventID(ev.EventID),
			logging.EventType(ev.Type),
			"sequence", msg.Sequence,
			logging.Error(err))
		return err
	case errors.Is(err, models.ErrInvalidEvent):
		return l.deadLetter(ctx, msg, "invalid", err)
	case err != nil:
		l.logger.WarnContext(ctx, "Event stored but not applied, leaving it to reprocessing",
			logging.EventID(ev.EventID),
			logging.EventType(ev.Type),
			logging.Error(err))
	default:
		l.logger.DebugContext(ctx, "Event ingested",
			logging.EventID(ev.EventID),
			logging.Block(ev.BlockNumber),
			"result", string(result))
	}

	l.commit(ctx, msg.Sequence, ev.BlockNumber)
	return nil
}

// commit moves the cursor. A failed save is only logged: the event is already
// stored, so a replay from the older cursor is absorbed as duplicates.
func (l *Listener) commit(ctx context.Context, seq uint64, block int64) {
	if seq == 0 {
		return
	}
	err := l.cursors.SaveCursor(ctx, models.Cursor{
		Source:      l.cfg.Source,
		Sequence:    seq,
		BlockNumber: block,
		UpdatedAt:   l.now(),
	})
	if err != nil {
		l.logger.WarnContext(ctx, "Failed to commit cursor", "sequence", seq, logging.Error(err))
		return
	}
	l.metrics.Cursor(seq)
}

func (l *Listener) deadLetter(ctx context.Context, msg *messaging.Message, reason string, cause error) error {
	l.metrics.DLQ(reason)
	l.logger.WarnContext(ctx, "Dead-lettering stream message",
		"reason", reason,
		"subject", msg.Subject,
		"sequence", msg.Sequence,
		logging.Error(cause))

	if l.dlq != nil {
		letter := DeadLetter{
			Reason:   reason,
			Error:    cause.Error(),
			Subject:  msg.Subject,
			Sequence: msg.Sequence,
			FailedAt: l.now(),
		}
		if json.Valid(msg.Data) {
			letter.Data = msg.Data
		} else {
			letter.Raw = string(msg.Data)
		}
		data, err := json.Marshal(letter)
		if err != nil {
			return fmt.Errorf("marshal dead letter: %w", err)
		}
		if err := l.dlq.Publish(ctx, messaging.DLQSubject(reason), data); err != nil {
			return fmt.Errorf("dead-letter publish: %w", err)
		}
	}

	var block int64
	if ev, err := decode(msg); err == nil {
		block = ev.BlockNumber
	}
	l.commit(ctx, msg.Sequence, block)
	return nil
}

// decode reads a RawEvent from the message body. The Nats-Msg-Id header fills
// a missing event id; the broker timestamp fills a missing chain timestamp.
func decode(msg *messaging.Message) (*models.RawEvent, error) {
	var ev models.RawEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode chain event: %w", err)
	}
	if ev.EventID == "" {
		ev.EventID = msg.Metadata[msgIDHeader]
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = msg.Timestamp
	}
	return &ev, nil
}
