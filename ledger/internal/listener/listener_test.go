package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/common/messaging"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/processor"
	"github.com/arenaledger/arena-stack/ledger/internal/repository"
)

type fakeSub struct {
	done    chan struct{}
	once    sync.Once
	stopped bool
}

func (s *fakeSub) Stop() {
	s.stopped = true
	s.close()
}

func (s *fakeSub) close()                { s.once.Do(func() { close(s.done) }) }
func (s *fakeSub) Done() <-chan struct{} { return s.done }

// fakeStream fails the first failures subscribes, then hands out subscriptions.
type fakeStream struct {
	mu       sync.Mutex
	failures int
	froms    []models.Cursor
	subs     []*fakeSub
	handler  messaging.MessageHandler
}

func (f *fakeStream) Subscribe(ctx context.Context, from models.Cursor, handler messaging.MessageHandler) (messaging.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.froms = append(f.froms, from)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	sub := &fakeSub{done: make(chan struct{})}
	f.subs = append(f.subs, sub)
	f.handler = handler
	return sub, nil
}

func (f *fakeStream) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.froms)
}

func (f *fakeStream) current() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeIngester struct {
	err  error
	seen []*models.RawEvent
}

func (f *fakeIngester) Ingest(ctx context.Context, ev *models.RawEvent) (processor.Result, error) {
	f.seen = append(f.seen, ev)
	if f.err != nil {
		return "", f.err
	}
	return processor.ResultApplied, nil
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	err  error
	msgs []published
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func chainMessage(t *testing.T, seq uint64, ev models.RawEvent) *messaging.Message {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return &messaging.Message{Subject: "chain.events.CARENA", Data: data, Sequence: seq, NumDelivered: 1}
}

func newListener(stream Stream, ing Ingester, store CursorStore, dlq messaging.Publisher) *Listener {
	return New(stream, ing, store, dlq, Config{
		Source:         "chain",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, logging.Discard(), nil)
}

func TestHandle_CommitsCursorAfterIngest(t *testing.T) {
	ctx := context.Background()
	store := repository.NewInMemoryRepository()
	ing := &fakeIngester{}
	l := newListener(&fakeStream{}, ing, store, &fakePublisher{})

	err := l.handle(ctx, chainMessage(t, 5, models.RawEvent{EventID: "tx1:0", Type: "create", BlockNumber: 100}))
	require.NoError(t, err)

	require.Len(t, ing.seen, 1)
	assert.Equal(t, "tx1:0", ing.seen[0].EventID)

	c, err := store.GetCursor(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Sequence)
	assert.Equal(t, int64(100), c.BlockNumber)
}

func notStored() error {
	return fmt.Errorf("%w: %w", processor.ErrNotStored, models.StorageError("insert raw event", errors.New("connection refused")))
}

func TestHandle_UnstoredEventHoldsCursor(t *testing.T) {
	ctx := context.Background()
	store := repository.NewInMemoryRepository()
	dlq := &fakePublisher{}
	l := newListener(&fakeStream{}, &fakeIngester{err: notStored()}, store, dlq)

	err := l.handle(ctx, chainMessage(t, 9, models.RawEvent{EventID: "tx2:0", Type: "create"}))
	assert.ErrorIs(t, err, processor.ErrNotStored)
	assert.Empty(t, dlq.msgs)

	_, err = store.GetCursor(ctx, "chain")
	assert.ErrorIs(t, err, models.ErrNotFound, "cursor must not move past an unstored event")
}

func TestHandle_StoredFailureIsLeftToReprocessing(t *testing.T) {
	ctx := context.Background()
	store := repository.NewInMemoryRepository()
	dlq := &fakePublisher{}
	l := newListener(&fakeStream{}, &fakeIngester{err: models.ErrNotFound}, store, dlq)

	err := l.handle(ctx, chainMessage(t, 9, models.RawEvent{EventID: "tx2:0", Type: "registration", BlockNumber: 70}))
	require.NoError(t, err, "a stored event is acked")
	assert.Empty(t, dlq.msgs)

	c, err := store.GetCursor(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), c.Sequence)
}

func TestHandle_DeadLetters(t *testing.T) {
	tests := []struct {
		name        string
		msg         func(t *testing.T) *messaging.Message
		ingestErr   error
		wantSubject string
	}{
		{
			name: "undecodable body",
			msg: func(t *testing.T) *messaging.Message {
				return &messaging.Message{Subject: "chain.events.CARENA", Data: []byte("{not json"), Sequence: 3}
			},
			wantSubject: "ledger.dlq.decode",
		},
		{
			name: "rejected event",
			msg: func(t *testing.T) *messaging.Message {
				return chainMessage(t, 3, models.RawEvent{EventID: "tx3:0", Type: "mint"})
			},
			ingestErr:   models.InvalidEvent("unsupported type"),
			wantSubject: "ledger.dlq.invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := repository.NewInMemoryRepository()
			dlq := &fakePublisher{}
			l := newListener(&fakeStream{}, &fakeIngester{err: tt.ingestErr}, store, dlq)

			require.NoError(t, l.handle(ctx, tt.msg(t)), "dead-lettered messages are acked")

			require.Len(t, dlq.msgs, 1)
			assert.Equal(t, tt.wantSubject, dlq.msgs[0].subject)

			var letter DeadLetter
			require.NoError(t, json.Unmarshal(dlq.msgs[0].data, &letter))
			assert.Equal(t, uint64(3), letter.Sequence)
			assert.Equal(t, "chain.events.CARENA", letter.Subject)
			assert.NotEmpty(t, letter.Error)

			c, err := store.GetCursor(ctx, "chain")
			require.NoError(t, err)
			assert.Equal(t, uint64(3), c.Sequence)
		})
	}
}

func TestHandle_DeadLetterPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := repository.NewInMemoryRepository()
	l := newListener(&fakeStream{}, &fakeIngester{}, store, &fakePublisher{err: errors.New("no responders")})

	err := l.handle(ctx, &messaging.Message{Data: []byte("garbage"), Sequence: 4})
	assert.Error(t, err, "message stays on the stream when the dead letter is not stored")

	_, err = store.GetCursor(ctx, "chain")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDecode_FillsFromBrokerMetadata(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &messaging.Message{
		Data:      []byte(`{"type":"deposit","payload":{"accountId":"acc1","amount":"5"}}`),
		Metadata:  map[string]string{msgIDHeader: "tx9:2"},
		Timestamp: stamp,
	}

	ev, err := decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "tx9:2", ev.EventID)
	assert.Equal(t, stamp, ev.Timestamp)
}

func TestRun_RetriesAndResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	store := repository.NewInMemoryRepository()
	stream := &fakeStream{failures: 2}
	l := newListener(stream, &fakeIngester{}, store, nil)

	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	require.Eventually(t, func() bool { return stream.current() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, 3, stream.attempts(), "two failed subscribes, then success")
	assert.Zero(t, stream.froms[2].Sequence, "first start has no cursor")

	stream.mu.Lock()
	handler := stream.handler
	stream.mu.Unlock()
	require.NoError(t, handler(ctx, chainMessage(t, 12, models.RawEvent{EventID: "tx4:0", Type: "create", BlockNumber: 40})))

	// The server drops the subscription; the listener resubscribes from the
	// committed position.
	first := stream.current()
	first.close()
	require.Eventually(t, func() bool { return stream.current() != first }, time.Second, time.Millisecond)

	stream.mu.Lock()
	last := stream.froms[len(stream.froms)-1]
	stream.mu.Unlock()
	assert.Equal(t, uint64(12), last.Sequence)
}

func TestStop_LeavesCursor(t *testing.T) {
	ctx := context.Background()
	store := repository.NewInMemoryRepository()
	require.NoError(t, store.SaveCursor(ctx, models.Cursor{Source: "chain", Sequence: 30}))

	stream := &fakeStream{}
	l := newListener(stream, &fakeIngester{}, store, nil)
	require.NoError(t, l.Start(ctx))
	assert.Error(t, l.Start(ctx), "second start is rejected")

	require.Eventually(t, func() bool { return stream.current() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(30), stream.froms[0].Sequence)

	l.Stop()
	assert.True(t, stream.current().stopped)

	c, err := store.GetCursor(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), c.Sequence)

	l.Stop()
}

// scriptedIngester returns queued errors first, then succeeds.
type scriptedIngester struct {
	mu   sync.Mutex
	errs []error
	seen []string
}

func (f *scriptedIngester) Ingest(ctx context.Context, ev *models.RawEvent) (processor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, ev.EventID)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return processor.ResultApplied, nil
}

func (f *scriptedIngester) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func TestRun_StorageOutageResubscribesFromCursor(t *testing.T) {
	ctx := context.Background()
	store := repository.NewInMemoryRepository()
	require.NoError(t, store.SaveCursor(ctx, models.Cursor{Source: "chain", Sequence: 10}))

	stream := &fakeStream{}
	ing := &scriptedIngester{errs: []error{notStored()}}
	l := newListener(stream, ing, store, nil)
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	require.Eventually(t, func() bool { return stream.current() != nil }, time.Second, time.Millisecond)
	first := stream.current()
	stream.mu.Lock()
	handler := stream.handler
	stream.mu.Unlock()

	// The database is down for seq 11.
	assert.Error(t, handler(ctx, chainMessage(t, 11, models.RawEvent{EventID: "tx11:0", Type: "create", BlockNumber: 110})))
	// The broker moves on to seq 12 before the subscription is torn down.
	assert.Error(t, handler(ctx, chainMessage(t, 12, models.RawEvent{EventID: "tx12:0", Type: "create", BlockNumber: 120})))
	assert.Equal(t, []string{"tx11:0"}, ing.ids(), "nothing after the unstored event is applied")

	c, err := store.GetCursor(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), c.Sequence)

	// The listener drops the subscription and resubscribes from the cursor.
	require.Eventually(t, func() bool { return stream.current() != first }, time.Second, time.Millisecond)
	assert.True(t, first.stopped)
	stream.mu.Lock()
	from := stream.froms[len(stream.froms)-1]
	handler = stream.handler
	stream.mu.Unlock()
	assert.Equal(t, uint64(10), from.Sequence)

	// Storage is back; the redelivered event and its successor both land.
	require.NoError(t, handler(ctx, chainMessage(t, 11, models.RawEvent{EventID: "tx11:0", Type: "create", BlockNumber: 110})))
	require.NoError(t, handler(ctx, chainMessage(t, 12, models.RawEvent{EventID: "tx12:0", Type: "create", BlockNumber: 120})))
	assert.Equal(t, []string{"tx11:0", "tx11:0", "tx12:0"}, ing.ids())

	c, err = store.GetCursor(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), c.Sequence)
}
