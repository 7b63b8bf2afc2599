package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/common/messaging"
)

// Publisher stores a message once per id.
type Publisher interface {
	PublishWithID(ctx context.Context, subject, msgID string, data []byte) error
}

// Runner publishes generated events to the chain event stream.
type Runner struct {
	pub      Publisher
	gen      *Generator
	interval time.Duration
	logger   *logging.Logger
}

// NewRunner creates a runner. interval paces publishing; zero publishes as
// fast as the stream accepts.
func NewRunner(pub Publisher, gen *Generator, interval time.Duration, logger *logging.Logger) *Runner {
	return &Runner{pub: pub, gen: gen, interval: interval, logger: logger.Component("seeder")}
}

// Run publishes count events and returns how many were stored. It stops at
// the first publish error.
func (r *Runner) Run(ctx context.Context, count int) (int, error) {
	subject := messaging.ChainEventSubject(r.gen.contract)
	r.logger.Info("Seeding chain events", "count", count, "subject", subject, "interval", r.interval.String())

	var ticker *time.Ticker
	if r.interval > 0 {
		ticker = time.NewTicker(r.interval)
		defer ticker.Stop()
	}

	progressEvery := count / 10
	if progressEvery < 100 {
		progressEvery = 100
	}

	for i := 0; i < count; i++ {
		if ticker != nil && i > 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-ticker.C:
			}
		}

		ev := r.gen.Next()
		data, err := json.Marshal(ev)
		if err != nil {
			return i, fmt.Errorf("marshal event %s: %w", ev.EventID, err)
		}
		if err := r.pub.PublishWithID(ctx, subject, ev.EventID, data); err != nil {
			return i, err
		}

		if (i+1)%progressEvery == 0 {
			r.logger.Info("Seeding progress", "published", i+1, "total", count)
		}
	}

	r.logger.Info("Seeding complete", "published", count)
	return count, nil
}
