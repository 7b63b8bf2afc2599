// Package messaging provides broker-agnostic message types so the ledger can
// consume a chain event stream and publish dead letters without depending on a
// specific broker.
package messaging

import (
	"context"
	"time"
)

// Message is one message received from or sent to a broker.
type Message struct {
	// Subject is the topic the message was published to.
	Subject string

	// Data is the raw payload.
	Data []byte

	// Metadata carries message headers.
	Metadata map[string]string

	// Sequence is the broker-assigned position in the stream. Zero for
	// brokers without ordered streams.
	Sequence uint64

	// NumDelivered counts delivery attempts, starting at 1.
	NumDelivered uint64

	// Timestamp is when the broker stored the message.
	Timestamp time.Time
}

// MessageHandler processes a received message. A non-nil error asks the
// broker to redeliver.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is an active stream subscription.
type Subscription interface {
	// Stop ends delivery. It does not wait for an in-flight handler.
	Stop()

	// Done is closed when the subscription terminates for any reason.
	Done() <-chan struct{}
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends data to subject and waits for the broker to store it.
	Publish(ctx context.Context, subject string, data []byte) error
}
