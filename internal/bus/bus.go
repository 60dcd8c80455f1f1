// Package bus is the durable, zone-partitioned channel between the ingestion
// publisher and the stream processor.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the backend could not accept or deliver messages.
	ErrUnavailable = errors.New("bus unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus closed")
)

// Message is one encoded record on a partition. ID is assigned by the
// backend on delivery.
type Message struct {
	ID        string
	Partition string
	Key       string
	Payload   []byte
}

// Producer appends messages to their partitions. A nil error means every
// message was durably queued; on error none of the messages after the first
// failure were accepted.
type Producer interface {
	Publish(ctx context.Context, msgs []Message) (int, error)
}

// Handler processes one batch from a single partition. Messages are
// acknowledged only when it returns nil; otherwise they are redelivered.
type Handler func(ctx context.Context, batch []Message) error

// Consumer delivers a partition's messages in append order. Consume blocks
// until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, partition string, batchSize int, h Handler) error
}

// Bus is a backend that both produces and consumes.
type Bus interface {
	Producer
	Consumer
	Close() error
}
