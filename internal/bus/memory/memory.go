// Package memory is the in-process bus backend: one bounded FIFO per
// partition, acknowledged by batch.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"market-pipeline/internal/bus"
)

// Options configures the in-memory bus.
type Options struct {
	PartitionCapacity int
	RedeliveryDelay   time.Duration
}

// Bus keeps every partition in memory. Messages survive handler failures
// but not process restarts.
type Bus struct {
	capacity int
	delay    time.Duration

	mu         sync.Mutex
	partitions map[string]*partition
	closed     bool

	unavailable atomic.Bool
}

type partition struct {
	mu        sync.Mutex
	queue     []bus.Message
	nextID    uint64
	consuming bool
	notify    chan struct{}
}

// New creates an in-memory bus.
func New(opts Options) *Bus {
	if opts.PartitionCapacity <= 0 {
		opts.PartitionCapacity = 4096
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = 100 * time.Millisecond
	}
	return &Bus{
		capacity:   opts.PartitionCapacity,
		delay:      opts.RedeliveryDelay,
		partitions: make(map[string]*partition),
	}
}

// SetUnavailable makes Publish fail with bus.ErrUnavailable until reset.
func (b *Bus) SetUnavailable(v bool) { b.unavailable.Store(v) }

func (b *Bus) partition(name string) (*partition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	p, ok := b.partitions[name]
	if !ok {
		p = &partition{notify: make(chan struct{}, 1)}
		b.partitions[name] = p
	}
	return p, nil
}

// Publish appends msgs in order. It stops at the first message that cannot
// be queued and reports how many were accepted.
func (b *Bus) Publish(ctx context.Context, msgs []bus.Message) (int, error) {
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if b.unavailable.Load() {
			return i, bus.ErrUnavailable
		}
		p, err := b.partition(msg.Partition)
		if err != nil {
			return i, err
		}

		p.mu.Lock()
		if len(p.queue) >= b.capacity {
			p.mu.Unlock()
			return i, fmt.Errorf("%w: partition %s is full", bus.ErrUnavailable, msg.Partition)
		}
		p.nextID++
		msg.ID = strconv.FormatUint(p.nextID, 10)
		msg.Payload = append([]byte(nil), msg.Payload...)
		p.queue = append(p.queue, msg)
		p.mu.Unlock()

		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	return len(msgs), nil
}

// Consume delivers the partition's messages in batches until ctx is done.
// Only one consumer may read a partition at a time.
func (b *Bus) Consume(ctx context.Context, name string, batchSize int, h bus.Handler) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	p, err := b.partition(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.consuming {
		p.mu.Unlock()
		return fmt.Errorf("partition %s already has a consumer", name)
	}
	p.consuming = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.consuming = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		n := min(batchSize, len(p.queue))
		batch := append([]bus.Message(nil), p.queue[:n]...)
		p.mu.Unlock()

		if n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-p.notify:
				continue
			}
		}

		if err := h(ctx, batch); err != nil {
			// not acknowledged: redeliver after a pause
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.delay):
			}
			continue
		}

		p.mu.Lock()
		p.queue = p.queue[n:]
		p.mu.Unlock()
	}
}

// Len reports the unacknowledged messages of a partition.
func (b *Bus) Len(name string) int {
	b.mu.Lock()
	p, ok := b.partitions[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Partitions lists the partitions seen so far.
func (b *Bus) Partitions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.partitions))
	for name := range b.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close rejects further publishes.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

var _ bus.Bus = (*Bus)(nil)
