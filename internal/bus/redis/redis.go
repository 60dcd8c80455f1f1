// Package redis implements the bus on Redis Streams: one stream per
// partition, read through a consumer group and acknowledged with XACK.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"market-pipeline/internal/bus"
	"market-pipeline/internal/config"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
)

// Bus is a Redis Streams backend.
type Bus struct {
	client   *goredis.Client
	prefix   string
	group    string
	consumer string
	block    time.Duration
	maxLen   int64
	trim     bool
	retry    time.Duration
	logger   zerolog.Logger

	groupsMu sync.Mutex
	groups   map[string]struct{}
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*Bus, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", bus.ErrUnavailable, err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, cfg config.RedisConfig, logger zerolog.Logger) *Bus {
	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = "prices"
	}
	group := cfg.Group
	if group == "" {
		group = "processor"
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "pricepipe-1"
	}
	block := cfg.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	return &Bus{
		client:   client,
		prefix:   prefix,
		group:    group,
		consumer: consumer,
		block:    block,
		maxLen:   cfg.MaxLen,
		trim:     cfg.TrimAcked,
		retry:    time.Second,
		logger:   logger.With().Str("component", "redis_bus").Logger(),
		groups:   make(map[string]struct{}),
	}
}

func (b *Bus) stream(partition string) string {
	return b.prefix + ":" + partition
}

// Publish pipelines one XADD per message. The accepted count is the length
// of the leading run of successful commands.
func (b *Bus) Publish(ctx context.Context, msgs []bus.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	pipe := b.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(msgs))
	for i, msg := range msgs {
		args := &goredis.XAddArgs{
			Stream: b.stream(msg.Partition),
			Values: map[string]any{fieldKey: msg.Key, fieldPayload: msg.Payload},
		}
		if b.maxLen > 0 {
			args.MaxLen = b.maxLen
			args.Approx = true
		}
		cmds[i] = pipe.XAdd(ctx, args)
	}
	_, execErr := pipe.Exec(ctx)

	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			return i, fmt.Errorf("%w: xadd %s: %v", bus.ErrUnavailable, msgs[i].Partition, err)
		}
	}
	if execErr != nil {
		return 0, fmt.Errorf("%w: %v", bus.ErrUnavailable, execErr)
	}
	return len(msgs), nil
}

func (b *Bus) ensureGroup(ctx context.Context, stream string) error {
	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()
	if _, ok := b.groups[stream]; ok {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group on %s: %v", bus.ErrUnavailable, stream, err)
	}
	b.groups[stream] = struct{}{}
	return nil
}

// Consume reads the partition through the consumer group. Entries left
// pending by an earlier run or a failed handler are redelivered before new
// ones.
func (b *Bus) Consume(ctx context.Context, partition string, batchSize int, h bus.Handler) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	stream := b.stream(partition)
	logger := b.logger.With().Str("zone", partition).Logger()

	pending := true
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := b.ensureGroup(ctx, stream); err != nil {
			logger.Warn().Err(err).Msg("consumer group not ready")
			if !b.sleep(ctx) {
				return nil
			}
			continue
		}

		start := ">"
		if pending {
			start = "0"
		}
		res, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, start},
			Count:    int64(batchSize),
			Block:    b.block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			pending = false
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				b.forgetGroup(stream)
			}
			logger.Warn().Err(err).Msg("stream read failed")
			if !b.sleep(ctx) {
				return nil
			}
			continue
		}

		batch := decodeEntries(partition, res)
		if len(batch) == 0 {
			pending = false
			continue
		}

		if err := h(ctx, batch); err != nil {
			logger.Warn().Err(err).Int("messages", len(batch)).Msg("batch not acknowledged, will redeliver")
			pending = true
			if !b.sleep(ctx) {
				return nil
			}
			continue
		}

		ids := make([]string, len(batch))
		for i, m := range batch {
			ids[i] = m.ID
		}
		if err := b.client.XAck(ctx, stream, b.group, ids...).Err(); err != nil {
			if ctx.Err() == nil {
				// the batch will come back as pending; processing is idempotent
				logger.Warn().Err(err).Msg("xack failed")
				pending = true
			}
			continue
		}
		if b.trim {
			if err := b.trimAcked(ctx, stream, ids[len(ids)-1]); err != nil && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("stream trim failed")
			}
		}
	}
}

// trimAcked drops entries older than the oldest pending one, or older than
// lastAcked when nothing is pending. Entries newer than lastAcked have not
// been delivered yet and are never touched.
func (b *Bus) trimAcked(ctx context.Context, stream, lastAcked string) error {
	summary, err := b.client.XPending(ctx, stream, b.group).Result()
	if err != nil {
		return err
	}
	minID := lastAcked
	if summary.Count > 0 && summary.Lower != "" {
		minID = summary.Lower
	}
	return b.client.XTrimMinID(ctx, stream, minID).Err()
}

// Length reports the entries a partition's stream still holds.
func (b *Bus) Length(ctx context.Context, partition string) (int64, error) {
	n, err := b.client.XLen(ctx, b.stream(partition)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xlen: %v", bus.ErrUnavailable, err)
	}
	return n, nil
}

func decodeEntries(partition string, streams []goredis.XStream) []bus.Message {
	var out []bus.Message
	for _, s := range streams {
		for _, m := range s.Messages {
			msg := bus.Message{ID: m.ID, Partition: partition}
			if v, ok := m.Values[fieldKey].(string); ok {
				msg.Key = v
			}
			if v, ok := m.Values[fieldPayload].(string); ok {
				msg.Payload = []byte(v)
			}
			out = append(out, msg)
		}
	}
	return out
}

func (b *Bus) forgetGroup(stream string) {
	b.groupsMu.Lock()
	delete(b.groups, stream)
	b.groupsMu.Unlock()
}

func (b *Bus) sleep(ctx context.Context) bool {
	t := time.NewTimer(b.retry)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Pending reports the number of delivered but unacknowledged entries.
func (b *Bus) Pending(ctx context.Context, partition string) (int64, error) {
	res, err := b.client.XPending(ctx, b.stream(partition), b.group).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xpending: %v", bus.ErrUnavailable, err)
	}
	return res.Count, nil
}

// Close closes the Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

var _ bus.Bus = (*Bus)(nil)
