// Package gateway fans stored price records out to live subscribers.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/observability"
)

// Options configures the hub and its WebSocket endpoint.
type Options struct {
	QueueSize         int
	IntakeSize        int
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
}

// OptionsFromConfig maps gateway configuration.
func OptionsFromConfig(cfg config.GatewayConfig) Options {
	return Options{
		QueueSize:         cfg.QueueSize,
		IntakeSize:        cfg.IntakeSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessTimeout:   cfg.LivenessTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		AllowedOrigins:    cfg.AllowedOrigins,
	}
}

// Filter selects the records a client receives.
type Filter struct {
	Zones     []string         `json:"zones"`
	PriceType domain.PriceType `json:"price_type,omitempty"`
}

// Client is one live subscriber with a bounded outbound queue. When the
// queue is full the oldest record is discarded and counted.
type Client struct {
	ID string

	mu        sync.Mutex
	zones     map[string]struct{}
	priceType domain.PriceType
	queue     []domain.PriceRecord
	head      int
	size      int

	ready   chan struct{}
	dropped atomic.Int64
}

func newClient(id string, capacity int) *Client {
	return &Client{
		ID:    id,
		zones: make(map[string]struct{}),
		queue: make([]domain.PriceRecord, capacity),
		ready: make(chan struct{}, 1),
	}
}

func (c *Client) setFilter(f Filter) {
	zones := make(map[string]struct{}, len(f.Zones))
	for _, z := range f.Zones {
		zones[z] = struct{}{}
	}
	c.mu.Lock()
	c.zones = zones
	c.priceType = f.PriceType
	c.mu.Unlock()
}

// Filter returns the client's current filter.
func (c *Client) Filter() Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := Filter{PriceType: c.priceType, Zones: make([]string, 0, len(c.zones))}
	for z := range c.zones {
		f.Zones = append(f.Zones, z)
	}
	sort.Strings(f.Zones)
	return f
}

func (c *Client) matches(rec domain.PriceRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.zones[rec.MarketZone]; !ok {
		return false
	}
	return c.priceType == "" || c.priceType == rec.PriceType
}

// offer enqueues rec without blocking and reports whether an older record
// had to be dropped.
func (c *Client) offer(rec domain.PriceRecord) bool {
	c.mu.Lock()
	dropped := false
	capacity := len(c.queue)
	if c.size == capacity {
		c.head = (c.head + 1) % capacity
		c.size--
		dropped = true
	}
	c.queue[(c.head+c.size)%capacity] = rec
	c.size++
	c.mu.Unlock()

	if dropped {
		c.dropped.Add(1)
	}
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Drain removes and returns every queued record in order.
func (c *Client) Drain() []domain.PriceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PriceRecord, 0, c.size)
	for c.size > 0 {
		out = append(out, c.queue[c.head])
		c.queue[c.head] = domain.PriceRecord{}
		c.head = (c.head + 1) % len(c.queue)
		c.size--
	}
	return out
}

// Ready is signalled whenever records were queued.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Dropped reports how many records were discarded for this client.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Hub is the registry of live clients and the distribution loop feeding them.
type Hub struct {
	opts   Options
	logger zerolog.Logger
	intake chan domain.PriceRecord
	seq    atomic.Uint64

	intakeDropped atomic.Int64
	shutdown      chan struct{}
	shutdownOnce  sync.Once

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty hub.
func NewHub(opts Options, logger zerolog.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.IntakeSize <= 0 {
		opts.IntakeSize = 4096
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		opts:     opts,
		logger:   logger.With().Str("component", "gateway").Logger(),
		intake:   make(chan domain.PriceRecord, opts.IntakeSize),
		shutdown: make(chan struct{}),
		clients:  make(map[string]*Client),
	}
}

// Publish hands rec to the distribution loop. It never blocks: when the
// intake is full the oldest pending record is discarded.
func (h *Hub) Publish(rec domain.PriceRecord) {
	for {
		select {
		case h.intake <- rec:
			return
		default:
		}
		select {
		case <-h.intake:
			h.intakeDropped.Add(1)
			observability.RecordGatewayDelivery(0, 1)
		default:
		}
	}
}

// Run distributes published records until ctx is done, then closes every
// live connection.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdownOnce.Do(func() { close(h.shutdown) })
			return nil
		case rec := <-h.intake:
			h.distribute(rec)
		}
	}
}

func (h *Hub) distribute(rec domain.PriceRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered, dropped := 0, 0
	for _, c := range h.clients {
		if !c.matches(rec) {
			continue
		}
		delivered++
		if c.offer(rec) {
			dropped++
		}
	}
	if delivered > 0 || dropped > 0 {
		observability.RecordGatewayDelivery(delivered, dropped)
	}
}

// Register adds a client with an empty filter.
func (h *Hub) Register() *Client {
	c := newClient(fmt.Sprintf("c-%d", h.seq.Add(1)), h.opts.QueueSize)
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetGatewayClients(n)
	h.logger.Debug().Str("client", c.ID).Msg("client connected")
	return c
}

// Subscribe replaces the filter of a registered client.
func (h *Hub) Subscribe(id string, f Filter) error {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown client %s", id)
	}
	c.setFilter(f)
	h.logger.Debug().Str("client", id).Strs("zones", f.Zones).Str("price_type", string(f.PriceType)).Msg("subscription updated")
	return nil
}

// Unregister removes a client and discards its subscription.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	observability.SetGatewayClients(n)
	h.logger.Debug().Str("client", id).Int64("dropped", c.Dropped()).Msg("client disconnected")
}

// Client returns a registered client.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
