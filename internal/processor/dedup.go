package processor

import (
	"container/list"
	"strings"

	"github.com/shopspring/decimal"

	"market-pipeline/internal/domain"
)

type verdict int

const (
	// unseen keys are decided by the store upsert
	verdictUnseen verdict = iota
	verdictNewer
	verdictStale
)

type dedupEntry struct {
	key         domain.DedupKey
	seq         uint64
	fingerprint string
}

// dedupCache remembers the highest ingest sequence per dedup key, bounded
// by LRU eviction. A miss is not proof of novelty: the store upsert has the
// final word.
type dedupCache struct {
	capacity int
	order    *list.List
	entries  map[domain.DedupKey]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 50000
	}
	return &dedupCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[domain.DedupKey]*list.Element),
	}
}

// Check classifies rec against the cached sequence and returns the cached
// fingerprint, if any.
func (c *dedupCache) Check(rec domain.PriceRecord) (verdict, string) {
	el, ok := c.entries[rec.Key()]
	if !ok {
		return verdictUnseen, ""
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*dedupEntry)
	if rec.IngestSequence <= entry.seq {
		return verdictStale, entry.fingerprint
	}
	return verdictNewer, entry.fingerprint
}

// Remember records the stored sequence for rec's key.
func (c *dedupCache) Remember(rec domain.PriceRecord, fingerprint string) {
	key := rec.Key()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*dedupEntry)
		if rec.IngestSequence > entry.seq {
			entry.seq = rec.IngestSequence
			entry.fingerprint = fingerprint
		}
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&dedupEntry{key: key, seq: rec.IngestSequence, fingerprint: fingerprint})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupEntry).key)
	}
}

// Len reports the number of cached keys.
func (c *dedupCache) Len() int { return c.order.Len() }

// fingerprint captures the non-key content of a record that subscribers see.
func fingerprint(rec domain.PriceRecord) string {
	return strings.Join([]string{
		rec.Price.String(),
		rec.Volume.String(),
		optString(rec.CongestionCost),
		optString(rec.LossCost),
		optString(rec.RenewablePercentage),
		optString(rec.LoadForecast),
	}, "|")
}

func optString(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}
