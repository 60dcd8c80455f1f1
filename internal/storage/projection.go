package storage

import (
	"context"
	"fmt"
	"sync"

	"market-pipeline/internal/domain"
)

type latestKey struct {
	zone string
	pt   domain.PriceType
}

// Projected wraps a Store with a latest-price-per-(zone, price type)
// projection for fast dashboard reads. The projection is derived: it is
// filled from successful upserts and rebuilt from the store on start.
type Projected struct {
	Store

	mu     sync.RWMutex
	latest map[latestKey]domain.PriceRecord
}

// NewProjected decorates store.
func NewProjected(store Store) *Projected {
	return &Projected{Store: store, latest: make(map[latestKey]domain.PriceRecord)}
}

// Rebuild discards the projection and reloads it for the given zones
// (or every stored zone when zones is empty).
func (p *Projected) Rebuild(ctx context.Context, zones []string) error {
	if len(zones) == 0 {
		stored, err := p.Store.Zones(ctx)
		if err != nil {
			return fmt.Errorf("list zones: %w", err)
		}
		zones = stored
	}

	fresh := make(map[latestKey]domain.PriceRecord)
	for _, zone := range zones {
		for _, pt := range domain.PriceTypes {
			rec, ok, err := p.Store.Latest(ctx, zone, pt)
			if err != nil {
				return fmt.Errorf("load latest %s/%s: %w", zone, pt, err)
			}
			if ok {
				fresh[latestKey{zone, pt}] = rec
			}
		}
	}

	p.mu.Lock()
	p.latest = fresh
	p.mu.Unlock()
	return nil
}

// Upsert writes through and advances the projection when the stored row is newer.
func (p *Projected) Upsert(ctx context.Context, rec domain.PriceRecord) (UpsertOutcome, error) {
	outcome, err := p.Store.Upsert(ctx, rec)
	if err != nil || !outcome.Written() {
		return outcome, err
	}

	key := latestKey{rec.MarketZone, rec.PriceType}
	p.mu.Lock()
	current, ok := p.latest[key]
	if !ok || !rec.Timestamp.Before(current.Timestamp) {
		p.latest[key] = rec
	}
	p.mu.Unlock()
	return outcome, nil
}

// Latest serves from the projection and falls back to the store on a miss.
func (p *Projected) Latest(ctx context.Context, zone string, pt domain.PriceType) (domain.PriceRecord, bool, error) {
	p.mu.RLock()
	rec, ok := p.latest[latestKey{zone, pt}]
	p.mu.RUnlock()
	if ok {
		return rec, true, nil
	}

	rec, ok, err := p.Store.Latest(ctx, zone, pt)
	if err != nil || !ok {
		return rec, ok, err
	}
	p.mu.Lock()
	if current, exists := p.latest[latestKey{zone, pt}]; !exists || !rec.Timestamp.Before(current.Timestamp) {
		p.latest[latestKey{zone, pt}] = rec
	}
	p.mu.Unlock()
	return rec, true, nil
}

// Invalidate drops projected entries, used after retention deletes.
func (p *Projected) Invalidate() {
	p.mu.Lock()
	p.latest = make(map[latestKey]domain.PriceRecord)
	p.mu.Unlock()
}

// TryAdvisoryLock forwards to the wrapped store when it supports locking.
func (p *Projected) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if locker, ok := p.Store.(AdvisoryLocker); ok {
		return locker.TryAdvisoryLock(ctx, key)
	}
	return func() {}, true, nil
}

// Migrate forwards to the wrapped store when it has migrations.
func (p *Projected) Migrate(ctx context.Context) error {
	if m, ok := p.Store.(Migrator); ok {
		return m.Migrate(ctx)
	}
	return nil
}

var (
	_ Store          = (*Projected)(nil)
	_ AdvisoryLocker = (*Projected)(nil)
	_ Migrator       = (*Projected)(nil)
)
