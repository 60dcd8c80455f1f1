package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-pipeline/internal/observability"
)

// Disabled describes a source taken out of rotation.
type Disabled struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Registry holds the configured connectors and the set of sources disabled
// after their credentials were rejected.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	disabled   map[string]Disabled
	enabled    map[string]chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
		disabled:   make(map[string]Disabled),
		enabled:    make(map[string]chan struct{}),
	}
}

// Add registers c under its id.
func (r *Registry) Add(c Connector) {
	r.mu.Lock()
	r.connectors[c.ID()] = c
	r.mu.Unlock()
}

// Get looks up a connector.
func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// IDs lists registered source ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Disable takes a source out of rotation. It reports whether the source was
// enabled before the call.
func (r *Registry) Disable(id, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, already := r.disabled[id]; already {
		return false
	}
	r.disabled[id] = Disabled{Reason: reason, Since: time.Now().UTC()}
	r.enabled[id] = make(chan struct{})
	observability.SetDisabledSources(len(r.disabled))
	return true
}

// Enable reloads the source's credentials and puts it back in rotation.
func (r *Registry) Enable(ctx context.Context, id string) error {
	c, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSource, id)
	}
	if rc, ok := c.(Reconfigurable); ok {
		if err := rc.ReloadCredentials(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, id)
	observability.SetDisabledSources(len(r.disabled))
	if ch, ok := r.enabled[id]; ok {
		close(ch)
		delete(r.enabled, id)
	}
	return nil
}

// IsDisabled reports whether a source is out of rotation.
func (r *Registry) IsDisabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.disabled[id]
	return ok
}

// DisabledSources returns a snapshot of the disabled set.
func (r *Registry) DisabledSources() map[string]Disabled {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Disabled, len(r.disabled))
	for id, d := range r.disabled {
		out[id] = d
	}
	return out
}

// WaitEnabled blocks while the source is disabled.
func (r *Registry) WaitEnabled(ctx context.Context, id string) error {
	r.mu.RLock()
	ch, disabled := r.enabled[id]
	r.mu.RUnlock()
	if !disabled {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
