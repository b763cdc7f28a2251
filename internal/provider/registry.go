package provider

import (
	"fmt"
	"sort"
	"time"

	"github.com/amishk599/harvester/internal/model"
)

// Settings is the per-provider configuration the orchestrator resolves a
// request against.
type Settings struct {
	Model       string
	VisionModel string
	Timeout     time.Duration
	Options     map[string]any
}

// Entry is a registered adapter plus its settings.
type Entry struct {
	Provider Provider
	Settings Settings
}

// Registry maps provider ids to adapters. It is populated once at startup and
// read-only afterwards.
type Registry struct {
	entries map[string]Entry
	order   []string
}

// NewRegistry creates an empty registry whose auto chain follows order.
func NewRegistry(order []string) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		order:   order,
	}
}

// Register adds p under p.ID(). Registering an id twice replaces the entry.
func (r *Registry) Register(p Provider, s Settings) {
	r.entries[p.ID()] = Entry{Provider: p, Settings: s}
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// IDs returns every registered id, fallback order first, then the rest sorted.
func (r *Registry) IDs() []string {
	seen := make(map[string]bool, len(r.entries))
	var ids []string
	for _, id := range r.order {
		if _, ok := r.entries[id]; ok && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	var rest []string
	for id := range r.entries {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}

// Chain resolves the adapters to try for a request. An explicit id yields just
// that adapter; an empty id yields the configured fallback order, skipping ids
// with no registered adapter.
func (r *Registry) Chain(requested string) ([]Entry, error) {
	if requested != "" {
		e, ok := r.entries[requested]
		if !ok {
			return nil, &model.ConfigurationError{Reason: fmt.Sprintf("provider %q is not configured", requested)}
		}
		return []Entry{e}, nil
	}

	var chain []Entry
	for _, id := range r.order {
		if e, ok := r.entries[id]; ok {
			chain = append(chain, e)
		}
	}
	if len(chain) == 0 {
		return nil, &model.ConfigurationError{Reason: "no providers configured"}
	}
	return chain, nil
}
