// Package metrics aggregates bus events into counters and latency histograms.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amishk599/harvester/internal/event"
)

// DefaultBuckets are latency histogram upper bounds in seconds.
var DefaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

type errorKey struct {
	provider  string
	kind      string
	retryable bool
}

type latencyKey struct {
	provider string
	model    string
}

type histogram struct {
	counts []uint64 // per bucket, non-cumulative; last slot is +Inf
	sum    float64
	count  uint64
}

// Emitter holds in-process counters. Nothing is persisted; counters reset on
// restart.
type Emitter struct {
	cacheHit  atomic.Int64
	cacheMiss atomic.Int64

	mu      sync.Mutex
	buckets []float64
	errors  map[errorKey]int64
	latency map[latencyKey]*histogram
	jobs    map[string]int64
}

// NewEmitter creates an emitter with the default latency buckets.
func NewEmitter() *Emitter {
	return &Emitter{
		buckets: DefaultBuckets,
		errors:  make(map[errorKey]int64),
		latency: make(map[latencyKey]*histogram),
		jobs:    make(map[string]int64),
	}
}

// Register subscribes the emitter to bus. The returned teardown removes every
// subscription and must be called on shutdown.
func (m *Emitter) Register(bus event.Bus) (teardown func()) {
	subs := []func(){
		bus.Subscribe(event.EventCacheHit, m.onCacheHit),
		bus.Subscribe(event.EventCacheMiss, m.onCacheMiss),
		bus.Subscribe(event.EventProviderCall, m.onProviderCall),
	}
	for _, t := range []event.EventType{
		event.EventJobEnqueued,
		event.EventJobStarted,
		event.EventJobSucceeded,
		event.EventJobRetrying,
		event.EventJobDeadLettered,
		event.EventJobCancelled,
	} {
		subs = append(subs, bus.Subscribe(t, m.onJob))
	}
	return func() {
		for _, unsub := range subs {
			unsub()
		}
	}
}

func (m *Emitter) onCacheHit(context.Context, event.Event) error {
	m.cacheHit.Add(1)
	return nil
}

func (m *Emitter) onCacheMiss(context.Context, event.Event) error {
	m.cacheMiss.Add(1)
	return nil
}

func (m *Emitter) onProviderCall(_ context.Context, e event.Event) error {
	call, ok := e.Payload.(event.ProviderCallEvent)
	if !ok {
		return fmt.Errorf("provider.call payload has type %T", e.Payload)
	}
	m.ObserveLatency(call.Provider, call.Model, call.Duration)
	if call.ErrorKind != "" {
		m.mu.Lock()
		m.errors[errorKey{call.Provider, call.ErrorKind, call.Retryable}]++
		m.mu.Unlock()
	}
	return nil
}

func (m *Emitter) onJob(_ context.Context, e event.Event) error {
	state := strings.TrimPrefix(string(e.Type), "job.")
	m.mu.Lock()
	m.jobs[state]++
	m.mu.Unlock()
	return nil
}

// ObserveLatency records one provider call duration.
func (m *Emitter) ObserveLatency(provider, model string, d time.Duration) {
	secs := d.Seconds()
	m.mu.Lock()
	defer m.mu.Unlock()
	key := latencyKey{provider, model}
	h, ok := m.latency[key]
	if !ok {
		h = &histogram{counts: make([]uint64, len(m.buckets)+1)}
		m.latency[key] = h
	}
	i := sort.SearchFloat64s(m.buckets, secs)
	h.counts[i]++
	h.sum += secs
	h.count++
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	CacheHit  int64
	CacheMiss int64
	Errors    map[string]int64 // "provider|kind|retryable"
	Jobs      map[string]int64 // by event suffix, e.g. "succeeded"
	Calls     map[string]uint64
}

// Snapshot copies the current counter values.
func (m *Emitter) Snapshot() Snapshot {
	s := Snapshot{
		CacheHit:  m.cacheHit.Load(),
		CacheMiss: m.cacheMiss.Load(),
		Errors:    make(map[string]int64),
		Jobs:      make(map[string]int64),
		Calls:     make(map[string]uint64),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.errors {
		s.Errors[fmt.Sprintf("%s|%s|%t", k.provider, k.kind, k.retryable)] = v
	}
	for k, v := range m.jobs {
		s.Jobs[k] = v
	}
	for k, h := range m.latency {
		s.Calls[k.provider+"|"+k.model] = h.count
	}
	return s
}

// Format renders every metric in the plaintext exposition format.
func (m *Emitter) Format() string {
	var sb strings.Builder

	sb.WriteString("# TYPE cache_hit counter\n")
	fmt.Fprintf(&sb, "cache_hit %d\n", m.cacheHit.Load())
	sb.WriteString("# TYPE cache_miss counter\n")
	fmt.Fprintf(&sb, "cache_miss %d\n", m.cacheMiss.Load())

	m.mu.Lock()
	defer m.mu.Unlock()

	sb.WriteString("# TYPE error counter\n")
	errKeys := make([]errorKey, 0, len(m.errors))
	for k := range m.errors {
		errKeys = append(errKeys, k)
	}
	sort.Slice(errKeys, func(i, j int) bool {
		a, b := errKeys[i], errKeys[j]
		if a.provider != b.provider {
			return a.provider < b.provider
		}
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		return !a.retryable && b.retryable
	})
	for _, k := range errKeys {
		fmt.Fprintf(&sb, "error{provider=%q,kind=%q,retryable=\"%t\"} %d\n", k.provider, k.kind, k.retryable, m.errors[k])
	}

	sb.WriteString("# TYPE provider_latency_seconds histogram\n")
	latKeys := make([]latencyKey, 0, len(m.latency))
	for k := range m.latency {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].provider != latKeys[j].provider {
			return latKeys[i].provider < latKeys[j].provider
		}
		return latKeys[i].model < latKeys[j].model
	})
	for _, k := range latKeys {
		h := m.latency[k]
		labels := fmt.Sprintf("provider=%q,model=%q", k.provider, k.model)
		var cum uint64
		for i, le := range m.buckets {
			cum += h.counts[i]
			fmt.Fprintf(&sb, "provider_latency_seconds_bucket{%s,le=\"%g\"} %d\n", labels, le, cum)
		}
		cum += h.counts[len(m.buckets)]
		fmt.Fprintf(&sb, "provider_latency_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, cum)
		fmt.Fprintf(&sb, "provider_latency_seconds_sum{%s} %g\n", labels, h.sum)
		fmt.Fprintf(&sb, "provider_latency_seconds_count{%s} %d\n", labels, h.count)
	}

	sb.WriteString("# TYPE jobs counter\n")
	states := make([]string, 0, len(m.jobs))
	for s := range m.jobs {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(&sb, "jobs{event=%q} %d\n", s, m.jobs[s])
	}

	return sb.String()
}
