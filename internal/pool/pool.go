// Package pool maintains per-model runtime handles.
//
// A handle bundles the pieces the pipeline needs on every request for a
// model (its configuration, dialect strategy and streaming capability) with
// usage counters. Handles are created lazily on first use and swept by a
// background goroutine once idle, so a burst against many models does not
// pin their state forever.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/aicore-proxy/internal/dialect"
	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

// Capability classifies how a model's responses can be streamed to clients.
type Capability int

const (
	// StreamNone means responses are buffered and chunked locally.
	StreamNone Capability = iota
	// StreamNative means the upstream emits SSE the adapter can relay.
	StreamNative
)

// Handle is the per-model runtime state. The strategy and capability fields
// are immutable after creation; counters are guarded by the owning pool.
type Handle struct {
	Config     models.ModelConfig
	Strategy   dialect.Strategy
	Capability Capability

	lastUsed     time.Time
	requestCount uint64
}

// Stats is a point-in-time snapshot of a handle's counters.
type Stats struct {
	Model        string
	RequestCount uint64
	LastUsed     time.Time
}

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// Pool hands out model handles and sweeps idle ones. Safe for concurrent use.
type Pool struct {
	mu      sync.RWMutex
	handles map[string]*Handle

	idleTimeout   time.Duration
	sweepInterval time.Duration

	done chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithIdleTimeout overrides how long an unused handle survives.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.sweepInterval = d
		}
	}
}

// New creates a Pool and starts the background sweep loop. The loop stops
// when ctx is cancelled or Close is called.
func New(ctx context.Context, opts ...Option) *Pool {
	p := &Pool{
		handles:       make(map[string]*Handle),
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.sweep(ctx)
	return p
}

// Acquire returns the handle for mc, creating it on first use, and bumps its
// usage counters.
func (p *Pool) Acquire(mc models.ModelConfig) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[mc.Name]
	if !ok {
		h = &Handle{
			Config:     mc,
			Strategy:   dialect.For(mc.Dialect),
			Capability: probeCapability(mc),
		}
		p.handles[mc.Name] = h
	}
	h.lastUsed = time.Now()
	h.requestCount++
	return h
}

// probeCapability decides the streaming class for a model: native when the
// model opts into streaming and its dialect has an SSE path, otherwise none.
func probeCapability(mc models.ModelConfig) Capability {
	if !mc.SupportsStreaming {
		return StreamNone
	}
	if _, ok := dialect.StreamFor(mc.Dialect); !ok {
		return StreamNone
	}
	return StreamNative
}

// Snapshot returns the current usage counters for every live handle.
func (p *Pool) Snapshot() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Stats, 0, len(p.handles))
	for name, h := range p.handles {
		out = append(out, Stats{
			Model:        name,
			RequestCount: h.requestCount,
			LastUsed:     h.lastUsed,
		})
	}
	return out
}

// Len returns the number of live handles.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

// Close stops the background sweep goroutine.
func (p *Pool) Close() {
	close(p.done)
}

// sweep evicts handles idle longer than the timeout.
func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	for name, h := range p.handles {
		if h.lastUsed.Before(cutoff) {
			delete(p.handles, name)
		}
	}
	p.mu.Unlock()
}
