package ratelimit

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ledgerState represents the operational state of a per-model ledger entry.
//
//	stateNormal      — no active rate limit; all requests pass through.
//	stateRateLimited — upstream returned 429; requests wait out the backoff.
//	stateRecovering  — backoff elapsed; a probe request is in flight.
type ledgerState int

const (
	stateNormal      ledgerState = 0
	stateRateLimited ledgerState = 1
	stateRecovering  ledgerState = 2
)

// Package-level backoff defaults, applied for unset LedgerConfig fields.
const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = 1 * time.Second
	DefaultMaxDelay        = 60 * time.Second
	DefaultExponentialBase = 2.0
	DefaultJitterFactor    = 0.1
)

// LedgerConfig holds backoff tuning parameters. Unset fields fall back to
// the package defaults above.
type LedgerConfig struct {
	// MaxRetries is the per-episode retry budget. Once exceeded the entry
	// stays closed until the full backoff elapses or a success resets it.
	// Zero is a real budget: the first 429 fails fast. Negative selects
	// DefaultMaxRetries.
	MaxRetries int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff and bounds how much of an upstream
	// Retry-After hint is honored.
	MaxDelay time.Duration

	// ExponentialBase is the growth factor per retry.
	ExponentialBase float64

	// JitterFactor sets the uniform jitter range as a fraction of the delay.
	JitterFactor float64
}

func (c *LedgerConfig) maxRetries() int {
	if c.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func (c *LedgerConfig) baseDelay() time.Duration {
	if c.BaseDelay > 0 {
		return c.BaseDelay
	}
	return DefaultBaseDelay
}

func (c *LedgerConfig) maxDelay() time.Duration {
	if c.MaxDelay > 0 {
		return c.MaxDelay
	}
	return DefaultMaxDelay
}

func (c *LedgerConfig) exponentialBase() float64 {
	if c.ExponentialBase > 1 {
		return c.ExponentialBase
	}
	return DefaultExponentialBase
}

func (c *LedgerConfig) jitterFactor() float64 {
	if c.JitterFactor > 0 {
		return c.JitterFactor
	}
	return DefaultJitterFactor
}

// modelEntry holds per-model ledger state.
type modelEntry struct {
	mu sync.Mutex

	state      ledgerState
	retryCount int
	retryAt    time.Time // when the next attempt may go out
	probeAt    time.Time // when the current recovery probe was admitted
}

// Ledger tracks upstream 429 pressure independently per model and decides
// when requests may proceed, wait, or fail fast. Safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*modelEntry
	cfg     LedgerConfig

	now func() time.Time // stubbed in tests
}

// NewLedger creates a Ledger with the given backoff configuration.
func NewLedger(cfg LedgerConfig) *Ledger {
	return &Ledger{
		entries: make(map[string]*modelEntry),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Admit reports whether a request for model may proceed now.
//
//   - Normal      → true.
//   - RateLimited → false until the backoff deadline passes, then the entry
//     transitions to Recovering and the request goes through as a probe.
//   - Recovering  → false; exactly one probe is in flight and its outcome
//     (RecordSuccess or RecordRateLimit) decides the next state. A probe
//     that dies without reporting back frees the slot after maxDelay, so a
//     lost probe cannot wedge the model shut.
//
// When false, wait is the remaining time until the next attempt is allowed.
func (l *Ledger) Admit(model string) (ok bool, wait time.Duration) {
	e := l.get(model)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateNormal:
		return true, 0

	case stateRecovering:
		held := l.now().Sub(e.probeAt)
		if window := l.cfg.maxDelay(); held < window {
			return false, window - held
		}
		e.probeAt = l.now()
		return true, 0

	case stateRateLimited:
		remaining := e.retryAt.Sub(l.now())
		if remaining > 0 {
			return false, remaining
		}
		e.state = stateRecovering
		e.probeAt = l.now()
		return true, 0
	}

	return true, 0
}

// CanRetry reports whether an in-flight request that just received a 429 for
// model still has retry budget left.
func (l *Ledger) CanRetry(model string) bool {
	e := l.get(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCount <= l.cfg.maxRetries()
}

// RecordRateLimit notes an upstream 429 for model and returns the delay the
// caller should wait before its next attempt. retryAfter is the raw
// Retry-After header value, honored when it parses and stays below the
// configured delay ceiling; otherwise the exponential backoff applies.
func (l *Ledger) RecordRateLimit(model, retryAfter string) time.Duration {
	e := l.get(model)

	e.mu.Lock()
	defer e.mu.Unlock()

	delay := l.backoff(e.retryCount)
	if hinted, ok := parseRetryAfter(retryAfter, l.now()); ok && hinted > 0 && hinted <= l.cfg.maxDelay() {
		delay = hinted
	}

	e.retryCount++
	e.state = stateRateLimited
	e.retryAt = l.now().Add(delay)
	return delay
}

// RecordSuccess resets the entry for model to Normal. Called on any 2xx.
func (l *Ledger) RecordSuccess(model string) {
	e := l.get(model)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateNormal
	e.retryCount = 0
	e.retryAt = time.Time{}
	e.probeAt = time.Time{}
}

// Reset clears the entry for model unconditionally (admin/testing hook).
func (l *Ledger) Reset(model string) {
	l.RecordSuccess(model)
}

// SecondsUntilRetry returns the whole seconds remaining until model accepts
// the next attempt, rounded up. Zero when requests may proceed now. While a
// recovery probe is in flight it returns 1: the probe usually resolves
// within a request round trip.
func (l *Ledger) SecondsUntilRetry(model string) int {
	e := l.get(model)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateRecovering:
		return 1
	case stateRateLimited:
		remaining := e.retryAt.Sub(l.now())
		if remaining <= 0 {
			return 0
		}
		return int(math.Ceil(remaining.Seconds()))
	}
	return 0
}

// StateLabel returns a metrics-friendly state name for model: "normal",
// "rate_limited", or "recovering".
func (l *Ledger) StateLabel(model string) string {
	e := l.get(model)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateRateLimited:
		return "rate_limited"
	case stateRecovering:
		return "recovering"
	default:
		return "normal"
	}
}

// backoff computes min(maxDelay, baseDelay·expBase^retries) plus a uniform
// jitter in [0, delay·jitterFactor].
func (l *Ledger) backoff(retries int) time.Duration {
	base := float64(l.cfg.baseDelay())
	delay := base * math.Pow(l.cfg.exponentialBase(), float64(retries))
	if ceil := float64(l.cfg.maxDelay()); delay > ceil {
		delay = ceil
	}
	jitter := rand.Float64() * delay * l.cfg.jitterFactor()
	return time.Duration(delay + jitter)
}

func (l *Ledger) get(model string) *modelEntry {
	l.mu.RLock()
	e, ok := l.entries[model]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[model]; ok {
		return e
	}
	e = &modelEntry{state: stateNormal}
	l.entries[model] = e
	return e
}

// parseRetryAfter interprets a Retry-After header value as either delta
// seconds or an HTTP-date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now), true
	}
	return 0, false
}
