package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests advance ledger time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func testLedger(cfg LedgerConfig) (*Ledger, *fakeClock) {
	l := NewLedger(cfg)
	c := newFakeClock()
	l.now = c.now
	return l, c
}

func TestLedgerAdmitNormal(t *testing.T) {
	l, _ := testLedger(LedgerConfig{})
	ok, wait := l.Admit("gpt-4o")
	if !ok || wait != 0 {
		t.Fatalf("Admit = (%v, %v), want (true, 0)", ok, wait)
	}
}

func TestLedgerBlocksAfterRateLimit(t *testing.T) {
	l, clock := testLedger(LedgerConfig{BaseDelay: time.Second, JitterFactor: 0.001})

	delay := l.RecordRateLimit("gpt-4o", "")
	if delay < time.Second {
		t.Fatalf("first delay = %v, want >= base delay", delay)
	}

	ok, wait := l.Admit("gpt-4o")
	if ok {
		t.Fatal("Admit should block inside the backoff window")
	}
	if wait <= 0 {
		t.Fatalf("wait = %v, want > 0", wait)
	}

	clock.advance(delay + time.Millisecond)
	ok, _ = l.Admit("gpt-4o")
	if !ok {
		t.Fatal("Admit should allow a probe after the backoff elapses")
	}
	if got := l.StateLabel("gpt-4o"); got != "recovering" {
		t.Fatalf("state = %q, want recovering", got)
	}
}

func TestLedgerBackoffGrowsExponentially(t *testing.T) {
	l, _ := testLedger(LedgerConfig{
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
		JitterFactor:    0.0001,
	})

	d0 := l.RecordRateLimit("gpt-4o", "")
	d1 := l.RecordRateLimit("gpt-4o", "")
	d2 := l.RecordRateLimit("gpt-4o", "")

	if d1 < 2*time.Second || d1 >= 3*time.Second {
		t.Fatalf("second delay = %v, want ~2s", d1)
	}
	if d2 < 4*time.Second || d2 >= 5*time.Second {
		t.Fatalf("third delay = %v, want ~4s", d2)
	}
	_ = d0
}

func TestLedgerBackoffCappedAtMaxDelay(t *testing.T) {
	l, _ := testLedger(LedgerConfig{
		BaseDelay:       time.Second,
		MaxDelay:        4 * time.Second,
		ExponentialBase: 10,
		JitterFactor:    0.0001,
	})

	l.RecordRateLimit("gpt-4o", "")
	l.RecordRateLimit("gpt-4o", "")
	d := l.RecordRateLimit("gpt-4o", "")
	if d > 4*time.Second+10*time.Millisecond {
		t.Fatalf("delay = %v, want capped near 4s", d)
	}
}

func TestLedgerHonorsRetryAfterSeconds(t *testing.T) {
	l, _ := testLedger(LedgerConfig{BaseDelay: time.Second, MaxDelay: time.Minute})

	d := l.RecordRateLimit("gpt-4o", "7")
	if d != 7*time.Second {
		t.Fatalf("delay = %v, want 7s from Retry-After", d)
	}
}

func TestLedgerHonorsRetryAfterHTTPDate(t *testing.T) {
	l, clock := testLedger(LedgerConfig{BaseDelay: time.Second, MaxDelay: time.Minute})

	date := clock.now().Add(9 * time.Second).UTC().Format(time.RFC1123)
	d := l.RecordRateLimit("gpt-4o", date)
	if d < 8*time.Second || d > 9*time.Second {
		t.Fatalf("delay = %v, want ~9s from HTTP-date", d)
	}
}

func TestLedgerIgnoresRetryAfterAboveCeiling(t *testing.T) {
	l, _ := testLedger(LedgerConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, JitterFactor: 0.0001})

	d := l.RecordRateLimit("gpt-4o", "3600")
	if d > 5*time.Second+10*time.Millisecond {
		t.Fatalf("delay = %v, oversized Retry-After must fall back to backoff", d)
	}
}

func TestLedgerCanRetryExhaustsBudget(t *testing.T) {
	l, _ := testLedger(LedgerConfig{MaxRetries: 2, BaseDelay: time.Millisecond})

	for i := 0; i < 2; i++ {
		l.RecordRateLimit("gpt-4o", "")
		if !l.CanRetry("gpt-4o") {
			t.Fatalf("budget exhausted too early at record %d", i+1)
		}
	}
	l.RecordRateLimit("gpt-4o", "")
	if l.CanRetry("gpt-4o") {
		t.Fatal("CanRetry should report false once retries exceed the budget")
	}
}

func TestLedgerZeroRetryBudgetFailsFast(t *testing.T) {
	l, _ := testLedger(LedgerConfig{MaxRetries: 0, BaseDelay: time.Second, MaxDelay: time.Minute})

	d := l.RecordRateLimit("gpt-4o", "7")
	if d != 7*time.Second {
		t.Fatalf("delay = %v, want 7s from Retry-After", d)
	}
	if l.CanRetry("gpt-4o") {
		t.Fatal("a zero budget must fail fast on the first 429")
	}
	if got := l.SecondsUntilRetry("gpt-4o"); got != 7 {
		t.Fatalf("SecondsUntilRetry = %d, want 7", got)
	}
}

func TestLedgerNegativeMaxRetriesSelectsDefault(t *testing.T) {
	l, _ := testLedger(LedgerConfig{MaxRetries: -1, BaseDelay: time.Millisecond})

	for i := 0; i < DefaultMaxRetries; i++ {
		l.RecordRateLimit("gpt-4o", "")
		if !l.CanRetry("gpt-4o") {
			t.Fatalf("budget exhausted too early at record %d", i+1)
		}
	}
	l.RecordRateLimit("gpt-4o", "")
	if l.CanRetry("gpt-4o") {
		t.Fatalf("CanRetry should report false past %d retries", DefaultMaxRetries)
	}
}

func TestLedgerRecoveringAdmitsSingleProbe(t *testing.T) {
	l, clock := testLedger(LedgerConfig{
		MaxRetries:   1,
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		JitterFactor: 0.001,
	})

	l.RecordRateLimit("gpt-4o", "")
	l.RecordRateLimit("gpt-4o", "")
	if l.CanRetry("gpt-4o") {
		t.Fatal("precondition: budget exhausted")
	}

	clock.advance(5 * time.Second)
	if ok, _ := l.Admit("gpt-4o"); !ok {
		t.Fatal("first request after the backoff must go through as the probe")
	}

	for i := 0; i < 5; i++ {
		ok, wait := l.Admit("gpt-4o")
		if ok {
			t.Fatalf("request %d admitted while the probe is still in flight", i+1)
		}
		if wait <= 0 {
			t.Fatalf("wait = %v, want > 0 while recovering", wait)
		}
	}
	if got := l.SecondsUntilRetry("gpt-4o"); got != 1 {
		t.Fatalf("SecondsUntilRetry = %d, want 1 while recovering", got)
	}

	l.RecordSuccess("gpt-4o")
	if ok, _ := l.Admit("gpt-4o"); !ok {
		t.Fatal("probe success must reopen the model")
	}
}

func TestLedgerLostProbeFreesSlotAfterWindow(t *testing.T) {
	l, clock := testLedger(LedgerConfig{
		BaseDelay:    time.Second,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.001,
	})

	l.RecordRateLimit("gpt-4o", "")
	clock.advance(2 * time.Second)
	if ok, _ := l.Admit("gpt-4o"); !ok {
		t.Fatal("probe expected after the backoff elapses")
	}
	if ok, _ := l.Admit("gpt-4o"); ok {
		t.Fatal("second probe admitted inside the window")
	}

	clock.advance(11 * time.Second)
	if ok, _ := l.Admit("gpt-4o"); !ok {
		t.Fatal("a probe that never reported back must not wedge the model shut")
	}
}

func TestLedgerSuccessResets(t *testing.T) {
	l, _ := testLedger(LedgerConfig{MaxRetries: 1, BaseDelay: time.Second})

	l.RecordRateLimit("gpt-4o", "")
	l.RecordRateLimit("gpt-4o", "")
	if l.CanRetry("gpt-4o") {
		t.Fatal("precondition: budget exhausted")
	}

	l.RecordSuccess("gpt-4o")
	if !l.CanRetry("gpt-4o") {
		t.Fatal("success should restore the retry budget")
	}
	if got := l.StateLabel("gpt-4o"); got != "normal" {
		t.Fatalf("state = %q, want normal", got)
	}
	if ok, _ := l.Admit("gpt-4o"); !ok {
		t.Fatal("Admit should pass after reset")
	}
}

func TestLedgerSecondsUntilRetryRoundsUp(t *testing.T) {
	l, _ := testLedger(LedgerConfig{BaseDelay: 1500 * time.Millisecond, JitterFactor: 0.0001})

	l.RecordRateLimit("gpt-4o", "")
	if got := l.SecondsUntilRetry("gpt-4o"); got != 2 {
		t.Fatalf("SecondsUntilRetry = %d, want 2 (ceil of ~1.5s)", got)
	}
}

func TestLedgerModelsAreIndependent(t *testing.T) {
	l, _ := testLedger(LedgerConfig{BaseDelay: time.Minute})

	l.RecordRateLimit("gpt-4o", "")
	if ok, _ := l.Admit("gpt-4o"); ok {
		t.Fatal("limited model should block")
	}
	if ok, _ := l.Admit("claude-3-haiku"); !ok {
		t.Fatal("unrelated model must not be affected")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"0", 0, true},
		{"30", 30 * time.Second, true},
		{"-5", 0, false},
		{"soon", 0, false},
		{now.Add(10 * time.Second).UTC().Format(time.RFC1123), 10 * time.Second, true},
	}
	for _, tt := range tests {
		got, ok := parseRetryAfter(tt.in, now)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
