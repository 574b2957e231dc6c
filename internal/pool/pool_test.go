package pool

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

func TestAcquireCreatesAndReuses(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	mc := models.Catalog["gpt-4o"]
	h1 := p.Acquire(mc)
	h2 := p.Acquire(mc)

	if h1 != h2 {
		t.Fatal("second acquire should reuse the handle")
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
	if h1.Strategy == nil {
		t.Fatal("handle missing strategy")
	}
}

func TestAcquireCountsRequests(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	mc := models.Catalog["gpt-4o"]
	for i := 0; i < 3; i++ {
		p.Acquire(mc)
	}

	stats := p.Snapshot()
	if len(stats) != 1 {
		t.Fatalf("snapshot entries = %d, want 1", len(stats))
	}
	if stats[0].Model != "gpt-4o" || stats[0].RequestCount != 3 {
		t.Fatalf("stats = %+v", stats[0])
	}
	if stats[0].LastUsed.IsZero() {
		t.Fatal("LastUsed not set")
	}
}

func TestProbeCapability(t *testing.T) {
	tests := []struct {
		name string
		mc   models.ModelConfig
		want Capability
	}{
		{
			name: "streaming openai model",
			mc:   models.ModelConfig{Name: "gpt-4o", Dialect: models.DialectOpenAI, SupportsStreaming: true},
			want: StreamNative,
		},
		{
			name: "streaming disabled",
			mc:   models.ModelConfig{Name: "claude-3-haiku", Dialect: models.DialectAnthropic},
			want: StreamNone,
		},
		{
			name: "dialect without sse path",
			mc:   models.ModelConfig{Name: "gemini-1.5-pro", Dialect: models.DialectGemini, SupportsStreaming: true},
			want: StreamNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := probeCapability(tt.mc); got != tt.want {
				t.Fatalf("capability = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSweepEvictsIdleHandles(t *testing.T) {
	p := New(context.Background(),
		WithIdleTimeout(10*time.Millisecond),
		WithSweepInterval(5*time.Millisecond))
	defer p.Close()

	p.Acquire(models.Catalog["gpt-4o"])

	deadline := time.After(time.Second)
	for p.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("idle handle was not swept")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCloseStopsSweeper(t *testing.T) {
	p := New(context.Background(),
		WithIdleTimeout(time.Millisecond),
		WithSweepInterval(time.Millisecond))
	p.Acquire(models.Catalog["gpt-4o"])
	p.Close()

	// After Close the sweeper must no longer evict.
	time.Sleep(20 * time.Millisecond)
	p.Acquire(models.Catalog["gpt-4o-mini"])
	if p.Len() == 0 {
		t.Fatal("pool unusable after Close")
	}
}
