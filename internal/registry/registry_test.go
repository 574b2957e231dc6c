package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type staticTokens string

func (s staticTokens) Token(ctx context.Context) (string, time.Time, error) {
	return string(s), time.Now().Add(time.Hour), nil
}

type failingTokens struct{}

func (failingTokens) Token(ctx context.Context) (string, time.Time, error) {
	return "", time.Time{}, errors.New("no token")
}

// catalogServer serves the deployment catalog. The body can be swapped per
// test; calls counts catalog fetches.
func catalogServer(t *testing.T) (*httptest.Server, *atomic.Value, *int64) {
	t.Helper()
	var body atomic.Value
	body.Store(`{"resources":[]}`)
	var calls int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("catalog fetch Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("AI-Resource-Group") != "default" {
			t.Errorf("catalog fetch AI-Resource-Group = %q", r.Header.Get("AI-Resource-Group"))
		}
		if got := r.URL.Query().Get("scenarioId"); got != "foundation-models" {
			t.Errorf("scenarioId = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body.Load().(string))
	}))
	t.Cleanup(srv.Close)
	return srv, &body, &calls
}

func TestResolve_RunningDeployment(t *testing.T) {
	srv, body, calls := catalogServer(t)
	body.Store(`{"resources":[
		{"id":"d-1","status":"RUNNING","details":{"resources":{"backend_details":{"model":{"name":"gpt-4o"}}}}},
		{"id":"d-2","status":"RUNNING","details":{"resources":{"backend_details":{"model":{"name":"claude-3-haiku"}}}}}
	]}`)

	r := New(srv.URL, "default", staticTokens("tok"))
	id, err := r.Resolve(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if id != "d-1" {
		t.Fatalf("id = %q", id)
	}

	// Second lookup is served from cache within the TTL.
	if _, err := r.Resolve(context.Background(), "claude-3-haiku"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(calls); got != 1 {
		t.Fatalf("catalog fetched %d times, want 1", got)
	}
}

func TestResolve_ProbesAlternateNamePaths(t *testing.T) {
	srv, body, _ := catalogServer(t)
	body.Store(`{"resources":[
		{"id":"d-camel","status":"RUNNING","details":{"resources":{"backendDetails":{"model":{"name":"model-camel"}}}}},
		{"id":"d-param","status":"RUNNING","parameters":{"modelName":"model-param"}},
		{"id":"d-flat","status":"RUNNING","model_name":"model-flat"},
		{"id":"d-embedded","status":"RUNNING","details":{"resources":{"backend_details":"{\"model\":{\"name\":\"model-embedded\"}}"}}}
	]}`)

	r := New(srv.URL, "default", staticTokens("tok"))
	for model, want := range map[string]string{
		"model-camel":    "d-camel",
		"model-param":    "d-param",
		"model-flat":     "d-flat",
		"model-embedded": "d-embedded",
	} {
		id, err := r.Resolve(context.Background(), model)
		if err != nil {
			t.Fatalf("%s: %v", model, err)
		}
		if id != want {
			t.Errorf("%s: id = %q, want %q", model, id, want)
		}
	}
}

func TestResolve_NotRunning(t *testing.T) {
	srv, body, _ := catalogServer(t)
	body.Store(`{"resources":[
		{"id":"d-1","status":"STOPPED","details":{"resources":{"backend_details":{"model":{"name":"gpt-4o"}}}}}
	]}`)

	r := New(srv.URL, "default", staticTokens("tok"))
	_, err := r.Resolve(context.Background(), "gpt-4o")
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestResolve_NotDeployed(t *testing.T) {
	srv, _, _ := catalogServer(t)

	r := New(srv.URL, "default", staticTokens("tok"))
	_, err := r.Resolve(context.Background(), "gpt-4o")
	if !errors.Is(err, ErrNotDeployed) {
		t.Fatalf("err = %v, want ErrNotDeployed", err)
	}
}

func TestResolve_EnvOverrideBypassesCatalog(t *testing.T) {
	srv, _, calls := catalogServer(t)
	t.Setenv("GPT_4O_DEPLOYMENT_ID", "d-override")

	r := New(srv.URL, "default", staticTokens("tok"))
	id, err := r.Resolve(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if id != "d-override" {
		t.Fatalf("id = %q", id)
	}
	if got := atomic.LoadInt64(calls); got != 0 {
		t.Fatalf("catalog fetched %d times, override must bypass it", got)
	}
}

func TestResolve_TTLExpiryRefetches(t *testing.T) {
	srv, body, calls := catalogServer(t)
	body.Store(`{"resources":[
		{"id":"d-1","status":"RUNNING","details":{"resources":{"backend_details":{"model":{"name":"gpt-4o"}}}}}
	]}`)

	r := New(srv.URL, "default", staticTokens("tok"), WithTTL(time.Nanosecond))
	if _, err := r.Resolve(context.Background(), "gpt-4o"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := r.Resolve(context.Background(), "gpt-4o"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(calls); got != 2 {
		t.Fatalf("catalog fetched %d times, want 2 after TTL expiry", got)
	}
}

func TestResolveBestEffort_ServesStaleOnFetchFailure(t *testing.T) {
	srv, body, _ := catalogServer(t)
	body.Store(`{"resources":[
		{"id":"d-1","status":"RUNNING","details":{"resources":{"backend_details":{"model":{"name":"gpt-4o"}}}}}
	]}`)

	r := New(srv.URL, "default", staticTokens("tok"), WithTTL(time.Nanosecond))
	if _, err := r.Resolve(context.Background(), "gpt-4o"); err != nil {
		t.Fatal(err)
	}

	// Catalog goes away; the stale cache entry still answers best-effort.
	srv.Close()
	time.Sleep(time.Millisecond)

	id, err := r.ResolveBestEffort(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if id != "d-1" {
		t.Fatalf("id = %q", id)
	}

	// Strict Resolve surfaces the discovery failure instead.
	var de *DiscoveryError
	if _, err := r.Resolve(context.Background(), "gpt-4o"); !errors.As(err, &de) {
		t.Fatalf("err = %v, want DiscoveryError", err)
	}
}

func TestResolve_TokenFailureIsDiscoveryError(t *testing.T) {
	srv, _, _ := catalogServer(t)

	r := New(srv.URL, "default", failingTokens{})
	var de *DiscoveryError
	if _, err := r.Resolve(context.Background(), "gpt-4o"); !errors.As(err, &de) {
		t.Fatalf("err = %v, want DiscoveryError", err)
	}
}

func TestResolve_CatalogHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := New(srv.URL, "default", staticTokens("tok"))
	var de *DiscoveryError
	if _, err := r.Resolve(context.Background(), "gpt-4o"); !errors.As(err, &de) {
		t.Fatalf("err = %v, want DiscoveryError", err)
	}
}

func TestEnvOverrideName(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "GPT_4O_DEPLOYMENT_ID"},
		{"gpt-4o-mini", "GPT_4O_MINI_DEPLOYMENT_ID"},
		{"gemini-1.5-pro", "GEMINI_1_5_PRO_DEPLOYMENT_ID"},
		{"claude-3.5--sonnet", "CLAUDE_3_5_SONNET_DEPLOYMENT_ID"},
		{"-leading", "LEADING_DEPLOYMENT_ID"},
		{"trailing-", "TRAILING_DEPLOYMENT_ID"},
	}
	for _, tt := range tests {
		if got := EnvOverrideName(tt.model); got != tt.want {
			t.Errorf("EnvOverrideName(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestInferenceURL(t *testing.T) {
	r := New("https://api.example.com/", "default", staticTokens("tok"))
	got := r.InferenceURL("d-42")
	want := "https://api.example.com/v2/inference/deployments/d-42"
	if got != want {
		t.Fatalf("InferenceURL = %q, want %q", got, want)
	}
}
