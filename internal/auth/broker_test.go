package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// tokenServer returns a test authorization server and a counter of how many
// token requests it has served. expiresIn controls the issued token lifetime.
func tokenServer(t *testing.T, expiresIn int, status int) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		if user, _, ok := r.BasicAuth(); !ok || user == "" {
			t.Error("token request must carry HTTP Basic credentials")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer","expires_in":%d}`, n, expiresIn)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestToken_FetchesAndCaches(t *testing.T) {
	srv, calls := tokenServer(t, 3600, http.StatusOK)
	b := New("cid", "secret", srv.URL)

	tok1, expiry, err := b.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != "tok-1" {
		t.Fatalf("token = %q", tok1)
	}
	if time.Until(expiry) < 50*time.Minute {
		t.Fatalf("expiry too soon: %v", expiry)
	}

	tok2, _, err := b.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok2 != tok1 {
		t.Fatalf("second call should hit the cache, got %q", tok2)
	}
	if got := atomic.LoadInt64(calls); got != 1 {
		t.Fatalf("token endpoint called %d times, want 1", got)
	}
}

func TestToken_RefreshesInsideSkew(t *testing.T) {
	// The issued token expires in 70s; with a 60s skew buffer it is usable
	// now, but a token expiring in 30s would not be.
	srv, calls := tokenServer(t, 70, http.StatusOK)
	b := New("cid", "secret", srv.URL)

	if _, _, err := b.Token(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Force the cached token inside the skew window.
	b.mu.Lock()
	b.tok.Expiry = time.Now().Add(30 * time.Second)
	b.mu.Unlock()

	tok, _, err := b.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-2" {
		t.Fatalf("token = %q, want a refreshed token", tok)
	}
	if got := atomic.LoadInt64(calls); got != 2 {
		t.Fatalf("token endpoint called %d times, want 2", got)
	}
}

func TestToken_ConcurrentCallersShareOneFetch(t *testing.T) {
	srv, calls := tokenServer(t, 3600, http.StatusOK)
	b := New("cid", "secret", srv.URL)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := b.Token(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// Singleflight may admit a second fetch on unlucky scheduling, but 20
	// callers must never translate into 20 fetches.
	if got := atomic.LoadInt64(calls); got > 2 {
		t.Fatalf("token endpoint called %d times for %d concurrent callers", got, n)
	}
}

func TestToken_UpstreamFailure(t *testing.T) {
	srv, _ := tokenServer(t, 0, http.StatusForbidden)
	b := New("cid", "secret", srv.URL)

	_, _, err := b.Token(context.Background())
	if !errors.Is(err, ErrUpstreamAuth) {
		t.Fatalf("err = %v, want ErrUpstreamAuth", err)
	}
}

func TestToken_FailedRefreshLeavesCacheUntouched(t *testing.T) {
	var fail atomic.Bool
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"good","token_type":"bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	b := New("cid", "secret", srv.URL)
	if _, _, err := b.Token(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Expire the cache and make the endpoint fail.
	b.mu.Lock()
	b.tok.Expiry = time.Now()
	b.mu.Unlock()
	fail.Store(true)

	if _, _, err := b.Token(context.Background()); err == nil {
		t.Fatal("expected refresh failure")
	}

	// The broker must retry on the next call instead of serving a stale token.
	fail.Store(false)
	tok, _, err := b.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "good" {
		t.Fatalf("token = %q", tok)
	}
}

func TestWithSkew_ClampsBelowMinimum(t *testing.T) {
	b := New("cid", "secret", "http://unused", WithSkew(time.Second))
	if b.skew < 60*time.Second {
		t.Fatalf("skew = %v, must be clamped to the package minimum", b.skew)
	}

	b = New("cid", "secret", "http://unused", WithSkew(5*time.Minute))
	if b.skew != 5*time.Minute {
		t.Fatalf("skew = %v, want 5m", b.skew)
	}
}
