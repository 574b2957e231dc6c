// Package registry resolves model names to upstream deployment identifiers.
//
// Resolution order: per-model environment override, in-memory cache of
// RUNNING deployments (TTL-bound), then a catalog fetch from the platform.
// Catalog entries are duck-typed — the model name is probed through a known
// ordered list of nested attribute paths rather than a fixed schema.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/aicore-proxy/pkg/apierr"
)

const (
	catalogPath = "/v2/lm/deployments?scenarioId=foundation-models"

	// StatusRunning is the only deployment status eligible for routing.
	StatusRunning = "RUNNING"

	defaultTTL = 5 * time.Minute
)

// Sentinel errors. DiscoveryError wraps transport/HTTP failures of the
// catalog fetch itself.
var (
	ErrNotDeployed = errors.New("model has no running deployment")
	ErrNotRunning  = errors.New("deployment exists but is not running")
)

// DiscoveryError marks a failed catalog fetch.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("deployment discovery failed: %s", apierr.SanitizeErr(e.Err))
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Deployment is one catalog entry retained for routing.
type Deployment struct {
	ID     string
	Model  string
	Status string
	URL    string // consumption URL when the catalog provides one
}

// TokenSource supplies the upstream bearer token (implemented by auth.Broker).
type TokenSource interface {
	Token(ctx context.Context) (string, time.Time, error)
}

// modelNamePaths is the ordered attribute-path list probed per catalog entry.
// First non-empty result wins.
var modelNamePaths = []string{
	"details.resources.backend_details.model.name",
	"details.resources.backendDetails.model.name",
	"parameters.modelName",
	"model_name",
	"name",
}

// Registry caches deployment lookups. Safe for concurrent use.
type Registry struct {
	baseURL       string
	resourceGroup string
	ttl           time.Duration
	tokens        TokenSource
	httpc         *http.Client

	mu        sync.RWMutex
	cache     map[string]Deployment // model name → deployment, RUNNING only
	nonRunner map[string]string     // model name → last seen non-running status
	fetchedAt time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the catalog cache TTL.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithHTTPClient replaces the catalog HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.httpc = c }
}

// New creates a Registry against the given platform base URL.
func New(baseURL, resourceGroup string, tokens TokenSource, opts ...Option) *Registry {
	r := &Registry{
		baseURL:       strings.TrimRight(baseURL, "/"),
		resourceGroup: resourceGroup,
		ttl:           defaultTTL,
		tokens:        tokens,
		httpc:         &http.Client{Timeout: 30 * time.Second},
		cache:         make(map[string]Deployment),
		nonRunner:     make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the deployment id for model. The environment override is
// consulted first and bypasses the cache entirely.
func (r *Registry) Resolve(ctx context.Context, model string) (string, error) {
	return r.resolve(ctx, model, false)
}

// ResolveBestEffort behaves like Resolve but, when the catalog fetch fails,
// falls back to the last-known cache entry if one is still present.
func (r *Registry) ResolveBestEffort(ctx context.Context, model string) (string, error) {
	return r.resolve(ctx, model, true)
}

func (r *Registry) resolve(ctx context.Context, model string, bestEffort bool) (string, error) {
	if id := os.Getenv(EnvOverrideName(model)); id != "" {
		return id, nil
	}

	if d, ok := r.lookupFresh(model); ok {
		return d.ID, nil
	}

	if err := r.refresh(ctx); err != nil {
		if bestEffort {
			if d, ok := r.lookupAny(model); ok {
				return d.ID, nil
			}
		}
		return "", &DiscoveryError{Err: err}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.cache[model]; ok {
		return d.ID, nil
	}
	if status, ok := r.nonRunner[model]; ok {
		return "", fmt.Errorf("%w: model %q is %s", ErrNotRunning, model, status)
	}
	return "", fmt.Errorf("%w: %q", ErrNotDeployed, model)
}

// lookupFresh returns the cached deployment when the cache is within TTL.
func (r *Registry) lookupFresh(model string) (Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if time.Since(r.fetchedAt) > r.ttl {
		return Deployment{}, false
	}
	d, ok := r.cache[model]
	return d, ok
}

// lookupAny ignores the TTL — stale entries are acceptable for best-effort.
func (r *Registry) lookupAny(model string) (Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.cache[model]
	return d, ok
}

// refresh fetches the catalog and swaps the cache atomically. Single-writer:
// concurrent refreshes serialize on the write lock and the loser overwrites
// with an equally fresh snapshot.
func (r *Registry) refresh(ctx context.Context) error {
	token, _, err := r.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+catalogPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("AI-Resource-Group", r.resourceGroup)

	resp, err := r.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	fresh := make(map[string]Deployment)
	nonRunner := make(map[string]string)

	gjson.GetBytes(body, "resources").ForEach(func(_, item gjson.Result) bool {
		name := probeModelName(item)
		if name == "" {
			return true
		}
		d := Deployment{
			ID:     item.Get("id").String(),
			Model:  name,
			Status: item.Get("status").String(),
			URL:    item.Get("deploymentUrl").String(),
		}
		if d.ID == "" {
			return true
		}
		if d.Status == StatusRunning {
			fresh[name] = d
		} else {
			nonRunner[name] = d.Status
		}
		return true
	})

	r.mu.Lock()
	r.cache = fresh
	r.nonRunner = nonRunner
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	return nil
}

// probeModelName walks modelNamePaths in declared order. Some catalog
// revisions embed backend_details as a JSON-encoded string; gjson resolves
// through that transparently via the raw sub-parse below.
func probeModelName(item gjson.Result) string {
	for _, path := range modelNamePaths {
		if v := item.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	// backend_details delivered as an embedded JSON string.
	if raw := item.Get("details.resources.backend_details"); raw.Type == gjson.String {
		if v := gjson.Get(raw.String(), "model.name"); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// EnvOverrideName derives the override variable for a model name: uppercase,
// non-alphanumerics collapsed to single underscores, edges trimmed, suffixed
// with _DEPLOYMENT_ID. "gpt-4o" → "GPT_4O_DEPLOYMENT_ID".
func EnvOverrideName(model string) string {
	var sb strings.Builder
	lastUnderscore := true // trims leading separators
	for _, r := range strings.ToUpper(model) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.TrimRight(sb.String(), "_")
	return name + "_DEPLOYMENT_ID"
}

// InferenceURL returns the deployment-scoped inference base for id.
func (r *Registry) InferenceURL(id string) string {
	return fmt.Sprintf("%s/v2/inference/deployments/%s", r.baseURL, id)
}
