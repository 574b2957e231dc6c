package main

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// deployment is one entry of the fake catalog. Deployment ids are stable so
// env overrides and logs stay readable across restarts.
type deployment struct {
	ID      string
	Model   string
	Dialect string // openai | anthropic | gemini
	Status  string
}

// deployments mirrors the proxy's built-in model catalog, plus one STOPPED
// entry to exercise the not-running path.
var deployments = []deployment{
	{"d-mock-gpt4o", "gpt-4o", "openai", "RUNNING"},
	{"d-mock-gpt4o-mini", "gpt-4o-mini", "openai", "RUNNING"},
	{"d-mock-gpt41", "gpt-4.1", "openai", "RUNNING"},
	{"d-mock-o3-mini", "o3-mini", "openai", "RUNNING"},
	{"d-mock-sonnet35", "claude-3-5-sonnet", "anthropic", "RUNNING"},
	{"d-mock-haiku3", "claude-3-haiku", "anthropic", "RUNNING"},
	{"d-mock-sonnet4", "claude-sonnet-4", "anthropic", "RUNNING"},
	{"d-mock-gemini15pro", "gemini-1.5-pro", "gemini", "RUNNING"},
	{"d-mock-gemini15flash", "gemini-1.5-flash", "gemini", "RUNNING"},
	{"d-mock-gemini20flash", "gemini-2.0-flash", "gemini", "STOPPED"},
}

func deploymentByID(id string) (deployment, bool) {
	for _, d := range deployments {
		if d.ID == id {
			return d, true
		}
	}
	return deployment{}, false
}

// newPlatformHandler routes the three platform surfaces: token endpoint,
// deployment catalog and per-deployment inference.
func newPlatformHandler(cfg Config, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if _, _, ok := r.BasicAuth(); !ok {
			writeError(w, http.StatusUnauthorized, "missing client credentials", "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "mock-platform-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("GET /v2/lm/deployments", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if !bearerOK(r) {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
			return
		}

		resources := make([]map[string]any, 0, len(deployments))
		for _, d := range deployments {
			resources = append(resources, map[string]any{
				"id":     d.ID,
				"status": d.Status,
				"details": map[string]any{
					"resources": map[string]any{
						"backend_details": map[string]any{
							"model": map[string]any{"name": d.Model},
						},
					},
				},
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
	})

	mux.HandleFunc("POST /v2/inference/deployments/", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if !bearerOK(r) {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
			return
		}
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal error", "server error")
			return
		}
		if cfg.Rate429 > 0 && rand.Float64() < cfg.Rate429 {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "mock rate limit", "rate limit")
			return
		}

		// Path shape: /v2/inference/deployments/{id}/{dialect-suffix...}
		rest := strings.TrimPrefix(r.URL.Path, "/v2/inference/deployments/")
		id, suffix, _ := strings.Cut(rest, "/")
		d, ok := deploymentByID(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown deployment "+id, "not found")
			return
		}
		if d.Status != "RUNNING" {
			writeError(w, http.StatusServiceUnavailable, "deployment is "+d.Status, "unavailable")
			return
		}

		log.Info("inference",
			slog.String("deployment", d.ID),
			slog.String("model", d.Model),
			slog.String("path", suffix),
		)

		switch d.Dialect {
		case "openai":
			handleOpenAI(cfg, w, r)
		case "anthropic":
			handleAnthropic(cfg, w, r, suffix)
		case "gemini":
			handleGemini(cfg, w, r)
		default:
			writeError(w, http.StatusNotFound, "unknown dialect", "not found")
		}
	})

	return mux
}

func bearerOK(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "platform", "simulating", "a", "real", "deployment", "for",
	"development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
