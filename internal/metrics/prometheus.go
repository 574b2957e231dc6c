// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// proxy_requests_total{model,dialect,status}
	requestsTotal *prometheus.CounterVec

	// proxy_upstream_attempts_total{model,outcome}
	upstreamAttempts *prometheus.CounterVec

	// proxy_upstream_attempt_duration_seconds{model,outcome}
	upstreamDuration *prometheus.HistogramVec

	// proxy_upstream_retries_total{model}
	retriesTotal *prometheus.CounterVec

	// proxy_ledger_state{model} — 0=normal, 1=rate_limited, 2=recovering
	ledgerState *prometheus.GaugeVec

	// proxy_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// proxy_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// proxy_stream_requests_total{model,mode}
	streamRequests *prometheus.CounterVec

	// proxy_stream_chunks_total{model,mode}
	streamChunks *prometheus.CounterVec

	// proxy_vision_fallback_total{from,to}
	visionFallback *prometheus.CounterVec

	// proxy_token_refreshes_total{outcome}
	tokenRefreshes *prometheus.CounterVec

	// proxy_deployment_refreshes_total{outcome}
	deploymentRefreshes *prometheus.CounterVec

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	ledgerMu        sync.Mutex
	lastLedgerState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:             reg,
		lastLedgerState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total completion requests by model, dialect and final status",
			},
			[]string{"model", "dialect", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_attempts_total",
				Help: "Total upstream inference attempts (includes retries)",
			},
			[]string{"model", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_attempt_duration_seconds",
				Help:    "Upstream inference attempt duration in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"model", "outcome"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_retries_total",
				Help: "Retries performed after upstream 429 responses",
			},
			[]string{"model"},
		),

		ledgerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_ledger_state",
				Help: "Rate-limit ledger state per model (0=normal,1=rate_limited,2=recovering)",
			},
			[]string{"model"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_ratelimit_total",
				Help: "Client rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"model", "direction"},
		),

		streamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_stream_requests_total",
				Help: "Streaming responses served, by delivery mode (native or synthesized)",
			},
			[]string{"model", "mode"},
		),

		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_stream_chunks_total",
				Help: "SSE chunks written to clients",
			},
			[]string{"model", "mode"},
		),

		visionFallback: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_vision_fallback_total",
				Help: "Requests re-routed to the vision fallback model after a refusal",
			},
			[]string{"from", "to"},
		),

		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_token_refreshes_total",
				Help: "Upstream OAuth token refreshes",
			},
			[]string{"outcome"},
		),

		deploymentRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_deployment_refreshes_total",
				Help: "Deployment catalog refreshes",
			},
			[]string{"outcome"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.requestsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.retriesTotal,
		r.ledgerState,
		r.rateLimitTotal,
		r.tokensTotal,
		r.streamRequests,
		r.streamChunks,
		r.visionFallback,
		r.tokenRefreshes,
		r.deploymentRefreshes,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// RecordRequest records one completed completion request.
func (r *Registry) RecordRequest(model, dialect string, statusCode int) {
	r.requestsTotal.WithLabelValues(model, dialect, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamAttempt records one upstream inference attempt.
func (r *Registry) ObserveUpstreamAttempt(model, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(model, outcome).Inc()
	r.upstreamDuration.WithLabelValues(model, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRetry(model string) {
	r.retriesTotal.WithLabelValues(model).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordStream(model, mode string) {
	r.streamRequests.WithLabelValues(model, mode).Inc()
}

func (r *Registry) RecordStreamChunk(model, mode string) {
	r.streamChunks.WithLabelValues(model, mode).Inc()
}

func (r *Registry) RecordVisionFallback(from, to string) {
	r.visionFallback.WithLabelValues(from, to).Inc()
}

func (r *Registry) RecordTokenRefresh(outcome string) {
	r.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordDeploymentRefresh(outcome string) {
	r.deploymentRefreshes.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// RegisterDroppedLogs exposes the request logger's drop counter as
// proxy_request_logs_dropped_total, sampled at scrape time.
func (r *Registry) RegisterDroppedLogs(count func() int64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "proxy_request_logs_dropped_total",
		Help: "Request log entries dropped because the logger buffer was full",
	}, func() float64 { return float64(count()) }))
}

// SetLedgerState sets the ledger state gauge. The gauge only moves when the
// state actually changes, keeping scrape noise down.
func (r *Registry) SetLedgerState(model string, state int64) {
	r.ledgerMu.Lock()
	prev, ok := r.lastLedgerState[model]
	if !ok || prev != float64(state) {
		r.lastLedgerState[model] = float64(state)
		r.ledgerState.WithLabelValues(model).Set(float64(state))
	}
	r.ledgerMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
