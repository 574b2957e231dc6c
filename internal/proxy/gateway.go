// Package proxy is the core request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// it against the local API key, validates it, resolves the target deployment,
// translates the body into the model's dialect and forwards it to the
// upstream platform — retrying with backoff when the upstream rate-limits.
//
// Key design constraints:
//   - No blocking I/O on the hot path besides the upstream call itself.
//   - Request logger, RPM limiter and metrics are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are SSE; they share the retry loop with buffered
//     responses up to the first upstream byte.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aicore-proxy/internal/auth"
	"github.com/nulpointcorp/aicore-proxy/internal/logger"
	"github.com/nulpointcorp/aicore-proxy/internal/metrics"
	"github.com/nulpointcorp/aicore-proxy/internal/models"
	"github.com/nulpointcorp/aicore-proxy/internal/pool"
	"github.com/nulpointcorp/aicore-proxy/internal/ratelimit"
	"github.com/nulpointcorp/aicore-proxy/internal/respcheck"
	"github.com/nulpointcorp/aicore-proxy/internal/validate"
	"github.com/nulpointcorp/aicore-proxy/pkg/apierr"
)

// deploymentResolver is satisfied by registry.Registry.
type deploymentResolver interface {
	Resolve(ctx context.Context, model string) (string, error)
	ResolveBestEffort(ctx context.Context, model string) (string, error)
	InferenceURL(id string) string
}

// GatewayOptions holds the dependencies and tuning parameters for a Gateway.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Keys validates the local client API key. Required.
	Keys keyValidator

	// Tokens supplies upstream bearer tokens. Required.
	Tokens *auth.Broker

	// Registry resolves model names to deployments. Required.
	Registry deploymentResolver

	// Ledger tracks upstream 429 pressure. Required.
	Ledger *ratelimit.Ledger

	// Pool hands out per-model runtime handles. Required.
	Pool *pool.Pool

	// Gate validates parsed requests. Required.
	Gate *validate.Gate

	// Refusals matches vision-refusal wordings. Nil disables the scan.
	Refusals *respcheck.RefusalList

	// ResourceGroup is sent as AI-Resource-Group on every upstream call.
	ResourceGroup string

	// APIVersion is the openai-dialect query parameter value.
	APIVersion string

	// VisionFallbackModel receives one re-attempt when a vision-capable
	// request gets a refusal. Empty disables the fallback.
	VisionFallbackModel string

	// UpstreamTimeout bounds one buffered upstream attempt.
	// Default: models.UpstreamTimeout.
	UpstreamTimeout time.Duration

	// MaxBodyBytes caps the request body. Default: models.DefaultMaxRequestSize.
	MaxBodyBytes int

	// StreamChunkSize / StreamChunkDelay tune synthesized streaming.
	StreamChunkSize  int
	StreamChunkDelay time.Duration

	// CORSOrigins configures the CORS allowlist. Empty means "*".
	CORSOrigins []string

	// Metrics enables Prometheus metrics collection. When nil, disabled.
	Metrics *metrics.Registry

	// HTTPClient overrides the upstream client (testing). When nil a client
	// without a global timeout is used; per-attempt contexts bound each call.
	HTTPClient *http.Client
}

// Gateway is the main proxy — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	keys     keyValidator
	tokens   *auth.Broker
	registry deploymentResolver
	ledger   *ratelimit.Ledger
	pool     *pool.Pool
	gate     *validate.Gate
	refusals *respcheck.RefusalList

	httpc *http.Client

	resourceGroup       string
	apiVersion          string
	visionFallbackModel string
	upstreamTimeout     time.Duration
	maxBodyBytes        int
	chunkSize           int
	chunkDelay          time.Duration
	corsOrigins         []string

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger
}

// NewGateway creates a fully configured Gateway.
func NewGateway(baseCtx context.Context, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = models.UpstreamTimeout
	}

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = models.DefaultMaxRequestSize
	}

	chunkSize := opts.StreamChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}
	chunkDelay := opts.StreamChunkDelay
	if chunkDelay <= 0 {
		chunkDelay = 50 * time.Millisecond
	}

	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}

	return &Gateway{
		baseCtx:             baseCtx,
		log:                 log,
		metrics:             opts.Metrics,
		keys:                opts.Keys,
		tokens:              opts.Tokens,
		registry:            opts.Registry,
		ledger:              opts.Ledger,
		pool:                opts.Pool,
		gate:                opts.Gate,
		refusals:            opts.Refusals,
		httpc:               httpc,
		resourceGroup:       opts.ResourceGroup,
		apiVersion:          opts.APIVersion,
		visionFallbackModel: opts.VisionFallbackModel,
		upstreamTimeout:     timeout,
		maxBodyBytes:        maxBody,
		chunkSize:           chunkSize,
		chunkDelay:          chunkDelay,
		corsOrigins:         opts.CORSOrigins,
	}
}

// SetRateLimiters injects the per-client RPM limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// ── Inbound request parsing ──────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	inboundRequest struct {
		Model            string           `json:"model"`
		Messages         []inboundMessage `json:"messages"`
		Stream           bool             `json:"stream"`
		MaxTokens        int              `json:"max_tokens"`
		Temperature      *float64         `json:"temperature"`
		TopP             *float64         `json:"top_p"`
		FrequencyPenalty *float64         `json:"frequency_penalty"`
		PresencePenalty  *float64         `json:"presence_penalty"`
	}
)

// parseChatRequest decodes the OpenAI-shaped body into the normalized form.
// Message content may be a bare string or a typed part list.
func parseChatRequest(body []byte, requestID string) (*models.ChatRequest, error) {
	var in inboundRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("field 'model' is required")
	}

	msgs := make([]models.Message, len(in.Messages))
	for i, m := range in.Messages {
		msg := models.Message{Role: m.Role}
		if len(m.Content) > 0 {
			var s string
			if err := json.Unmarshal(m.Content, &s); err == nil {
				msg.Text = s
			} else {
				var parts []models.ContentPart
				if err := json.Unmarshal(m.Content, &parts); err != nil {
					return nil, fmt.Errorf("messages[%d]: content must be a string or part list", i)
				}
				msg.Parts = parts
			}
		}
		msgs[i] = msg
	}

	return &models.ChatRequest{
		Model:            in.Model,
		Messages:         msgs,
		Stream:           in.Stream,
		MaxTokens:        in.MaxTokens,
		Temperature:      in.Temperature,
		TopP:             in.TopP,
		FrequencyPenalty: in.FrequencyPenalty,
		PresencePenalty:  in.PresencePenalty,
		RequestID:        requestID,
	}, nil
}

// ── Outbound response envelope ───────────────────────────────────────────────

type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

func completionEnvelope(requestID, model string, resp *models.UnifiedResponse) outboundResponse {
	return outboundResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Text},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body.
	req, err := parseChatRequest(ctx.PostBody(), reqID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Model lookup — unknown models are a 404, not a validation error.
	mc, ok := models.Catalog[req.Model]
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q does not exist or is not available", req.Model),
			apierr.TypeNotFound, apierr.CodeModelNotFound)
		return
	}

	// 3. Validation gate.
	if err := g.gate.Check(req, mc); err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("dialect", string(mc.Dialect)),
		slog.Bool("stream", req.Stream),
		slog.Int("messages", len(req.Messages)),
	)

	// 4. Per-client RPM limit.
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx, ctx.RemoteIP().String())
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("client", ctx.RemoteIP().String()),
			)
			apierr.WriteRateLimit(ctx, 60, "too many requests from this client")
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 5. Ledger admission — fail fast while a model is inside its backoff.
	if ok, _ := g.ledger.Admit(req.Model); !ok {
		secs := g.ledger.SecondsUntilRetry(req.Model)
		apierr.WriteRateLimit(ctx, secs,
			fmt.Sprintf("model %q is rate limited upstream; retry in %d seconds", req.Model, secs))
		g.observeLedger(req.Model)
		return
	}

	handle := g.pool.Acquire(mc)

	// 6. Streaming vs buffered delivery.
	if req.Stream {
		streaming = true
		g.dispatchStream(ctx, req, handle, start, reqBytes, route)
		return
	}

	resp, meta, err := g.executeChat(ctx, req, handle)
	if err != nil {
		g.writePipelineError(ctx, req, err)
		g.logRequest(reqID, meta, ctx.Response.StatusCode(), time.Since(start), false)
		return
	}

	body, err := json.Marshal(completionEnvelope(reqID, meta.servedModel, resp))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if g.metrics != nil {
		g.metrics.RecordRequest(meta.servedModel, string(meta.dialect), fasthttp.StatusOK)
		g.metrics.AddTokens(meta.servedModel, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	g.observeLedger(req.Model)
	g.logRequest(reqID, meta, fasthttp.StatusOK, time.Since(start), false)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", meta.servedModel),
		slog.String("deployment_id", meta.deploymentID),
		slog.Int("retries", meta.retries),
		slog.Int("input_tokens", resp.Usage.PromptTokens),
		slog.Int("output_tokens", resp.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// observeLedger exports the per-model ledger state gauge.
func (g *Gateway) observeLedger(model string) {
	if g.metrics == nil {
		return
	}
	var state int64
	switch g.ledger.StateLabel(model) {
	case "rate_limited":
		state = 1
	case "recovering":
		state = 2
	}
	g.metrics.SetLedgerState(model, state)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID string, meta attemptMeta, status int, latency time.Duration, streamed bool) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	retries := meta.retries
	if retries > 255 {
		retries = 255
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Model:        meta.servedModel,
		Dialect:      string(meta.dialect),
		DeploymentID: meta.deploymentID,
		InputTokens:  uint32(meta.usage.PromptTokens),
		OutputTokens: uint32(meta.usage.CompletionTokens),
		LatencyMs:    uint32(latency.Milliseconds()),
		Status:       uint16(status),
		Retries:      uint8(retries),
		Streamed:     streamed,
		CreatedAt:    time.Now(),
	})
}

// handleModels serves GET /v1/models from the static catalog.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
		// Requests is a proxy extension: completions served for this model
		// since startup. OpenAI clients ignore unknown fields.
		Requests uint64 `json:"requests"`
	}
	out := struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list"}

	served := make(map[string]uint64)
	if g.pool != nil {
		for _, st := range g.pool.Snapshot() {
			served[st.Model] = st.RequestCount
		}
	}

	for name, mc := range models.Catalog {
		out.Data = append(out.Data, modelEntry{
			ID:       name,
			Object:   "model",
			OwnedBy:  string(mc.Dialect),
			Requests: served[name],
		})
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].ID < out.Data[j].ID })
	writeJSON(ctx, out)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
