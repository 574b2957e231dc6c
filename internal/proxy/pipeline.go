package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aicore-proxy/internal/auth"
	"github.com/nulpointcorp/aicore-proxy/internal/dialect"
	"github.com/nulpointcorp/aicore-proxy/internal/models"
	"github.com/nulpointcorp/aicore-proxy/internal/pool"
	"github.com/nulpointcorp/aicore-proxy/internal/registry"
	"github.com/nulpointcorp/aicore-proxy/internal/respcheck"
	"github.com/nulpointcorp/aicore-proxy/pkg/apierr"
)

// errRetriesExhausted ends the retry loop once the per-model budget is spent.
var errRetriesExhausted = errors.New("upstream rate limit retries exhausted")

// upstreamError carries a non-2xx, non-429 upstream status through the
// pipeline. Implements models.StatusCoder.
type upstreamError struct {
	status int
	detail string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.status, apierr.Sanitize(e.detail))
}

func (e *upstreamError) HTTPStatus() int { return e.status }

// attemptMeta accumulates per-request routing facts for logs and metrics.
type attemptMeta struct {
	servedModel  string
	dialect      models.Dialect
	deploymentID string
	retries      int
	usage        models.Usage
}

// executeChat runs the buffered pipeline for req against handle's model:
// the retry loop, response validation and the one-shot vision fallback.
func (g *Gateway) executeChat(ctx context.Context, req *models.ChatRequest, handle *pool.Handle) (*models.UnifiedResponse, attemptMeta, error) {
	resp, meta, err := g.attemptLoop(ctx, req, handle)
	if err != nil {
		return nil, meta, err
	}

	if err := respcheck.Check(resp); err != nil {
		return nil, meta, err
	}

	// Vision fallback: a refusal on an image-bearing request gets exactly one
	// re-attempt against the configured alternate model.
	if g.visionFallbackModel != "" &&
		g.visionFallbackModel != handle.Config.Name &&
		req.HasImages() &&
		g.refusals.Matches(resp.Text) {

		fbConfig, ok := models.Catalog[g.visionFallbackModel]
		if !ok || !fbConfig.SupportsVision {
			return resp, meta, nil
		}

		g.log.InfoContext(ctx, "vision_fallback",
			slog.String("request_id", req.RequestID),
			slog.String("from", handle.Config.Name),
			slog.String("to", g.visionFallbackModel),
		)
		if g.metrics != nil {
			g.metrics.RecordVisionFallback(handle.Config.Name, g.visionFallbackModel)
		}

		fbResp, fbMeta, fbErr := g.attemptLoop(ctx, req, g.pool.Acquire(fbConfig))
		if fbErr != nil || respcheck.Check(fbResp) != nil {
			// The original refusal is still a well-formed answer; keep it.
			return resp, meta, nil
		}
		fbMeta.retries += meta.retries
		return fbResp, fbMeta, nil
	}

	return resp, meta, nil
}

// attemptLoop posts the translated request, retrying on upstream 429 with the
// ledger's backoff until success, a terminal error, or budget exhaustion.
func (g *Gateway) attemptLoop(ctx context.Context, req *models.ChatRequest, handle *pool.Handle) (*models.UnifiedResponse, attemptMeta, error) {
	mc := handle.Config
	meta := attemptMeta{servedModel: mc.Name, dialect: mc.Dialect}

	for {
		url, body, err := g.buildRequest(ctx, req, handle, &meta, false)
		if err != nil {
			return nil, meta, err
		}

		start := time.Now()
		status, respBody, retryAfter, err := g.postBuffered(ctx, url, body)
		dur := time.Since(start)

		if err != nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(mc.Name, classifyError(err), dur)
			}
			return nil, meta, err
		}

		switch {
		case status >= 200 && status < 300:
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(mc.Name, "success", dur)
			}
			resp, err := handle.Strategy.ParseResponse(respBody)
			if err != nil {
				return nil, meta, err
			}
			g.ledger.RecordSuccess(mc.Name)
			meta.usage = resp.Usage
			return resp, meta, nil

		case status == http.StatusTooManyRequests:
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(mc.Name, "rate_limited", dur)
			}
			if err := g.backoffOrBail(ctx, req, mc.Name, retryAfter, &meta); err != nil {
				return nil, meta, err
			}

		default:
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(mc.Name, fmt.Sprintf("http_%d", status), dur)
			}
			return nil, meta, &upstreamError{status: status, detail: excerpt(respBody)}
		}
	}
}

// backoffOrBail records a 429 with the ledger and sleeps out the computed
// delay, honoring context cancellation. Returns errRetriesExhausted when the
// budget is spent.
func (g *Gateway) backoffOrBail(ctx context.Context, req *models.ChatRequest, model, retryAfter string, meta *attemptMeta) error {
	delay := g.ledger.RecordRateLimit(model, retryAfter)
	if !g.ledger.CanRetry(model) {
		return errRetriesExhausted
	}

	meta.retries++
	if g.metrics != nil {
		g.metrics.RecordRetry(model)
	}
	g.log.WarnContext(ctx, "upstream_rate_limited",
		slog.String("request_id", req.RequestID),
		slog.String("model", model),
		slog.Duration("backoff", delay),
		slog.Int("retry", meta.retries),
	)

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildRequest resolves the deployment and produces the dialect-specific URL
// and body. stream selects the strategy's streaming variant.
func (g *Gateway) buildRequest(ctx context.Context, req *models.ChatRequest, handle *pool.Handle, meta *attemptMeta, stream bool) (string, []byte, error) {
	mc := handle.Config

	depID := mc.DeploymentID
	if depID == "" {
		var err error
		depID, err = g.registry.ResolveBestEffort(ctx, mc.Name)
		if err != nil {
			if g.metrics != nil {
				g.metrics.RecordDeploymentRefresh("error")
			}
			return "", nil, err
		}
	}
	meta.deploymentID = depID

	in := dialect.BuildInput{
		InferenceBase: g.registry.InferenceURL(depID),
		APIVersion:    g.apiVersion,
		Model:         mc,
		Request:       req,
	}
	if stream {
		ss, ok := dialect.StreamFor(mc.Dialect)
		if !ok {
			return "", nil, fmt.Errorf("model %q has no native streaming path", mc.Name)
		}
		return ss.BuildStreamRequest(in)
	}
	return handle.Strategy.BuildRequest(in)
}

// postBuffered sends one upstream attempt and reads the whole response.
// Returns the status, body and raw Retry-After header.
func (g *Gateway) postBuffered(ctx context.Context, url string, body []byte) (int, []byte, string, error) {
	resp, err := g.send(ctx, url, body)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return 0, nil, "", fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, respBody, resp.Header.Get("Retry-After"), nil
}

// send issues the upstream POST with the platform headers attached. The
// caller owns the response body.
func (g *Gateway) send(ctx context.Context, url string, body []byte) (*http.Response, error) {
	token, _, err := g.tokens.Token(ctx)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordTokenRefresh("error")
		}
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("AI-Resource-Group", g.resourceGroup)

	resp, err := g.httpc.Do(httpReq)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	// The body outlives this function; tie the cancel to its closure.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// excerpt bounds an upstream error body for inclusion in error messages.
// Only the first line survives; multi-line bodies stay single-line in logs.
func excerpt(body []byte) string {
	const maxLen = 200
	s := apierr.FirstLine(string(bytes.TrimSpace(body)))
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}

// writePipelineError maps pipeline errors to the appropriate HTTP response.
//
//	registry miss (not deployed / not running)  → 404
//	retries exhausted                           → 429 + seconds_until_retry
//	upstream auth failure / discovery failure   → 502
//	malformed or empty upstream response        → 502
//	context.DeadlineExceeded                    → 504 Gateway Timeout
//	statusCoder errors                          → passed through with remapping
func (g *Gateway) writePipelineError(ctx *fasthttp.RequestCtx, req *models.ChatRequest, err error) {
	switch {
	case errors.Is(err, registry.ErrNotDeployed), errors.Is(err, registry.ErrNotRunning):
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q has no running deployment", req.Model),
			apierr.TypeNotFound, apierr.CodeModelNotFound)

	case errors.Is(err, errRetriesExhausted):
		secs := g.ledger.SecondsUntilRetry(req.Model)
		ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", max(secs, 1)))
		apierr.Write(ctx, fasthttp.StatusTooManyRequests,
			fmt.Sprintf("upstream rate limit persisted after retries; retry in %d seconds", max(secs, 1)),
			apierr.TypeRateLimitError, apierr.CodeRateLimitExhausted)
		g.observeLedger(req.Model)

	case errors.Is(err, auth.ErrUpstreamAuth):
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"upstream authentication failed",
			apierr.TypeUpstreamError, apierr.CodeUpstreamError)

	case errors.Is(err, dialect.ErrMalformedResponse), errors.Is(err, respcheck.ErrEmptyResponse):
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			apierr.SanitizeErr(err), apierr.TypeUpstreamError, apierr.CodeUpstreamError)

	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)

	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		ctx.SetStatusCode(fasthttp.StatusBadGateway)

	default:
		var sc models.StatusCoder
		if errors.As(err, &sc) {
			apierr.WriteUpstreamError(ctx, sc.HTTPStatus(), apierr.SanitizeErr(err))
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			apierr.SanitizeErr(err), apierr.TypeUpstreamError, apierr.CodeUpstreamError)
	}
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, auth.ErrUpstreamAuth):
		return "auth"
	}
	var de *registry.DiscoveryError
	if errors.As(err, &de) {
		return "discovery"
	}
	var sc models.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "transport"
}
