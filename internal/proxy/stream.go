package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aicore-proxy/internal/dialect"
	"github.com/nulpointcorp/aicore-proxy/internal/models"
	"github.com/nulpointcorp/aicore-proxy/internal/pool"
)

// streamChunk is the OpenAI chat.completion.chunk envelope written to
// clients. Usage rides only on the terminal chunk.
type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []chunkChoice  `json:"choices"`
	Usage   *outboundUsage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content,omitempty"`
}

// dispatchStream serves a streaming completion. Models with a native SSE
// path get a live relay; everything else (and all image-bearing requests,
// which need the refusal scan) gets a buffered response chunked locally.
func (g *Gateway) dispatchStream(ctx *fasthttp.RequestCtx, req *models.ChatRequest, handle *pool.Handle, start time.Time, reqBytes int, route string) {
	reqID := req.RequestID

	native := handle.Capability == pool.StreamNative && !req.HasImages()
	mode := "synthesized"
	if native {
		mode = "native"
	}
	if g.metrics != nil {
		g.metrics.RecordStream(handle.Config.Name, mode)
	}

	finalize := func(meta attemptMeta, status int) {
		g.observeLedger(req.Model)
		g.logRequest(reqID, meta, status, time.Since(start), true)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, status, time.Since(start), reqBytes)
			g.metrics.RecordRequest(meta.servedModel, string(meta.dialect), status)
			g.metrics.AddTokens(meta.servedModel, meta.usage.PromptTokens, meta.usage.CompletionTokens)
		}
	}

	if native {
		g.streamNative(ctx, req, handle, finalize)
		return
	}
	g.streamSynthesized(ctx, req, handle, finalize)
}

// streamSynthesized buffers the full completion and replays it to the client
// in fixed-size chunks with a small delay, ending with a usage chunk.
func (g *Gateway) streamSynthesized(ctx *fasthttp.RequestCtx, req *models.ChatRequest, handle *pool.Handle, finalize func(attemptMeta, int)) {
	resp, meta, err := g.executeChat(ctx, req, handle)
	if err != nil {
		g.writePipelineError(ctx, req, err)
		finalize(meta, ctx.Response.StatusCode())
		return
	}

	reqID := req.RequestID
	model := meta.servedModel
	text := []rune(resp.Text)
	chunkSize := g.chunkSize
	chunkDelay := g.chunkDelay
	usage := resp.Usage

	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		chunks := 0
		for i := 0; i < len(text); i += chunkSize {
			end := i + chunkSize
			if end > len(text) {
				end = len(text)
			}
			if !g.writeChunk(w, reqID, model, string(text[i:end]), nil, nil) {
				break // client went away
			}
			chunks++
			if g.metrics != nil {
				g.metrics.RecordStreamChunk(model, "synthesized")
			}
			if end < len(text) {
				time.Sleep(chunkDelay)
			}
		}

		stop := "stop"
		g.writeChunk(w, reqID, model, "", &stop, &usage)
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		finalize(meta, fasthttp.StatusOK)
	})
}

// streamNative relays the upstream SSE stream, re-encoding each dialect
// event into the OpenAI chunk envelope. The retry loop runs before the first
// upstream byte; once relaying starts a failure ends the stream.
func (g *Gateway) streamNative(ctx *fasthttp.RequestCtx, req *models.ChatRequest, handle *pool.Handle, finalize func(attemptMeta, int)) {
	mc := handle.Config
	meta := attemptMeta{servedModel: mc.Name, dialect: mc.Dialect}
	ss, _ := dialect.StreamFor(mc.Dialect)

	var upstream *http.Response
	for {
		url, body, err := g.buildRequest(ctx, req, handle, &meta, true)
		if err != nil {
			g.writePipelineError(ctx, req, err)
			finalize(meta, ctx.Response.StatusCode())
			return
		}

		resp, err := g.send(ctx, url, body)
		if err != nil {
			g.writePipelineError(ctx, req, err)
			finalize(meta, ctx.Response.StatusCode())
			return
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := resp.Header.Get("Retry-After")
			resp.Body.Close()
			if err := g.backoffOrBail(ctx, req, mc.Name, retryAfter, &meta); err != nil {
				g.writePipelineError(ctx, req, err)
				finalize(meta, ctx.Response.StatusCode())
				return
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			g.writePipelineError(ctx, req, &upstreamError{status: resp.StatusCode, detail: string(raw)})
			finalize(meta, ctx.Response.StatusCode())
			return
		}

		g.ledger.RecordSuccess(mc.Name)
		upstream = resp
		break
	}

	reqID := req.RequestID
	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer upstream.Body.Close()

		var usage models.Usage
		haveUsage := false

		scanner := bufio.NewScanner(upstream.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue // event:/id: lines and keep-alives
			}
			data = bytes.TrimSpace(data)
			if bytes.Equal(data, []byte("[DONE]")) {
				break
			}

			delta, done, eventUsage, err := ss.ParseStreamEvent(data)
			if err != nil {
				g.log.Warn("stream_event_malformed",
					slog.String("request_id", reqID),
					slog.String("model", mc.Name),
				)
				continue
			}
			if eventUsage != nil {
				usage = *eventUsage
				haveUsage = true
			}
			if delta != "" {
				if !g.writeChunk(w, reqID, mc.Name, delta, nil, nil) {
					return // client went away; Close cancels the upstream
				}
				if g.metrics != nil {
					g.metrics.RecordStreamChunk(mc.Name, "native")
				}
			}
			if done {
				break
			}
		}

		stop := "stop"
		var finalUsage *models.Usage
		if haveUsage {
			meta.usage = usage
			finalUsage = &usage
		}
		g.writeChunk(w, reqID, mc.Name, "", &stop, finalUsage)
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		finalize(meta, fasthttp.StatusOK)
	})
}

// writeChunk emits one SSE chunk. Returns false when the client connection
// is gone (flush failed).
func (g *Gateway) writeChunk(w *bufio.Writer, reqID, model, delta string, finishReason *string, usage *models.Usage) bool {
	chunk := streamChunk{
		ID:      "chatcmpl-" + reqID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{
			Index:        0,
			Delta:        chunkDelta{Content: delta},
			FinishReason: finishReason,
		}},
	}
	if usage != nil {
		chunk.Usage = &outboundUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return false
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	return w.Flush() == nil
}

func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}
