// Package models defines the shared request/response types and the model
// catalog used across the proxy.
//
// A ModelConfig describes one model the upstream platform can serve: which
// request dialect its deployment speaks, whether it accepts image input, and
// the token cap enforced at validation time. The built-in catalog covers the
// foundation models the platform ships with; additional entries can be added
// via configuration.
package models

import (
	"strings"
	"time"
)

// Dialect identifies the request-format family a deployment speaks.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGemini    Dialect = "gemini"
)

type (
	// ModelConfig is the immutable per-model configuration loaded at startup.
	ModelConfig struct {
		Name              string
		DeploymentID      string // optional static binding; empty → registry lookup
		Dialect           Dialect
		SupportsStreaming bool
		SupportsVision    bool
		DefaultMaxTokens  int
	}

	// ContentPart is one element of a multi-part message content list.
	// Exactly one of Text / ImageURL is meaningful, selected by Type.
	ContentPart struct {
		Type     string `json:"type"` // "text" | "image_url"
		Text     string `json:"text,omitempty"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url,omitempty"`
	}

	// Message is a single conversation turn. Content is either a plain string
	// or an ordered list of typed parts (text and image_url).
	Message struct {
		Role  string
		Text  string
		Parts []ContentPart // nil when Text carries the content
	}

	// ChatRequest is the normalized client request consumed by the pipeline.
	ChatRequest struct {
		Model            string
		Messages         []Message
		Stream           bool
		MaxTokens        int
		Temperature      *float64
		TopP             *float64
		FrequencyPenalty *float64
		PresencePenalty  *float64
		RequestID        string
	}

	// Usage — token usage stats.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
	}

	// UnifiedResponse is the dialect-independent upstream response.
	UnifiedResponse struct {
		Text    string
		Usage   Usage
		Success bool
	}

	// StreamChunk is a single delta delivered during a streaming response.
	// Usage is populated on the terminal chunk only.
	StreamChunk struct {
		Delta    string
		Finished bool
		Usage    *Usage
	}
)

// HasImages reports whether any message carries an image_url part.
func (r *ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		for _, p := range m.Parts {
			if p.Type == "image_url" {
				return true
			}
		}
	}
	return false
}

// PlainText returns the textual content of a message: either the string
// content or all text parts joined with newlines.
func (m *Message) PlainText() string {
	if m.Parts == nil {
		return m.Text
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Catalog is the built-in model table. Keys are the model names clients send
// in the "model" field; values carry the dialect and capability flags.
var Catalog = map[string]ModelConfig{

	// ─── OpenAI family ────────────────────────────────────────────────────────
	"gpt-4o":      {Name: "gpt-4o", Dialect: DialectOpenAI, SupportsStreaming: true, SupportsVision: true, DefaultMaxTokens: 16384},
	"gpt-4o-mini": {Name: "gpt-4o-mini", Dialect: DialectOpenAI, SupportsStreaming: true, SupportsVision: true, DefaultMaxTokens: 16384},
	"gpt-4.1":     {Name: "gpt-4.1", Dialect: DialectOpenAI, SupportsStreaming: true, SupportsVision: true, DefaultMaxTokens: 32768},
	"gpt-5-nano":  {Name: "gpt-5-nano", Dialect: DialectOpenAI, SupportsStreaming: true, SupportsVision: false, DefaultMaxTokens: 16384},
	"o3-mini":     {Name: "o3-mini", Dialect: DialectOpenAI, SupportsStreaming: true, SupportsVision: false, DefaultMaxTokens: 65536},

	// ─── Anthropic family ─────────────────────────────────────────────────────
	"claude-3-5-sonnet": {Name: "claude-3-5-sonnet", Dialect: DialectAnthropic, SupportsVision: true, DefaultMaxTokens: 8192},
	"claude-3-haiku":    {Name: "claude-3-haiku", Dialect: DialectAnthropic, SupportsVision: true, DefaultMaxTokens: 4096},
	"claude-sonnet-4":   {Name: "claude-sonnet-4", Dialect: DialectAnthropic, SupportsVision: true, DefaultMaxTokens: 8192},

	// ─── Gemini family ────────────────────────────────────────────────────────
	"gemini-1.5-pro":   {Name: "gemini-1.5-pro", Dialect: DialectGemini, SupportsVision: true, DefaultMaxTokens: 8192},
	"gemini-1.5-flash": {Name: "gemini-1.5-flash", Dialect: DialectGemini, SupportsVision: true, DefaultMaxTokens: 8192},
	"gemini-2.0-flash": {Name: "gemini-2.0-flash", Dialect: DialectGemini, SupportsVision: true, DefaultMaxTokens: 8192},
}

// Package-level defaults shared by the pipeline and the ledger.
const (
	UpstreamTimeout = 120 * time.Second

	// TokenSkewBuffer is subtracted from a credential's declared expiry so a
	// token is never used when it could expire mid-flight.
	TokenSkewBuffer = 60 * time.Second

	DefaultMaxMessages    = 100
	DefaultMaxContentLen  = 1_000_000
	DefaultMaxRequestSize = 10 << 20 // 10 MiB
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
