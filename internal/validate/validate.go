// Package validate is the request validation gate. Every chat completion
// request passes through Gate.Check after JSON parsing and before any
// upstream work; a rejected request never consumes a retry budget or an
// upstream token.
package validate

import (
	"fmt"
	"strings"

	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

// Limits bounds request shape. Zero values fall back to package defaults.
type Limits struct {
	MaxMessages      int
	MaxContentLength int
}

// Gate validates normalized chat requests against configured limits.
type Gate struct {
	maxMessages   int
	maxContentLen int
}

// New creates a Gate with the given limits.
func New(l Limits) *Gate {
	g := &Gate{
		maxMessages:   l.MaxMessages,
		maxContentLen: l.MaxContentLength,
	}
	if g.maxMessages <= 0 {
		g.maxMessages = models.DefaultMaxMessages
	}
	if g.maxContentLen <= 0 {
		g.maxContentLen = models.DefaultMaxContentLen
	}
	return g
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
}

// Check validates req in place. NUL bytes are stripped from all textual
// content before the checks run, so validation always sees the sanitized
// form; the stripping is idempotent. Returns the first violation found.
func (g *Gate) Check(req *models.ChatRequest, mc models.ModelConfig) error {
	StripNUL(req)

	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if len(req.Messages) > g.maxMessages {
		return fmt.Errorf("too many messages: %d exceeds limit of %d", len(req.Messages), g.maxMessages)
	}

	for i := range req.Messages {
		if err := g.checkMessage(&req.Messages[i], mc); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}

	if req.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if mc.DefaultMaxTokens > 0 && req.MaxTokens > mc.DefaultMaxTokens {
		return fmt.Errorf("max_tokens %d exceeds model cap %d", req.MaxTokens, mc.DefaultMaxTokens)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2]")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return fmt.Errorf("top_p must be within [0, 1]")
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return fmt.Errorf("frequency_penalty must be within [-2, 2]")
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return fmt.Errorf("presence_penalty must be within [-2, 2]")
	}

	return nil
}

func (g *Gate) checkMessage(m *models.Message, mc models.ModelConfig) error {
	if !validRoles[m.Role] {
		return fmt.Errorf("invalid role %q", m.Role)
	}

	if m.Parts == nil {
		if strings.TrimSpace(m.Text) == "" {
			return fmt.Errorf("content must not be empty")
		}
		if len(m.Text) > g.maxContentLen {
			return fmt.Errorf("content length %d exceeds limit of %d", len(m.Text), g.maxContentLen)
		}
		return nil
	}

	if len(m.Parts) == 0 {
		return fmt.Errorf("content part list must not be empty")
	}

	total := 0
	for j, p := range m.Parts {
		switch p.Type {
		case "text":
			total += len(p.Text)
		case "image_url":
			if !mc.SupportsVision {
				return fmt.Errorf("parts[%d]: model %q does not accept image input", j, mc.Name)
			}
			if p.ImageURL.URL == "" {
				return fmt.Errorf("parts[%d]: image_url.url must not be empty", j)
			}
		default:
			return fmt.Errorf("parts[%d]: unknown content part type %q", j, p.Type)
		}
	}
	if total > g.maxContentLen {
		return fmt.Errorf("content length %d exceeds limit of %d", total, g.maxContentLen)
	}
	return nil
}

// StripNUL removes NUL bytes from every textual field of the request,
// including nested content parts and image URLs. Calling it on already
// stripped input is a no-op.
func StripNUL(req *models.ChatRequest) {
	req.Model = stripNUL(req.Model)
	for i := range req.Messages {
		m := &req.Messages[i]
		m.Role = stripNUL(m.Role)
		m.Text = stripNUL(m.Text)
		for j := range m.Parts {
			p := &m.Parts[j]
			p.Text = stripNUL(p.Text)
			p.ImageURL.URL = stripNUL(p.ImageURL.URL)
		}
	}
}

func stripNUL(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}
