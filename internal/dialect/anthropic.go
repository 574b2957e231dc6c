package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

// anthropicStrategy speaks the Messages API the platform fronts at the
// deployment's /invoke endpoint. System turns are lifted out of the message
// list into the top-level system field; base64 data URLs become inline image
// sources, remote image URLs degrade to textual placeholders.
type anthropicStrategy struct{}

type anthropicImageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicContent struct {
	Type   string                `json:"type"` // "text" | "image"
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      float64            `json:"temperature"`
	TopP             *float64           `json:"top_p,omitempty"`
}

// anthropicVersion pins the Messages API revision the platform expects in the
// request body.
const anthropicVersion = "bedrock-2023-05-31"

func (s *anthropicStrategy) Dialect() models.Dialect { return models.DialectAnthropic }

func (s *anthropicStrategy) BuildRequest(in BuildInput) (string, []byte, error) {
	body, err := s.buildBody(in)
	if err != nil {
		return "", nil, err
	}
	return in.InferenceBase + "/invoke", body, nil
}

func (s *anthropicStrategy) BuildStreamRequest(in BuildInput) (string, []byte, error) {
	body, err := s.buildBody(in)
	if err != nil {
		return "", nil, err
	}
	return in.InferenceBase + "/invoke-with-response-stream", body, nil
}

func (s *anthropicStrategy) buildBody(in BuildInput) ([]byte, error) {
	req := in.Request

	var system string
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			// Only the first system turn is honored; the Messages API has a
			// single system slot.
			if system == "" {
				system = m.PlainText()
			}
			continue
		}
		msgs = append(msgs, anthropicMessage{
			Role:    m.Role,
			Content: convertAnthropicContent(&m),
		})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("anthropic: no non-system messages")
	}

	body, err := json.Marshal(anthropicRequest{
		AnthropicVersion: anthropicVersion,
		System:           system,
		Messages:         msgs,
		MaxTokens:        maxTokensOrDefault(in.Model, req),
		Temperature:      temperatureOrDefault(req),
		TopP:             req.TopP,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	return body, nil
}

func convertAnthropicContent(m *models.Message) []anthropicContent {
	if m.Parts == nil {
		return []anthropicContent{{Type: "text", Text: m.Text}}
	}

	out := make([]anthropicContent, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			out = append(out, anthropicContent{Type: "text", Text: p.Text})
		case "image_url":
			if mediaType, data, ok := parseDataURL(p.ImageURL.URL); ok {
				out = append(out, anthropicContent{
					Type: "image",
					Source: &anthropicImageSource{
						Type:      "base64",
						MediaType: mediaType,
						Data:      data,
					},
				})
			} else {
				out = append(out, anthropicContent{Type: "text", Text: imagePlaceholder(p.ImageURL.URL)})
			}
		}
	}
	return out
}

func (s *anthropicStrategy) ParseResponse(raw []byte) (*models.UnifiedResponse, error) {
	content := gjson.GetBytes(raw, "content")
	if !content.Exists() {
		return nil, malformed("anthropic: content missing")
	}

	var sb strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
		return true
	})

	usage := gjson.GetBytes(raw, "usage")
	in := int(usage.Get("input_tokens").Int())
	out := int(usage.Get("output_tokens").Int())
	return &models.UnifiedResponse{
		Text: sb.String(),
		Usage: models.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
		Success: true,
	}, nil
}

// ParseStreamEvent interprets one Messages-API SSE payload. Deltas arrive as
// content_block_delta events; message_delta carries the final output usage
// and message_stop terminates the stream.
func (s *anthropicStrategy) ParseStreamEvent(data []byte) (string, bool, *models.Usage, error) {
	if !gjson.ValidBytes(data) {
		return "", false, nil, malformed("anthropic: invalid stream event")
	}

	switch gjson.GetBytes(data, "type").String() {
	case "content_block_delta":
		return gjson.GetBytes(data, "delta.text").String(), false, nil, nil
	case "message_delta":
		var usage *models.Usage
		if u := gjson.GetBytes(data, "usage"); u.IsObject() {
			out := int(u.Get("output_tokens").Int())
			usage = &models.Usage{CompletionTokens: out, TotalTokens: out}
		}
		return "", false, usage, nil
	case "message_stop":
		return "", true, nil, nil
	default:
		// message_start, content_block_start/stop and ping carry no output.
		return "", false, nil, nil
	}
}
