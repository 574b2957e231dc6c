package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

// openAIStrategy speaks the Azure-flavored chat completions API the platform
// exposes for the GPT family. Content parts pass through unchanged since the
// proxy's own surface is already OpenAI-shaped.
type openAIStrategy struct{}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []models.ContentPart
}

type openAIRequest struct {
	Messages            []openAIMessage `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens"`
	Stream              bool            `json:"stream"`
	Temperature         float64         `json:"temperature"`
	TopP                *float64        `json:"top_p,omitempty"`
	FrequencyPenalty    *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64        `json:"presence_penalty,omitempty"`
}

func (s *openAIStrategy) Dialect() models.Dialect { return models.DialectOpenAI }

func (s *openAIStrategy) BuildRequest(in BuildInput) (string, []byte, error) {
	return s.build(in, false)
}

func (s *openAIStrategy) BuildStreamRequest(in BuildInput) (string, []byte, error) {
	return s.build(in, true)
}

func (s *openAIStrategy) build(in BuildInput, stream bool) (string, []byte, error) {
	req := in.Request

	msgs := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := openAIMessage{Role: m.Role}
		if m.Parts != nil {
			om.Content = m.Parts
		} else {
			om.Content = m.Text
		}
		msgs = append(msgs, om)
	}

	body, err := json.Marshal(openAIRequest{
		Messages:            msgs,
		MaxCompletionTokens: maxTokensOrDefault(in.Model, req),
		Stream:              stream,
		Temperature:         temperatureOrDefault(req),
		TopP:                req.TopP,
		FrequencyPenalty:    req.FrequencyPenalty,
		PresencePenalty:     req.PresencePenalty,
	})
	if err != nil {
		return "", nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	if stream {
		// Ask for a terminal usage chunk so streamed requests still report
		// token counts.
		body, err = sjson.SetBytes(body, "stream_options.include_usage", true)
		if err != nil {
			return "", nil, fmt.Errorf("openai: set stream options: %w", err)
		}
	}

	url := in.InferenceBase + "/chat/completions"
	if in.APIVersion != "" {
		url += "?api-version=" + in.APIVersion
	}
	return url, body, nil
}

func (s *openAIStrategy) ParseResponse(raw []byte) (*models.UnifiedResponse, error) {
	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() {
		return nil, malformed("openai: choices[0].message.content missing")
	}

	usage := gjson.GetBytes(raw, "usage")
	return &models.UnifiedResponse{
		Text: content.String(),
		Usage: models.Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		},
		Success: true,
	}, nil
}

// ParseStreamEvent interprets one chat-completions SSE payload. The literal
// [DONE] sentinel is handled by the transport layer before events reach here,
// but a defensive check keeps it harmless.
func (s *openAIStrategy) ParseStreamEvent(data []byte) (string, bool, *models.Usage, error) {
	if string(data) == "[DONE]" {
		return "", true, nil, nil
	}
	if !gjson.ValidBytes(data) {
		return "", false, nil, malformed("openai: invalid stream event")
	}

	delta := gjson.GetBytes(data, "choices.0.delta.content").String()
	done := gjson.GetBytes(data, "choices.0.finish_reason").Exists() &&
		gjson.GetBytes(data, "choices.0.finish_reason").String() != ""

	var usage *models.Usage
	if u := gjson.GetBytes(data, "usage"); u.IsObject() {
		usage = &models.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return delta, done, usage, nil
}
