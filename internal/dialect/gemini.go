package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

// geminiStrategy speaks the generateContent API. Roles map onto the
// user/model pair the API accepts, system turns become systemInstruction,
// and base64 data URLs become inline_data parts.
type geminiStrategy struct{}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens"`
	Temperature     float64  `json:"temperature"`
	TopP            *float64 `json:"topP,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

func (s *geminiStrategy) Dialect() models.Dialect { return models.DialectGemini }

func (s *geminiStrategy) BuildRequest(in BuildInput) (string, []byte, error) {
	req := in.Request

	var system *geminiContent
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts := convertGeminiParts(&m)
		if len(parts) == 0 {
			continue
		}
		if m.Role == "system" {
			if system == nil {
				system = &geminiContent{Parts: parts}
			}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}
	if len(contents) == 0 {
		return "", nil, fmt.Errorf("gemini: no non-system messages")
	}

	body, err := json.Marshal(geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: maxTokensOrDefault(in.Model, req),
			Temperature:     temperatureOrDefault(req),
			TopP:            req.TopP,
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	return in.InferenceBase + "/models/" + in.Model.Name + ":generateContent", body, nil
}

func convertGeminiParts(m *models.Message) []geminiPart {
	if m.Parts == nil {
		if m.Text == "" {
			return nil
		}
		return []geminiPart{{Text: m.Text}}
	}

	out := make([]geminiPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			out = append(out, geminiPart{Text: p.Text})
		case "image_url":
			if mimeType, data, ok := parseDataURL(p.ImageURL.URL); ok {
				out = append(out, geminiPart{InlineData: &geminiInlineData{
					MimeType: mimeType,
					Data:     data,
				}})
			} else {
				out = append(out, geminiPart{Text: imagePlaceholder(p.ImageURL.URL)})
			}
		}
	}
	return out
}

func (s *geminiStrategy) ParseResponse(raw []byte) (*models.UnifiedResponse, error) {
	parts := gjson.GetBytes(raw, "candidates.0.content.parts")
	if !parts.Exists() {
		return nil, malformed("gemini: candidates[0].content.parts missing")
	}

	var sb strings.Builder
	parts.ForEach(func(_, p gjson.Result) bool {
		sb.WriteString(p.Get("text").String())
		return true
	})

	meta := gjson.GetBytes(raw, "usageMetadata")
	return &models.UnifiedResponse{
		Text: sb.String(),
		Usage: models.Usage{
			PromptTokens:     int(meta.Get("promptTokenCount").Int()),
			CompletionTokens: int(meta.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(meta.Get("totalTokenCount").Int()),
		},
		Success: true,
	}, nil
}
