package validate

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

func f64(v float64) *float64 { return &v }

func gate() *Gate {
	return New(Limits{MaxMessages: 5, MaxContentLength: 100})
}

func visionModel() models.ModelConfig {
	return models.ModelConfig{Name: "gpt-4o", Dialect: models.DialectOpenAI, SupportsVision: true, DefaultMaxTokens: 1000}
}

func textModel() models.ModelConfig {
	return models.ModelConfig{Name: "o3-mini", Dialect: models.DialectOpenAI, DefaultMaxTokens: 1000}
}

func simpleRequest() *models.ChatRequest {
	return &models.ChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: "user", Text: "hello"}},
	}
}

func TestCheckAcceptsValidRequest(t *testing.T) {
	if err := gate().Check(simpleRequest(), visionModel()); err != nil {
		t.Fatal(err)
	}
}

func TestCheckRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.ChatRequest)
		mc      models.ModelConfig
		wantSub string
	}{
		{
			name:    "empty messages",
			mutate:  func(r *models.ChatRequest) { r.Messages = nil },
			mc:      visionModel(),
			wantSub: "must not be empty",
		},
		{
			name: "too many messages",
			mutate: func(r *models.ChatRequest) {
				for i := 0; i < 6; i++ {
					r.Messages = append(r.Messages, models.Message{Role: "user", Text: "x"})
				}
			},
			mc:      visionModel(),
			wantSub: "too many messages",
		},
		{
			name:    "invalid role",
			mutate:  func(r *models.ChatRequest) { r.Messages[0].Role = "tool" },
			mc:      visionModel(),
			wantSub: "invalid role",
		},
		{
			name:    "whitespace-only content",
			mutate:  func(r *models.ChatRequest) { r.Messages[0].Text = "  \n\t " },
			mc:      visionModel(),
			wantSub: "must not be empty",
		},
		{
			name:    "content too long",
			mutate:  func(r *models.ChatRequest) { r.Messages[0].Text = strings.Repeat("a", 101) },
			mc:      visionModel(),
			wantSub: "exceeds limit",
		},
		{
			name: "empty part list",
			mutate: func(r *models.ChatRequest) {
				r.Messages[0].Text = ""
				r.Messages[0].Parts = []models.ContentPart{}
			},
			mc:      visionModel(),
			wantSub: "part list must not be empty",
		},
		{
			name: "unknown part type",
			mutate: func(r *models.ChatRequest) {
				r.Messages[0].Parts = []models.ContentPart{{Type: "audio"}}
			},
			mc:      visionModel(),
			wantSub: "unknown content part type",
		},
		{
			name: "image to non-vision model",
			mutate: func(r *models.ChatRequest) {
				p := models.ContentPart{Type: "image_url"}
				p.ImageURL.URL = "data:image/png;base64,aa"
				r.Messages[0].Parts = []models.ContentPart{p}
			},
			mc:      textModel(),
			wantSub: "does not accept image input",
		},
		{
			name: "empty image url",
			mutate: func(r *models.ChatRequest) {
				r.Messages[0].Parts = []models.ContentPart{{Type: "image_url"}}
			},
			mc:      visionModel(),
			wantSub: "url must not be empty",
		},
		{
			name:    "max_tokens over model cap",
			mutate:  func(r *models.ChatRequest) { r.MaxTokens = 1001 },
			mc:      visionModel(),
			wantSub: "exceeds model cap",
		},
		{
			name:    "temperature out of range",
			mutate:  func(r *models.ChatRequest) { r.Temperature = f64(2.5) },
			mc:      visionModel(),
			wantSub: "temperature",
		},
		{
			name:    "top_p out of range",
			mutate:  func(r *models.ChatRequest) { r.TopP = f64(1.5) },
			mc:      visionModel(),
			wantSub: "top_p",
		},
		{
			name:    "frequency penalty out of range",
			mutate:  func(r *models.ChatRequest) { r.FrequencyPenalty = f64(-2.5) },
			mc:      visionModel(),
			wantSub: "frequency_penalty",
		},
		{
			name:    "presence penalty out of range",
			mutate:  func(r *models.ChatRequest) { r.PresencePenalty = f64(3) },
			mc:      visionModel(),
			wantSub: "presence_penalty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := simpleRequest()
			tt.mutate(req)
			err := gate().Check(req, tt.mc)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("err = %q, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestCheckTextPartsCountTowardLength(t *testing.T) {
	req := simpleRequest()
	req.Messages[0].Text = ""
	req.Messages[0].Parts = []models.ContentPart{
		{Type: "text", Text: strings.Repeat("a", 60)},
		{Type: "text", Text: strings.Repeat("b", 60)},
	}
	if err := gate().Check(req, visionModel()); err == nil {
		t.Fatal("combined part length should exceed the limit")
	}
}

func TestStripNULIsRecursiveAndIdempotent(t *testing.T) {
	p := models.ContentPart{Type: "image_url", Text: "a\x00b"}
	p.ImageURL.URL = "data:\x00image/png;base64,xx"
	req := &models.ChatRequest{
		Model: "gpt\x00-4o",
		Messages: []models.Message{
			{Role: "user\x00", Text: "he\x00llo"},
			{Role: "user", Parts: []models.ContentPart{p}},
		},
	}

	StripNUL(req)
	if req.Model != "gpt-4o" || req.Messages[0].Role != "user" || req.Messages[0].Text != "hello" {
		t.Fatalf("top-level fields not stripped: %+v", req)
	}
	if got := req.Messages[1].Parts[0].ImageURL.URL; got != "data:image/png;base64,xx" {
		t.Fatalf("nested url not stripped: %q", got)
	}

	before := *req
	StripNUL(req)
	if req.Model != before.Model || req.Messages[0].Text != before.Messages[0].Text {
		t.Fatal("second strip changed already clean input")
	}
}

func TestCheckStripsBeforeValidating(t *testing.T) {
	req := simpleRequest()
	// NUL padding must not let content sneak past the empty check.
	req.Messages[0].Text = "\x00\x00 \x00"
	err := gate().Check(req, visionModel())
	if err == nil || !strings.Contains(err.Error(), "must not be empty") {
		t.Fatalf("err = %v", err)
	}
}
