// Package dialect implements the per-family request/response translation
// strategies (openai, anthropic, gemini).
//
// Each strategy builds the deployment-scoped request URL and JSON body for a
// normalized ChatRequest, and parses the raw upstream response into a
// UnifiedResponse. Dispatch is a tagged lookup over the dialect tag; unknown
// tags fall back to the OpenAI strategy.
package dialect

import (
	"errors"
	"fmt"

	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

// ErrMalformedResponse marks an upstream 2xx body the strategy could not
// interpret. Never retried.
var ErrMalformedResponse = errors.New("malformed upstream response")

// BuildInput carries everything a strategy needs to construct a request.
type BuildInput struct {
	// InferenceBase is the deployment-scoped base URL
	// (…/v2/inference/deployments/{id}).
	InferenceBase string

	// APIVersion is appended to openai-dialect URLs as ?api-version=….
	APIVersion string

	Model   models.ModelConfig
	Request *models.ChatRequest
}

// Strategy is one request-format family.
type Strategy interface {
	// Dialect returns the tag this strategy serves.
	Dialect() models.Dialect

	// BuildRequest returns the inference URL and JSON body for a buffered call.
	BuildRequest(in BuildInput) (url string, body []byte, err error)

	// ParseResponse interprets a 2xx upstream body.
	ParseResponse(raw []byte) (*models.UnifiedResponse, error)
}

// StreamStrategy is implemented by strategies whose upstream offers native
// server-sent-event streaming.
type StreamStrategy interface {
	Strategy

	// BuildStreamRequest returns the URL and body for the streaming variant.
	BuildStreamRequest(in BuildInput) (url string, body []byte, err error)

	// ParseStreamEvent interprets one SSE data payload. done marks the
	// terminal event; usage is non-nil when the event carries final usage.
	ParseStreamEvent(data []byte) (delta string, done bool, usage *models.Usage, err error)
}

var strategies = map[models.Dialect]Strategy{
	models.DialectOpenAI:    &openAIStrategy{},
	models.DialectAnthropic: &anthropicStrategy{},
	models.DialectGemini:    &geminiStrategy{},
}

// For returns the strategy for tag. Unknown tags resolve to the OpenAI
// strategy, the upstream's lingua franca.
func For(tag models.Dialect) Strategy {
	if s, ok := strategies[tag]; ok {
		return s
	}
	return strategies[models.DialectOpenAI]
}

// StreamFor returns the streaming side of the strategy for tag, or false
// when the dialect has no native streaming path.
func StreamFor(tag models.Dialect) (StreamStrategy, bool) {
	s, ok := For(tag).(StreamStrategy)
	return s, ok
}

// defaultTemperature is applied when the client does not set one, matching
// the upstream platform's documented default.
const defaultTemperature = 0.7

func temperatureOrDefault(req *models.ChatRequest) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return defaultTemperature
}

func maxTokensOrDefault(mc models.ModelConfig, req *models.ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if mc.DefaultMaxTokens > 0 {
		return mc.DefaultMaxTokens
	}
	return 4096
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
