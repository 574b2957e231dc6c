// Package respcheck validates normalized upstream responses before they are
// returned to clients.
package respcheck

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nulpointcorp/aicore-proxy/internal/models"
)

// ErrEmptyResponse marks an upstream 2xx whose normalized text is empty.
var ErrEmptyResponse = errors.New("upstream returned an empty response")

// Check rejects empty responses and clamps usage counters in place: negative
// counters go to zero and an inconsistent total is recomputed from the parts.
func Check(resp *models.UnifiedResponse) error {
	if strings.TrimSpace(resp.Text) == "" {
		return ErrEmptyResponse
	}

	if resp.Usage.PromptTokens < 0 {
		resp.Usage.PromptTokens = 0
	}
	if resp.Usage.CompletionTokens < 0 {
		resp.Usage.CompletionTokens = 0
	}
	if sum := resp.Usage.PromptTokens + resp.Usage.CompletionTokens; resp.Usage.TotalTokens < sum {
		resp.Usage.TotalTokens = sum
	}
	return nil
}

// RefusalList decides whether a response text reads as a model refusing to
// process image input. It supports two matching modes:
//
//   - Phrase match: case-insensitive substring test.
//   - Regex match: the text is tested against a compiled regexp.
//
// A nil *RefusalList is safe to call — Matches always returns false.
type RefusalList struct {
	phrases  []string
	patterns []*regexp.Regexp
}

// NewRefusalList compiles the given phrases and regex patterns into a
// RefusalList. Returns an error if any pattern fails to compile so that
// misconfiguration is caught at startup.
func NewRefusalList(phrases, patterns []string) (*RefusalList, error) {
	rl := &RefusalList{}

	for _, p := range phrases {
		if p != "" {
			rl.phrases = append(rl.phrases, strings.ToLower(p))
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("refusal list: invalid pattern %q: %w", p, err)
		}
		rl.patterns = append(rl.patterns, re)
	}

	return rl, nil
}

// DefaultRefusalList covers the stock refusal wordings the foundation models
// emit when a deployment silently drops image parts.
func DefaultRefusalList() *RefusalList {
	rl, err := NewRefusalList([]string{
		"i cannot see images",
		"i can't see images",
		"i'm unable to see images",
		"i cannot view images",
		"unable to process images",
		"i don't have the ability to see",
		"as a text-based",
	}, nil)
	if err != nil {
		panic(err)
	}
	return rl
}

// Matches reports whether text reads as a vision refusal. Phrases are checked
// first, then regex patterns in order.
func (rl *RefusalList) Matches(text string) bool {
	if rl == nil {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range rl.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, re := range rl.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Len returns the total number of refusal rules configured.
func (rl *RefusalList) Len() int {
	if rl == nil {
		return 0
	}
	return len(rl.phrases) + len(rl.patterns)
}
