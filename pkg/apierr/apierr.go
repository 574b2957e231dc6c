// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeUpstreamError     = "upstream_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeValidationError   = "validation_error"
	TypeAuthenticationErr = "authentication_error"
	TypePayloadTooLarge   = "payload_too_large_error"
	TypeNotFound          = "not_found"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeRateLimitExhausted = "rate_limit_exhausted"
	CodeMissingAPIKey      = "missing_api_key"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeInternalError      = "internal_error"
	CodeUpstreamError      = "upstream_error"
	CodeRequestTimeout     = "request_timeout"
	CodeInvalidRequest     = "invalid_request"
	CodeValidationFailed   = "validation_failed"
	CodePayloadTooLarge    = "payload_too_large"
	CodeModelNotFound      = "model_not_found"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP
// status. The message passes through Sanitize before leaving the process.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: Sanitize(message),
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUpstreamError maps an upstream HTTP status to the gateway response.
//
//	Upstream 429 → 429 + Retry-After
//	anything else → 502 with sanitized detail
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	if upstreamStatus == fasthttp.StatusTooManyRequests {
		WriteRateLimit(ctx, 60, msg)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeUpstreamError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 with a Retry-After header. retryAfterSeconds ≤ 0
// falls back to 60.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int, msg string) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	if msg == "" {
		msg = "rate limit exceeded"
	}
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteValidation writes a 400 with the joined validation messages.
func WriteValidation(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeValidationError, CodeValidationFailed)
}
