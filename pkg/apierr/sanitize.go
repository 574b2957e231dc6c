package apierr

import (
	"regexp"
	"strings"
)

// Patterns matched against any string that leaves the process in an error
// body or log line. Order matters: the bearer pattern must run before the
// generic opaque-run pattern so the scheme word survives.
var (
	reBearer = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`)
	reJWT    = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`)
	reDeploy = regexp.MustCompile(`\bd[0-9a-f]{12,}\b`)
	reOpaque = regexp.MustCompile(`\b[A-Za-z0-9]{40,}\b`)
)

// Sanitize strips credentials and identifiers from s: bearer tokens,
// JWT-like triples, deployment identifiers, and long opaque alphanumeric
// runs. Idempotent — the replacement text matches none of the patterns.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	s = reBearer.ReplaceAllString(s, "Bearer [redacted]")
	s = reJWT.ReplaceAllString(s, "[redacted-jwt]")
	s = reDeploy.ReplaceAllString(s, "[redacted-id]")
	s = reOpaque.ReplaceAllString(s, "[redacted]")
	return s
}

// SanitizeErr is a convenience wrapper for error values; nil-safe.
func SanitizeErr(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// FirstLine truncates s at the first newline; upstream bodies quoted into
// error messages stay single-line in logs.
func FirstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
