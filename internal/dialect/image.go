package dialect

import "strings"

// parseDataURL splits a base64 data URL into media type and payload.
// Only the base64 form is accepted; anything else reports ok=false and the
// caller degrades the part to a textual placeholder.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, ok = strings.CutSuffix(meta, ";base64")
	if !ok || mediaType == "" || payload == "" {
		return "", "", false
	}
	return mediaType, payload, true
}

// imagePlaceholder is substituted for image parts the target dialect cannot
// carry (remote URLs the platform will not fetch on the model's behalf).
func imagePlaceholder(url string) string {
	return "[image: " + url + "]"
}
