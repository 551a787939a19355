// Package redact provides helpers for stripping sensitive values from log
// output and structured data before it leaves the process boundary.
//
// # Threat model
//
// Secrets (provider API keys, registration tokens, bearer credentials) must
// never appear in:
//   - Log lines emitted by the router or its workers
//   - Event-log entries and state snapshots written to disk
//   - Error envelopes returned to clients
//
// Scrub is the load-bearing guard: persistence passes every value through it
// before the value touches disk. String and Map are best-effort helpers for
// log call-sites; they are NOT a substitute for keeping secrets out of log
// statements in the first place.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// ScrubPlaceholder is the literal written in place of a scrubbed value.
const ScrubPlaceholder = "<redacted>"

// scrubKeywords are matched as substrings of lowercased mapping keys.
var scrubKeywords = []string{"api_key", "authorization", "token", "secret"}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(logLine, apiKey, registrationToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret (password, token, key,
// secret, credential, auth).  Non-string values are left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Scrub walks value recursively and returns a copy in which every mapping
// entry whose lowercased key contains one of api_key, authorization, token
// or secret has its value replaced by the literal "<redacted>". Nested maps
// and slices are copied; scalars pass through. The input is never modified.
func Scrub(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if isScrubKey(k) {
				out[k] = ScrubPlaceholder
				continue
			}
			out[k] = Scrub(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Scrub(item)
		}
		return out
	default:
		return value
	}
}

func isScrubKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range scrubKeywords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
