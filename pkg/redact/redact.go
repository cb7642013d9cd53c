// Package redact removes sensitive fields from structured payloads before
// they are persisted to the run ledger or logged. It is never applied to the
// payload actually sent over the wire.
package redact

import "strings"

// Marker replaces every redacted value, regardless of its original type.
const Marker = "[REDACTED]"

// sensitiveKeySubstrings is matched case-insensitively as a substring against
// object keys. A key containing any entry has its whole value replaced.
var sensitiveKeySubstrings = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"api_key",
	"authorization",
	"credential",
	"private_key",
	"access_token",
	"refresh_token",
	"client_secret",
	"bearer",
}

// Sanitize returns a copy of value with sensitive object fields replaced by
// Marker. Maps and slices are recursed into; scalars pass through unchanged.
// The input is not mutated.
func Sanitize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if IsSensitiveKey(key) {
				out[key] = Marker
				continue
			}
			out[key] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return value
	}
}

// IsSensitiveKey reports whether an object key matches the deny-list.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeySubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
