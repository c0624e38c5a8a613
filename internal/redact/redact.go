// Package redact masks credential material before it crosses any external
// boundary: logs, spool files, and destination rows.
package redact

import "regexp"

const mask = "[REDACTED]"

// secretKeys are map keys whose values are always masked wholesale.
var secretKeys = map[string]struct{}{
	"gmkey":              {},
	"gm_key":             {},
	"websocketauthtoken": {},
	"access_token":       {},
	"refresh_token":      {},
	"password":           {},
	"session_cookie":     {},
}

var stringPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)DigifactoryBO=[^;,\s"]+`),
	regexp.MustCompile(`(?i)gmKey["']?\s*[:=]\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)access_token["']?\s*[:=]\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)refresh_token["']?\s*[:=]\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)Authorization["']?\s*[:=]\s*["']Bearer\s+[^"']+["']`),
	regexp.MustCompile(`(?i)websocketAuthToken\s*[:=]\s*["'][^"']+["']`),
}

// String masks known secret shapes inside free-form text, such as error
// messages that may embed a session cookie.
func String(s string) string {
	if s == "" {
		return s
	}
	for _, p := range stringPatterns {
		s = p.ReplaceAllString(s, mask)
	}
	return s
}

// Map recursively masks secret-bearing keys and secret shapes in string
// values. The input is not modified; a redacted copy is returned.
func Map(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, secret := secretKeys[lowerASCII(k)]; secret {
			out[k] = mask
			continue
		}
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Map(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = value(e)
		}
		return cp
	case string:
		return String(t)
	default:
		return v
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
