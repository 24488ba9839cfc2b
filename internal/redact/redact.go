// Package redact strips secret-like substrings from text before it is
// persisted, summarized or sent to an adapter.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in output, log and
// event strings. Order matters: assignment forms run before the bare
// key-prefix patterns so the variable name survives redaction.
var secretPatterns = []*regexp.Regexp{
	// Assignment forms: ANTHROPIC_API_KEY=..., MY_TOKEN=..., secret=...
	regexp.MustCompile(`(?i)([A-Z0-9_]*(?:API_?KEY|TOKEN|SECRET|CREDENTIAL)[A-Z0-9_]*\s*=\s*)("?[^\s"']{8,}"?)`),
	// password: hunter2 / password=hunter2 / password hunter2
	regexp.MustCompile(`(?i)(password[:=\s]\s*)("?[^\s"']{4,}"?)`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic / OpenAI style keys.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`),
	// GitHub personal access tokens.
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}`),
	// Slack bot tokens.
	regexp.MustCompile(`\bxoxb-[A-Za-z0-9\-]{16,}`),
	// Google API keys.
	regexp.MustCompile(`\bAIza[A-Za-z0-9_\-]{30,40}`),
}

// entropyPattern matches long base64-ish blocks that are candidates for the
// unique-character entropy check.
var entropyPattern = regexp.MustCompile(`[A-Za-z0-9+/=_\-]{40,}`)

// Redact replaces secret-bearing substrings with [REDACTED]. The transform
// is idempotent: redacting already-redacted text is a no-op.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				// Keep the prefix group, redact the value.
				return submatch[1] + placeholder
			}
			return placeholder
		})
	}
	result = entropyPattern.ReplaceAllStringFunc(result, func(match string) string {
		if highEntropy(match) {
			return placeholder
		}
		return match
	})
	return result
}

// RedactAny walks maps and slices, redacting every string it finds.
// Non-string leaves are returned unchanged.
func RedactAny(v any) any {
	switch val := v.(type) {
	case string:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = RedactAny(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = RedactAny(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = Redact(item)
		}
		return out
	default:
		return v
	}
}

// highEntropy reports whether a long token looks like key material rather
// than prose: enough distinct characters and a mix of letter classes.
func highEntropy(s string) bool {
	if len(s) < 40 {
		return false
	}
	unique := make(map[rune]struct{}, len(s))
	var hasUpper, hasLower, hasDigit bool
	for _, r := range s {
		unique[r] = struct{}{}
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	classes := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit} {
		if ok {
			classes++
		}
	}
	return len(unique) >= 16 && classes >= 2
}

// IsRedacted reports whether the text still contains the placeholder marker.
func IsRedacted(s string) bool {
	return strings.Contains(s, placeholder)
}
