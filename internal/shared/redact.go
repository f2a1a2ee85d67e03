package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretRule pairs a pattern with the submatch index of the part to keep.
// keepGroup 0 redacts the whole match.
type secretRule struct {
	pattern   *regexp.Regexp
	keepGroup int
}

var secretRules = []secretRule{
	// key=value pairs where the key name is secret-ish
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), 1},
	// Authorization headers
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), 1},
	// Google/Gemini keys carry a fixed AIza prefix
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), 0},
	// OpenAI-style keys
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`), 0},
	// Telegram bot tokens: numeric bot id, colon, secret
	{regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}`), 0},
	// UUID-shaped values after token/secret labels
	{regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), 1},
}

// Redact strips secret-bearing substrings. Phase logs, trace summaries, and
// outbound channel messages pass through here before anything persists or
// leaves the process.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range secretRules {
		rule := rule
		out = rule.pattern.ReplaceAllStringFunc(out, func(match string) string {
			if rule.keepGroup == 0 {
				return redactedPlaceholder
			}
			sub := rule.pattern.FindStringSubmatch(match)
			if len(sub) > rule.keepGroup {
				return sub[rule.keepGroup] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

var sensitiveKeyFragments = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue hides the value when the key name marks it as sensitive.
// Used when echoing resolved configuration, e.g. in doctor output.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return redactedPlaceholder
		}
	}
	return value
}
