// Package safety screens goal text entering the control plane and scans
// outbound summaries for secret leakage. Screening runs at the gateway and
// Telegram boundaries, before a goal reaches the run manager.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action indicates the recommended response to a screened goal.
type Action int

const (
	// ActionAllow means the goal text is safe to submit.
	ActionAllow Action = iota
	// ActionWarn means a suspicious pattern matched but the goal may proceed.
	ActionWarn
	// ActionBlock means the goal must be rejected.
	ActionBlock
)

// CheckResult is the outcome of screening one goal text.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string // which pattern matched (for logging)
}

// Sanitizer detects prompt-injection and exfiltration attempts in goal text.
type Sanitizer struct{}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

type injectionPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var injectionPatterns = []injectionPattern{
	// Role manipulation attempts.
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		action: ActionBlock,
		reason: "role manipulation: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		action: ActionBlock,
		reason: "role manipulation: identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: ActionBlock,
		reason: "role manipulation: system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(forget\s+(everything|all|your)\s+(you|instructions?)?)`),
		action: ActionBlock,
		reason: "role manipulation: memory wipe",
	},
	// Prompt leaking attempts.
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`),
		action: ActionBlock,
		reason: "prompt leaking: system prompt extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?))\b`),
		action: ActionBlock,
		reason: "prompt leaking: system prompt query",
	},
	// Exfiltration attempts.
	{
		re:     regexp.MustCompile(`(?i)\b(send|post|upload|forward|exfiltrate)\s+(all\s+|the\s+|your\s+)?(secrets?|credentials?|api\s+keys?|tokens?|passwords?)\b`),
		action: ActionBlock,
		reason: "exfiltration: credential exfiltration request",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(dump|cat|read)\s+(your\s+|the\s+)?(env|environment\s+variables?|\.env)\b`),
		action: ActionWarn,
		reason: "exfiltration: environment dump request",
	},
	// Injection markers (suspicious but not definitively malicious).
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "injection marker: chat template tag",
	},
	// Base64 encoded variants of "ignore" patterns.
	{
		re:     regexp.MustCompile(`(?i)(aWdub3Jl|SWdub3Jl)`), // base64 of "ignore"/"Ignore"
		action: ActionWarn,
		reason: "potential encoded injection",
	},
}

// Check screens goal text. The first matching pattern wins.
func (s *Sanitizer) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Action: ActionAllow}
	}

	for _, pat := range injectionPatterns {
		if pat.re.MatchString(input) {
			return CheckResult{
				Action:  pat.action,
				Reason:  pat.reason,
				Pattern: pat.re.String(),
			}
		}
	}

	return CheckResult{Action: ActionAllow}
}

// MustAllow returns an error if the check result is Block.
func (r CheckResult) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("goal screening failed: %s", r.Reason)
	}
	return nil
}

// RiskScore maps the screening outcome onto the 0..1 risk scale the
// coordinator uses. Warned goals carry moderate risk; blocked ones never
// reach a task, the score exists for audit rows.
func (r CheckResult) RiskScore() float64 {
	switch r.Action {
	case ActionWarn:
		return 0.4
	case ActionBlock:
		return 1.0
	default:
		return 0
	}
}
