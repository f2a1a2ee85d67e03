package safety

import (
	"regexp"
)

// LeakWarning describes a secret-shaped substring found in tool output or a
// summary about to leave the process.
type LeakWarning struct {
	Pattern string
	Sample  string // truncated prefix of the match, safe to log
}

// LeakDetector scans strings for leaked secrets. The tool registry scans
// every tool result; warnings go to the audit log, redaction itself is
// shared.Redact at the persistence boundary.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

// perPatternCap bounds how many matches one pattern reports. A dumped env
// file would otherwise flood the audit log with hundreds of warnings.
const perPatternCap = 3

const sampleLen = 17

var leakPatterns = []struct {
	desc string
	re   *regexp.Regexp
}{
	{"API key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`)},
	{"Bearer token", regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`)},
	{"Google API key", regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{"OpenAI API key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{"Telegram bot token", regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}`)},
	{"private key", regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`)},
	{"password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`)},
}

// Scan reports secret-shaped matches in output without modifying it.
func (d *LeakDetector) Scan(output string) []LeakWarning {
	if output == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(output, perPatternCap) {
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: truncateSample(match)})
		}
	}
	return warnings
}

func truncateSample(s string) string {
	if len(s) <= sampleLen+3 {
		return s
	}
	return s[:sampleLen] + "..."
}
