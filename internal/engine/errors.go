package engine

import "strings"

// ErrorClass buckets reasoner provider failures. Failover logs the class
// on every failure and stops trying alternates on CONTEXT_OVERFLOW, since
// the same prompt overflows everywhere.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// classMarkers maps each class to the substrings providers actually emit.
// Checked in order; first class with a match wins.
var classMarkers = []struct {
	class   ErrorClass
	markers []string
}{
	{ErrorClassAuth, []string{"401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window"}},
}

// ClassifyError matches the error text against known provider patterns.
// Providers do not agree on structured error codes, so this is string
// matching by necessity.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, entry := range classMarkers {
		for _, marker := range entry.markers {
			if strings.Contains(msg, marker) {
				return entry.class
			}
		}
	}
	return ErrorClassUnknown
}
