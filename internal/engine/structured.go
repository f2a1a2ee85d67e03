package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StructuredValidator checks reasoner output against a compiled JSON
// Schema. The reason/decide phases depend on well-formed JSON; a model
// that drifts into prose gets re-prompted rather than trusted.
type StructuredValidator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
	maxRetries int
	strictMode bool
}

// NewStructuredValidator compiles schemaJSON. maxRetries 0 means the
// default of 2; strict mode turns a missing JSON payload into an error
// instead of a pass-through warning.
func NewStructuredValidator(schemaJSON json.RawMessage, maxRetries int, strict bool) (*StructuredValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if maxRetries == 0 {
		maxRetries = 2
	}
	return &StructuredValidator{
		schema:     schema,
		schemaJSON: schemaJSON,
		maxRetries: maxRetries,
		strictMode: strict,
	}, nil
}

// SchemaJSON returns the raw schema for prompt-level injection.
func (sv *StructuredValidator) SchemaJSON() json.RawMessage { return sv.schemaJSON }

// MaxRetries returns the configured retry budget.
func (sv *StructuredValidator) MaxRetries() int { return sv.maxRetries }

// StructuredResult is the outcome of validating one response.
type StructuredResult struct {
	Valid   bool
	Raw     string
	JSON    string
	Parsed  any
	Warning string
}

// ValidationError describes a schema validation failure.
type ValidationError struct {
	Message string
	Raw     string
	Parsed  any
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateResponse pulls the JSON payload out of the reply and validates
// it. Non-strict mode tolerates JSON-free replies with a warning.
func (sv *StructuredValidator) ValidateResponse(responseText string) (*StructuredResult, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		if sv.strictMode {
			return nil, &ValidationError{Message: "response does not contain valid JSON", Raw: responseText}
		}
		return &StructuredResult{
			Valid:   false,
			Raw:     responseText,
			Warning: "no JSON found in response; passing through raw text",
		}, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: responseText}
	}
	if err := sv.schema.Validate(parsed); err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("schema validation failed: %s", err),
			Raw:     responseText,
			Parsed:  parsed,
		}
	}
	return &StructuredResult{Valid: true, Raw: responseText, JSON: jsonStr, Parsed: parsed}, nil
}

// extractJSON locates the JSON object or array in free-form model output.
// Preference order: a ```json fence, any fence whose body parses, then the
// first balanced {...} or [...] in the raw text.
func extractJSON(text string) string {
	if c := fencedBlock(text, "```json"); c != "" {
		return c
	}
	if c := fencedBlock(text, "```\n"); c != "" && isJSON(c) {
		return c
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if c := extractBalanced(text[i:]); c != "" && isJSON(c) {
				return c
			}
		}
	}
	return ""
}

// fencedBlock returns the trimmed body of the first fence opened by marker.
func fencedBlock(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx < 0 {
		return ""
	}
	start := idx + len(marker)
	if start < len(text) && text[start] == '\n' {
		start++
	}
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(text[start : start+end])
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the shortest prefix of s that closes the opening
// brace or bracket, honoring strings and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	var closer byte
	switch s[0] {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == s[0]:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// ValidateAndRetry validates responseText and, while the retry budget
// lasts, re-prompts the reasoner with the validation error appended to the
// original prompt. A non-empty validationErr means the budget ran out; err
// is only set when a retry generation itself fails.
func ValidateAndRetry(ctx context.Context, reasoner Reasoner, validator *StructuredValidator, prompt, systemPrompt, responseText string) (validJSON string, parsed any, validationErr string, err error) {
	if validator == nil {
		return "", nil, "", nil
	}

	for attempt := 0; attempt <= validator.MaxRetries(); attempt++ {
		result, valErr := validator.ValidateResponse(responseText)
		if valErr == nil && result != nil && result.Valid {
			return result.JSON, result.Parsed, "", nil
		}

		var errMsg string
		switch {
		case valErr != nil:
			errMsg = valErr.Error()
		case result != nil:
			errMsg = result.Warning
		default:
			errMsg = "validation failed"
		}

		if attempt == validator.MaxRetries() {
			return "", nil, errMsg, nil
		}

		retryPrompt := fmt.Sprintf(
			"%s\n\nYour previous reply did not match the required JSON schema. Error: %s\n\n"+
				"Reply again with valid JSON matching the schema.",
			prompt, errMsg,
		)
		responseText, err = reasoner.Generate(ctx, retryPrompt, systemPrompt)
		if err != nil {
			return "", nil, "", fmt.Errorf("retry generate: %w", err)
		}
	}

	return "", nil, "validation failed after retries", nil
}
