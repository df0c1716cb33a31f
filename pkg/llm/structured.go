package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoJSON is returned when a structured completion contains no JSON
// object at all.
var ErrNoJSON = errors.New("llm: completion contains no JSON object")

const schemaURL = "https://sentinel.schemas.local/llm/response.schema.json"

// appendSchema returns msgs with the schema instruction appended to the
// last message. The original slice is not modified.
func appendSchema(msgs []Message, schemaJSON string) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	augmented := make([]Message, len(msgs))
	copy(augmented, msgs)
	last := augmented[len(augmented)-1]
	last.Content += "\n\nRespond with valid JSON matching this schema:\n" + schemaJSON
	augmented[len(augmented)-1] = last
	return augmented
}

// extractJSON returns the first balanced JSON object in s. Models often
// wrap JSON in prose or markdown fences; scanning for the first brace and
// tracking string state recovers the payload.
func extractJSON(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", ErrNoJSON
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}

// decodeStructured validates the completion content against schemaJSON and
// decodes it into out. Validation errors pass through unwrapped so callers
// can inspect the *jsonschema.ValidationError.
func decodeStructured(content, schemaJSON string, out any) error {
	payload, err := extractJSON(content)
	if err != nil {
		return err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("llm: load schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("llm: compile schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal([]byte(payload), &instance); err != nil {
		return fmt.Errorf("llm: parse completion: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), out)
}
