// Package sigma models SigmaHQ detection rules.
//
// Rules serialize to YAML with the field order the Sigma specification
// documents, so generated rules diff cleanly against hand-written ones in a
// detection-as-code repo. Generation from hunt findings lives with the hunt
// playbooks; this package is just the shape and its serialization.
package sigma

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Sigma rule levels.
const (
	LevelInformational = "informational"
	LevelLow           = "low"
	LevelMedium        = "medium"
	LevelHigh          = "high"
	LevelCritical      = "critical"
)

// DefaultAuthor is stamped on generated rules.
const DefaultAuthor = "Sentinel Hunt Agent"

// SeverityToLevel maps a finding severity onto a Sigma level. The two
// vocabularies agree except for "info"; anything unrecognized maps to
// medium.
func SeverityToLevel(severity string) string {
	switch severity {
	case "critical", "high", "medium", "low":
		return severity
	case "info":
		return LevelInformational
	default:
		return LevelMedium
	}
}

// Detection is the detection block of a Sigma rule.
type Detection struct {
	Selection map[string]any `json:"selection"`
	Filter    map[string]any `json:"filter,omitempty"`
	Condition string         `json:"condition"`
}

// Rule is a Sigma detection rule.
type Rule struct {
	Title          string            `json:"title"`
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Description    string            `json:"description"`
	Author         string            `json:"author"`
	Date           string            `json:"date"`
	References     []string          `json:"references"`
	Tags           []string          `json:"tags"`
	Logsource      map[string]string `json:"logsource"`
	Detection      Detection         `json:"detection"`
	FalsePositives []string          `json:"falsepositives"`
	Level          string            `json:"level"`
}

// NewRule creates a rule with a fresh id and the generator defaults:
// experimental status, today's date, medium level, condition "selection".
func NewRule(title, description string) Rule {
	return Rule{
		Title:       title,
		ID:          uuid.NewString(),
		Status:      "experimental",
		Description: description,
		Author:      DefaultAuthor,
		Date:        time.Now().Format("2006/01/02"),
		Detection:   Detection{Selection: map[string]any{}, Condition: "selection"},
		Level:       LevelMedium,
	}
}

// MarshalYAML implements yaml.Marshaler, emitting keys in the order the
// Sigma specification lists them. The filter block is omitted when empty;
// every other key is always present.
func (r Rule) MarshalYAML() (any, error) {
	detection := &yaml.Node{Kind: yaml.MappingNode}
	if err := appendEntry(detection, "selection", nonNilMap(r.Detection.Selection)); err != nil {
		return nil, err
	}
	if len(r.Detection.Filter) > 0 {
		if err := appendEntry(detection, "filter", r.Detection.Filter); err != nil {
			return nil, err
		}
	}
	condition := r.Detection.Condition
	if condition == "" {
		condition = "selection"
	}
	if err := appendEntry(detection, "condition", condition); err != nil {
		return nil, err
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	entries := []struct {
		key   string
		value any
	}{
		{"title", r.Title},
		{"id", r.ID},
		{"status", r.Status},
		{"description", r.Description},
		{"author", r.Author},
		{"date", r.Date},
		{"references", nonNilSlice(r.References)},
		{"tags", nonNilSlice(r.Tags)},
		{"logsource", nonNilStringMap(r.Logsource)},
		{"detection", detection},
		{"falsepositives", nonNilSlice(r.FalsePositives)},
		{"level", r.Level},
	}
	for _, e := range entries {
		if err := appendEntry(root, e.key, e.value); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// ToYAML serializes the rule to Sigma YAML.
func (r Rule) ToYAML() (string, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("sigma: marshal rule %q: %w", r.Title, err)
	}
	return string(out), nil
}

func appendEntry(m *yaml.Node, key string, value any) error {
	k := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
	var v *yaml.Node
	if n, ok := value.(*yaml.Node); ok {
		v = n
	} else {
		v = &yaml.Node{}
		if err := v.Encode(value); err != nil {
			return fmt.Errorf("sigma: encode %s: %w", key, err)
		}
	}
	m.Content = append(m.Content, k, v)
	return nil
}

// Nil slices and maps render as YAML nulls; the Sigma convention is empty
// collections instead.
func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
