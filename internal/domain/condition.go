package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition is a single predicate evaluated against a payload. Conditions on
// a route or handoff are conjunctive: all must hold for the filter to match.
type Condition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     string   `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

func (c Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("condition field is required")
	}
	op := strings.ToLower(strings.TrimSpace(c.Op))
	switch op {
	case "exists":
	case "in", "not_in":
		if len(c.Values) == 0 {
			return fmt.Errorf("condition %s requires values for %s", c.Field, op)
		}
	case "eq", "neq", "contains", "gt", "gte", "lt", "lte":
		if strings.TrimSpace(c.Value) == "" {
			return fmt.Errorf("condition %s requires a value for %s", c.Field, op)
		}
	default:
		return fmt.Errorf("condition %s op unsupported: %q", c.Field, c.Op)
	}
	return nil
}

func ValidateConditions(conds []Condition) error {
	for i, cond := range conds {
		if err := cond.Validate(); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
	}
	return nil
}

// MatchConditions reports whether payload satisfies every condition.
func MatchConditions(conds []Condition, payload Metadata) bool {
	for _, cond := range conds {
		if !cond.Match(payload) {
			return false
		}
	}
	return true
}

func (c Condition) Match(payload Metadata) bool {
	value, found := lookupPath(payload, c.Field)
	op := strings.ToLower(strings.TrimSpace(c.Op))

	if op == "exists" {
		return found
	}
	if !found {
		return false
	}

	actual := stringify(value)
	switch op {
	case "eq":
		return actual == c.Value
	case "neq":
		return actual != c.Value
	case "contains":
		return strings.Contains(actual, c.Value)
	case "in":
		for _, candidate := range c.Values {
			if actual == candidate {
				return true
			}
		}
		return false
	case "not_in":
		for _, candidate := range c.Values {
			if actual == candidate {
				return false
			}
		}
		return true
	case "gt", "gte", "lt", "lte":
		left, leftErr := toFloat(value)
		right, rightErr := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if leftErr != nil || rightErr != nil {
			return false
		}
		switch op {
		case "gt":
			return left > right
		case "gte":
			return left >= right
		case "lt":
			return left < right
		default:
			return left <= right
		}
	default:
		return false
	}
}

// lookupPath resolves a dotted field path against nested payload maps.
func lookupPath(payload Metadata, path string) (any, bool) {
	segments := strings.Split(strings.TrimSpace(path), ".")
	var current any = map[string]any(payload)
	for _, segment := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			if meta, isMeta := current.(Metadata); isMeta {
				node = map[string]any(meta)
			} else {
				return nil, false
			}
		}
		value, exists := node[segment]
		if !exists {
			return nil, false
		}
		current = value
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("not numeric: %T", value)
	}
}
