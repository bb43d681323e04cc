package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Condition is one node of a rule's criteria tree. A node with Field
// and Operator set is a leaf comparison; otherwise Operator is the
// logical connective (AND/OR, default AND) over Rules.
type Condition struct {
	Field    string       `json:"field,omitempty"`
	Operator string       `json:"operator,omitempty"`
	Value    any          `json:"value,omitempty"`
	Rules    []*Condition `json:"rules,omitempty"`
}

// IsLeaf reports whether the node is a field comparison.
func (c *Condition) IsLeaf() bool {
	return c.Field != "" && c.Operator != ""
}

// Validate checks the tree is well-formed before a rule is stored.
func (c *Condition) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: criteria is required", ErrValidation)
	}
	if c.IsLeaf() {
		if !knownOperator(c.Operator) {
			return fmt.Errorf("%w: unknown operator %q", ErrValidation, c.Operator)
		}
		if c.Operator == "regex" {
			pattern, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("%w: regex value must be a string", ErrValidation)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("%w: invalid regex %q", ErrValidation, pattern)
			}
		}
		return nil
	}

	op := strings.ToUpper(c.Operator)
	if op != "" && op != "AND" && op != "OR" {
		return fmt.Errorf("%w: unknown logical operator %q", ErrValidation, c.Operator)
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("%w: composite condition has no sub-rules", ErrValidation)
	}
	for _, sub := range c.Rules {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs the tree against a feature map. Missing fields and
// type mismatches make the individual comparison false, never an
// error: a malformed rule must not break ingestion.
func (c *Condition) Evaluate(data map[string]any) bool {
	if c == nil {
		return false
	}
	if c.IsLeaf() {
		return evaluateLeaf(data, c)
	}
	if len(c.Rules) == 0 {
		return false
	}

	switch strings.ToUpper(c.Operator) {
	case "", "AND":
		for _, sub := range c.Rules {
			if !sub.Evaluate(data) {
				return false
			}
		}
		return true
	case "OR":
		for _, sub := range c.Rules {
			if sub.Evaluate(data) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func knownOperator(op string) bool {
	switch op {
	case ">", "<", ">=", "<=", "==", "!=", "in", "not_in", "includes", "not_includes", "regex":
		return true
	}
	return false
}

func evaluateLeaf(data map[string]any, c *Condition) bool {
	dataValue, present := data[c.Field]
	if !present || dataValue == nil {
		// Only null comparisons can match a missing field.
		switch c.Operator {
		case "==":
			return c.Value == nil
		case "!=":
			return c.Value != nil
		}
		return false
	}

	switch c.Operator {
	case ">", "<", ">=", "<=":
		left, lok := toFloat(dataValue)
		right, rok := toFloat(c.Value)
		if !lok || !rok {
			return false
		}
		switch c.Operator {
		case ">":
			return left > right
		case "<":
			return left < right
		case ">=":
			return left >= right
		default:
			return left <= right
		}
	case "==":
		return valuesEqual(dataValue, c.Value)
	case "!=":
		return !valuesEqual(dataValue, c.Value)
	case "includes":
		return contains(dataValue, c.Value)
	case "not_includes":
		return !contains(dataValue, c.Value)
	case "in":
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if valuesEqual(dataValue, v) {
				return true
			}
		}
		return false
	case "not_in":
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if valuesEqual(dataValue, v) {
				return false
			}
		}
		return true
	case "regex":
		pattern, pok := c.Value.(string)
		s, sok := dataValue.(string)
		if !pok || !sok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

// valuesEqual compares with numeric coercion so a criteria value
// decoded as float64 matches an int feature and vice versa.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// contains handles string substring checks and slice membership.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []any:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range h {
			if item == fmt.Sprint(needle) {
				return true
			}
		}
		return false
	}
	return false
}
