package workflow

import (
	"fmt"
	"strings"
)

// Condition is a predicate over run context fields. A condition is either a
// leaf comparison (Field/Op/Value) or a group (Operator + Conditions), and
// groups nest arbitrarily.
type Condition struct {
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string `json:"op,omitempty" yaml:"op,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`

	Operator   string      `json:"operator,omitempty" yaml:"operator,omitempty"` // AND / OR
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

func (c Condition) group() bool { return c.Operator != "" || len(c.Conditions) > 0 }

func (c Condition) validate() error {
	if c.group() {
		op := strings.ToUpper(c.Operator)
		if op != "AND" && op != "OR" {
			return fmt.Errorf("condition group has unknown operator %q", c.Operator)
		}
		if len(c.Conditions) == 0 {
			return fmt.Errorf("condition group %s has no conditions", op)
		}
		for _, sub := range c.Conditions {
			if err := sub.validate(); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Field == "" {
		return fmt.Errorf("condition has no field")
	}
	switch c.Op {
	case "==", "!=", ">=", "<=", ">", "<":
		return nil
	}
	return fmt.Errorf("condition on %q has unknown operator %q", c.Field, c.Op)
}

// Evaluate reports whether every condition in the list holds against the
// context (the list is an implicit AND, matching how edge guards are
// declared). Missing context fields make the comparison false rather than
// erroring, so a malformed context degrades a branch instead of crashing the
// run. Deterministic: same inputs always yield the same result.
func Evaluate(conditions []Condition, ctx map[string]any) bool {
	for _, c := range conditions {
		if !evalCondition(c, ctx) {
			return false
		}
	}
	return true
}

func evalCondition(c Condition, ctx map[string]any) bool {
	if c.group() {
		switch strings.ToUpper(c.Operator) {
		case "OR":
			for _, sub := range c.Conditions {
				if evalCondition(sub, ctx) {
					return true
				}
			}
			return false
		default: // AND
			for _, sub := range c.Conditions {
				if !evalCondition(sub, ctx) {
					return false
				}
			}
			return len(c.Conditions) > 0
		}
	}

	actual, ok := ctx[c.Field]
	if !ok || actual == nil {
		return false
	}
	return compare(actual, c.Op, c.Value)
}

func compare(actual any, op string, expected any) bool {
	// Numeric comparison covers the common case (scores, counters). YAML and
	// JSON decode numbers as int or float64 interchangeably.
	if af, aok := toFloat(actual); aok {
		if ef, eok := toFloat(expected); eok {
			switch op {
			case "==":
				return af == ef
			case "!=":
				return af != ef
			case ">=":
				return af >= ef
			case "<=":
				return af <= ef
			case ">":
				return af > ef
			case "<":
				return af < ef
			}
			return false
		}
	}

	as := fmt.Sprintf("%v", actual)
	es := fmt.Sprintf("%v", expected)
	switch op {
	case "==":
		return as == es
	case "!=":
		return as != es
	case ">=":
		return as >= es
	case "<=":
		return as <= es
	case ">":
		return as > es
	case "<":
		return as < es
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
