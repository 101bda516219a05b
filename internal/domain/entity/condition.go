package entity

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is a comparison used by routing and step conditions.
type Operator string

const (
	OpEquals    Operator = "eq"
	OpNotEquals Operator = "ne"
	OpGreater   Operator = "gt"
	OpGreaterEq Operator = "gte"
	OpLess      Operator = "lt"
	OpLessEq    Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
)

// IsValid reports whether op is a known operator.
func (op Operator) IsValid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreater, OpGreaterEq, OpLess, OpLessEq,
		OpIn, OpNotIn, OpContains, OpExists:
		return true
	default:
		return false
	}
}

// Condition is a predicate over document metadata. Field may be a dotted
// path into nested maps. Approvers scopes a step condition to specific
// identities and is ignored by routing rules.
type Condition struct {
	Field     string      `json:"field" yaml:"field"`
	Operator  Operator    `json:"operator" yaml:"operator"`
	Value     interface{} `json:"value,omitempty" yaml:"value"`
	Approvers []string    `json:"approvers,omitempty" yaml:"approvers"`
}

// Validate checks the condition is well formed.
func (c Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	if !c.Operator.IsValid() {
		return fmt.Errorf("condition on %s has invalid operator %q", c.Field, c.Operator)
	}
	return nil
}

// Matches evaluates the condition against facts.
func (c Condition) Matches(facts map[string]interface{}) bool {
	actual, ok := lookup(facts, c.Field)

	switch c.Operator {
	case OpExists:
		want := true
		if b, isBool := c.Value.(bool); isBool {
			want = b
		}
		return ok == want
	case OpNotEquals:
		return !ok || !valuesEqual(actual, c.Value)
	case OpNotIn:
		return !ok || !inList(actual, c.Value)
	}

	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGreater:
			return a > b
		case OpGreaterEq:
			return a >= b
		case OpLess:
			return a < b
		default:
			return a <= b
		}
	case OpIn:
		return inList(actual, c.Value)
	case OpContains:
		if s, isStr := actual.(string); isStr {
			return strings.Contains(s, fmt.Sprint(c.Value))
		}
		return inList(c.Value, actual)
	}
	return false
}

// MatchAll reports whether every condition matches. An empty list matches.
func MatchAll(conds []Condition, facts map[string]interface{}) bool {
	for _, c := range conds {
		if !c.Matches(facts) {
			return false
		}
	}
	return true
}

func lookup(facts map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := facts[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur interface{} = facts
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func inList(needle, list interface{}) bool {
	switch l := list.(type) {
	case []interface{}:
		for _, v := range l {
			if valuesEqual(needle, v) {
				return true
			}
		}
	case []string:
		for _, v := range l {
			if valuesEqual(needle, v) {
				return true
			}
		}
	case string:
		for _, v := range strings.Split(l, ",") {
			if valuesEqual(needle, strings.TrimSpace(v)) {
				return true
			}
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
