package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ConditionOperator is one of the closed set of comparison operators a
// structured edge condition may use (§4.6.3).
type ConditionOperator string

const (
	OpEquals       ConditionOperator = "eq"
	OpNotEquals    ConditionOperator = "neq"
	OpGreaterThan  ConditionOperator = "gt"
	OpLessThan     ConditionOperator = "lt"
	OpGreaterEqual ConditionOperator = "gte"
	OpLessEqual    ConditionOperator = "lte"

	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "not_in"

	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not_exists"
	OpIsEmpty     ConditionOperator = "is_empty"
	OpIsNotEmpty  ConditionOperator = "is_not_empty"

	OpStartsWith ConditionOperator = "starts_with"
	OpEndsWith   ConditionOperator = "ends_with"
	OpMatches    ConditionOperator = "matches"

	OpIsTrue  ConditionOperator = "is_true"
	OpIsFalse ConditionOperator = "is_false"

	OpIsString  ConditionOperator = "is_string"
	OpIsNumber  ConditionOperator = "is_number"
	OpIsBoolean ConditionOperator = "is_boolean"
	OpIsArray   ConditionOperator = "is_array"
	OpIsObject  ConditionOperator = "is_object"
)

// Condition is the structured edge predicate from spec §4.6.3: a dotted
// field path resolved against the source node's output, compared with
// Value using Operator.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    interface{}       `json:"value,omitempty"`
}

// Validate checks the condition references a known operator and, where the
// operator requires one, a non-empty field.
func (c *Condition) Validate() error {
	if c.Field == "" && c.Operator != "" {
		return &ValidationError{Field: "condition.field", Message: "field is required"}
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual,
		OpContains, OpNotContains, OpIn, OpNotIn,
		OpExists, OpNotExists, OpIsEmpty, OpIsNotEmpty,
		OpStartsWith, OpEndsWith, OpMatches,
		OpIsTrue, OpIsFalse,
		OpIsString, OpIsNumber, OpIsBoolean, OpIsArray, OpIsObject:
		return nil
	default:
		return &ValidationError{Field: "condition.operator", Message: fmt.Sprintf("unknown operator %q", c.Operator)}
	}
}

// Evaluate resolves c.Field as a dotted path against source and applies
// Operator. A missing field resolves to nil, which only exists/not_exists,
// is_empty/is_not_empty, and the is_* type predicates treat meaningfully;
// all other operators against a missing field evaluate to false.
func (c *Condition) Evaluate(source map[string]interface{}) (bool, error) {
	value, found := lookupPath(source, c.Field)

	switch c.Operator {
	case OpExists:
		return found, nil
	case OpNotExists:
		return !found, nil
	case OpIsEmpty:
		return isEmptyValue(value, found), nil
	case OpIsNotEmpty:
		return !isEmptyValue(value, found), nil
	case OpIsString:
		_, ok := value.(string)
		return found && ok, nil
	case OpIsNumber:
		return found && isNumeric(value), nil
	case OpIsBoolean:
		_, ok := value.(bool)
		return found && ok, nil
	case OpIsArray:
		_, ok := value.([]interface{})
		return found && ok, nil
	case OpIsObject:
		_, ok := value.(map[string]interface{})
		return found && ok, nil
	case OpIsTrue:
		b, ok := value.(bool)
		return found && ok && b, nil
	case OpIsFalse:
		b, ok := value.(bool)
		return found && ok && !b, nil
	}

	if !found {
		return false, nil
	}

	switch c.Operator {
	case OpEquals:
		return compareEqual(value, c.Value), nil
	case OpNotEquals:
		return !compareEqual(value, c.Value), nil
	case OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual:
		return compareOrdered(c.Operator, value, c.Value)
	case OpContains:
		return containsValue(value, c.Value), nil
	case OpNotContains:
		return !containsValue(value, c.Value), nil
	case OpIn:
		return containsValue(c.Value, value), nil
	case OpNotIn:
		return !containsValue(c.Value, value), nil
	case OpStartsWith:
		return strings.HasPrefix(toStr(value), toStr(c.Value)), nil
	case OpEndsWith:
		return strings.HasSuffix(toStr(value), toStr(c.Value)), nil
	case OpMatches:
		re, err := regexp.Compile(toStr(c.Value))
		if err != nil {
			return false, fmt.Errorf("invalid regex in condition: %w", err)
		}
		return re.MatchString(toStr(value)), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

// lookupPath resolves a dotted path ("a.b.c") against nested maps. Array
// indices are not supported; an unresolvable segment reports found=false.
func lookupPath(source map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current interface{} = source
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

func isEmptyValue(v interface{}, found bool) bool {
	if !found || v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toStr(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func compareEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toStr(a) == toStr(b)
}

// compareOrdered applies gt/lt/gte/lte. Numeric values compare numerically;
// anything else falls back to lexical string comparison (§4.6.3).
func compareOrdered(op ConditionOperator, a, b interface{}) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case OpGreaterThan:
			return af > bf, nil
		case OpLessThan:
			return af < bf, nil
		case OpGreaterEqual:
			return af >= bf, nil
		case OpLessEqual:
			return af <= bf, nil
		}
	}

	as, bs := toStr(a), toStr(b)
	switch op {
	case OpGreaterThan:
		return as > bs, nil
	case OpLessThan:
		return as < bs, nil
	case OpGreaterEqual:
		return as >= bs, nil
	case OpLessEqual:
		return as <= bs, nil
	}
	return false, fmt.Errorf("unsupported ordered operator %q", op)
}

func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case []interface{}:
		for _, item := range h {
			if compareEqual(item, needle) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(h, toStr(needle))
	default:
		return false
	}
}
