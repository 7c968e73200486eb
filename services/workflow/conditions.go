package workflow

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Operators understood by IfStatement conditions and the filter modifier.
const (
	OpEqual          = "is_equal_to"
	OpNotEqual       = "is_not_equal_to"
	OpGreater        = "is_greater_than"
	OpGreaterOrEqual = "is_greater_than_or_equal"
	OpLess           = "is_less_than"
	OpLessOrEqual    = "is_less_than_or_equal"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpStartsWith     = "starts_with"
	OpEndsWith       = "ends_with"
	OpEmpty          = "is_empty"
	OpNotEmpty       = "is_not_empty"
)

var validOperators = map[string]bool{
	OpEqual: true, OpNotEqual: true, OpGreater: true, OpGreaterOrEqual: true,
	OpLess: true, OpLessOrEqual: true, OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true, OpEmpty: true, OpNotEmpty: true,
}

// evaluateConditions folds conditions left to right. Each condition after the
// first combines with the partial result using its own type.
func evaluateConditions(conditions []Condition, scope map[string]any) (bool, error) {
	if len(conditions) == 0 {
		return false, fmt.Errorf("if-statement has no conditions")
	}
	var result bool
	for i, c := range conditions {
		left := Resolve(c.LeftExpr, scope)
		right := Resolve(c.RightExpr, scope)
		value, err := compare(left, c.Handler, right)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}
		if i == 0 {
			result = value
			continue
		}
		switch c.Type {
		case ConditionOr:
			result = result || value
		case ConditionAnd, "":
			result = result && value
		default:
			return false, fmt.Errorf("condition %d: unknown combinator %q", i, c.Type)
		}
	}
	return result, nil
}

// compare applies operator to left and right. Ordering operators compare
// numerically when both sides are numbers and lexically otherwise.
func compare(left any, operator string, right any) (bool, error) {
	switch operator {
	case OpEqual:
		return equalValues(left, right), nil
	case OpNotEqual:
		return !equalValues(left, right), nil
	case OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual:
		c := order(left, right)
		switch operator {
		case OpGreater:
			return c > 0, nil
		case OpGreaterOrEqual:
			return c >= 0, nil
		case OpLess:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case OpContains:
		return contains(left, right), nil
	case OpNotContains:
		return !contains(left, right), nil
	case OpStartsWith:
		return strings.HasPrefix(Stringify(left), Stringify(right)), nil
	case OpEndsWith:
		return strings.HasSuffix(Stringify(left), Stringify(right)), nil
	case OpEmpty:
		return isEmpty(left), nil
	case OpNotEmpty:
		return !isEmpty(left), nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

// equalValues compares numbers with a small tolerance, everything else by
// its string rendering.
func equalValues(a, b any) bool {
	fa, okA := toFloat64(a)
	fb, okB := toFloat64(b)
	if okA && okB {
		return math.Abs(fa-fb) < 1e-9
	}
	return Stringify(a) == Stringify(b)
}

func order(a, b any) int {
	fa, okA := toFloat64(a)
	fb, okB := toFloat64(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(Stringify(a), Stringify(b))
}

func contains(haystack, needle any) bool {
	if list, ok := toList(haystack); ok {
		for _, item := range list {
			if equalValues(item, needle) {
				return true
			}
		}
		return false
	}
	if m, ok := haystack.(map[string]any); ok {
		_, found := m[Stringify(needle)]
		return found
	}
	return strings.Contains(Stringify(haystack), Stringify(needle))
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}
