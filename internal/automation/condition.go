package automation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Evaluate reports whether the condition holds for the given context.
//
// Evaluation is pure. A disabled condition always holds. Malformed
// conditions (unknown operator, bad CEL) return an error, which callers
// treat as the condition failing.
func (c Condition) Evaluate(vars map[string]any) (bool, error) {
	if c.Disabled {
		return true, nil
	}

	if c.Operator == OpExpression {
		x, err := sharedExpressions()
		if err != nil {
			return false, err
		}
		return x.Evaluate(c.Expression, vars)
	}

	actual, found := lookupField(vars, c.Field)
	if !found || actual == nil {
		return c.Operator == OpIsNull, nil
	}

	switch c.Operator {
	case OpIsNull:
		return false, nil
	case OpIsNotNull:
		return true, nil
	case OpEquals:
		return equalFold(actual, c.Value), nil
	case OpNotEquals:
		return !equalFold(actual, c.Value), nil
	case OpGreaterThan:
		return compareValues(actual, c.Value) > 0, nil
	case OpLessThan:
		return compareValues(actual, c.Value) < 0, nil
	case OpGreaterThanOrEqual:
		return compareValues(actual, c.Value) >= 0, nil
	case OpLessThanOrEqual:
		return compareValues(actual, c.Value) <= 0, nil
	case OpContains:
		return strings.Contains(lowerString(actual), lowerString(c.Value)), nil
	case OpNotContains:
		return !strings.Contains(lowerString(actual), lowerString(c.Value)), nil
	case OpStartsWith:
		return strings.HasPrefix(lowerString(actual), lowerString(c.Value)), nil
	case OpEndsWith:
		return strings.HasSuffix(lowerString(actual), lowerString(c.Value)), nil
	case OpMatches:
		return matchPattern(actual, c.Value), nil
	case OpNotMatches:
		return !matchPattern(actual, c.Value), nil
	case OpInRange:
		return inRange(actual, c.Value, c.SecondaryValue), nil
	case OpNotInRange:
		return !inRange(actual, c.Value, c.SecondaryValue), nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
	}
}

// EvaluateConditions AND-combines the rule's conditions in order.
// A rule without conditions always passes. The first failing condition's
// name is returned so callers can log why a rule was skipped.
func (r *Rule) EvaluateConditions(vars map[string]any) (passed bool, failed string, err error) {
	for _, c := range r.OrderedConditions() {
		ok, err := c.Evaluate(vars)
		if err != nil {
			return false, c.Name, fmt.Errorf("condition %q: %w", c.Name, err)
		}
		if !ok {
			return false, c.Name, nil
		}
	}
	return true, "", nil
}

// lookupField resolves a dotted path such as "sensor.temperature".
// An exact top-level key wins over path traversal.
func lookupField(vars map[string]any, field string) (any, bool) {
	if vars == nil || field == "" {
		return nil, false
	}
	if v, ok := vars[field]; ok {
		return v, true
	}

	var cur any = vars
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalFold(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return strings.EqualFold(stringify(a), stringify(b))
}

// compareValues orders a and b numerically, then as RFC3339 times,
// then as case-insensitive strings.
func compareValues(a, b any) int {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(lowerString(a), lowerString(b))
}

func inRange(v, lower, upper any) bool {
	if lower == nil || upper == nil {
		return false
	}
	return compareValues(v, lower) >= 0 && compareValues(v, upper) <= 0
}

func matchPattern(v, pattern any) bool {
	re, err := regexp.Compile("(?i)" + stringify(pattern))
	if err != nil {
		return false
	}
	return re.MatchString(stringify(v))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func lowerString(v any) string {
	return strings.ToLower(stringify(v))
}
