package actions

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// ErrInvalidParameter is returned when an action parameter is missing or malformed.
var ErrInvalidParameter = errors.New("actions: invalid parameter")

// ─── Parameter accessors ────────────────────────────────────────────────────

func requiredString(a automation.Action, key string) (string, error) {
	v, ok := a.Parameters[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParameter, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidParameter, key)
	}
	return s, nil
}

func optionalString(a automation.Action, key, def string) (string, error) {
	v, ok := a.Parameters[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidParameter, key)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

// optionalInt accepts JSON numbers (float64), Go ints and numeric strings.
func optionalInt(a automation.Action, key string, def, lo, hi int) (int, error) {
	v, ok := a.Parameters[key]
	if !ok || v == nil {
		return def, nil
	}

	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameter, key)
		}
		n = int(t)
	case string:
		parsed, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameter, key)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameter, key)
	}

	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %s must be %d-%d", ErrInvalidParameter, key, lo, hi)
	}
	return n, nil
}

func optionalBool(a automation.Action, key string) (bool, error) {
	v, ok := a.Parameters[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParameter, key)
	}
	return b, nil
}

func optionalStringMap(a automation.Action, key string) (map[string]string, error) {
	v, ok := a.Parameters[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]string:
		return t, nil
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, val := range t {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s must be a string", ErrInvalidParameter, key, k)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be an object of strings", ErrInvalidParameter, key)
	}
}
