package actions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholder matches {key} or {a.b.c}; JSON object text is left alone
// because a key there always starts with a quote.
var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// Render substitutes {key} placeholders with values from vars. Dotted keys
// walk nested maps. Unknown placeholders are kept verbatim.
func Render(s string, vars map[string]any) string {
	if len(vars) == 0 || !strings.Contains(s, "{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := lookup(vars, m[1:len(m)-1])
		if !ok {
			return m
		}
		return format(v)
	})
}

// renderValue renders every string inside v, descending into maps and slices.
func renderValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return Render(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = renderValue(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = renderValue(val, vars)
		}
		return out
	default:
		return v
	}
}

func lookup(vars map[string]any, key string) (any, bool) {
	if v, ok := vars[key]; ok {
		return v, true
	}
	var cur any = vars
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}
