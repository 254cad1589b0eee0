package internal

import "github.com/samber/lo"

// Operation parameters arrive as loosely typed maps (decoded from YAML or
// JSON); these helpers coerce the shapes the strategies care about.

func IntParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func StringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func StringSliceParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		return lo.FilterMap(v, func(item any, _ int) (string, bool) {
			s, ok := item.(string)
			return s, ok
		})
	default:
		return nil
	}
}
