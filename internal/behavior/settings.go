package behavior

import (
	"fmt"
	"strconv"
	"strings"
)

// settings reads typed values out of a task's configuration payload. Values
// may come from JSON (float64 numbers) or YAML (int numbers) documents, so the
// accessors accept both and tolerate numeric strings.
type settings map[string]any

func (s settings) str(key, def string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return def
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}

func (s settings) boolean(key string, def bool) bool {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return b
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return def
}

func (s settings) integer(key string, def int) int {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return n
	}
	return def
}

// list accepts a sequence or a comma separated string.
func (s settings) list(key string) []string {
	v, ok := s[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, item := range t {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
	case string:
		out = strings.Split(t, ",")
	default:
		return nil
	}
	cleaned := out[:0]
	for _, item := range out {
		if item = strings.TrimSpace(item); item != "" {
			cleaned = append(cleaned, item)
		}
	}
	return cleaned
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
