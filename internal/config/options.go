package config

import (
	"fmt"
	"maps"
	"strconv"
)

// Options is an opaque option mapping passed through to collaborators. Its
// shape is defined by whichever provisioner or installer consumes it.
// Nested mappings decoded from YAML are themselves Options, not
// map[string]any.
type Options map[string]any

// Clone returns a shallow copy of o. A nil receiver yields an empty,
// non-nil mapping.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	maps.Copy(out, o)
	return out
}

// String returns the value at key rendered as a string, or "" when the key
// is absent or null.
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the integer value at key, or def when the key is absent or
// cannot be interpreted as an integer.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the boolean value at key, or def when absent.
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Strings returns the value at key as a string slice. A scalar becomes a
// single-element slice.
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

// StringMap returns the value at key as a string-keyed string mapping.
func (o Options) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch v := o[key].(type) {
	case map[string]string:
		maps.Copy(out, v)
	case map[string]any:
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
	case Options:
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// merge overlays own onto base key by key. Nested values are replaced, not
// merged.
func merge(base, own Options) Options {
	out := base.Clone()
	maps.Copy(out, own)
	return out
}
