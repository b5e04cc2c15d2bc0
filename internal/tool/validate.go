package tool

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks args against def and returns a copy with defaults
// filled in. Every violated constraint is reported, in parameter order.
func Validate(def Definition, args map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(args)+len(def.Params))
	for k, v := range args {
		out[k] = v
	}

	var problems []string
	for _, p := range def.Params {
		v, present := out[p.Name]
		if !present || v == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
				continue
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		if !matchesType(p.Type, v) {
			problems = append(problems, fmt.Sprintf("parameter %q must be of type %s, got %T", p.Name, p.Type, v))
			continue
		}
		if len(p.Enum) > 0 && !inEnum(p.Enum, v) {
			problems = append(problems, fmt.Sprintf("parameter %q must be one of [%s], got %v",
				p.Name, strings.Join(p.Enum, ", "), v))
		}
	}
	return out, problems
}

func matchesType(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64, json.Number:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		switch v.(type) {
		case []any, []string, []int, []float64, []map[string]any:
			return true
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	// undeclared types are not checked
	return true
}

func inEnum(enum []string, v any) bool {
	s := fmt.Sprint(v)
	for _, e := range enum {
		if e == s {
			return true
		}
	}
	return false
}

// StringArg returns args[name] as a string, or "" when absent.
func StringArg(args map[string]any, name string) string {
	switch v := args[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
