package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidVariables is returned when inputs do not satisfy a
// template's variable schema.
var ErrInvalidVariables = errors.New("invalid workflow variables")

var placeholder = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// Substitute replaces {{name}} placeholders in v from scope, walking
// nested maps and slices. A string made of a single placeholder takes the
// scope value as is; unknown names stay verbatim.
func Substitute(v any, scope map[string]any) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Substitute(e, scope)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Substitute(e, scope)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = SubstituteString(e, scope)
		}
		return out
	}
	return v
}

// SubstituteString is Substitute for text: every value is formatted.
func SubstituteString(s string, scope map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := scope[name]; ok {
			return fmt.Sprint(v)
		}
		return m
	})
}

func substituteString(s string, scope map[string]any) any {
	if loc := placeholder.FindStringSubmatchIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		if v, ok := scope[s[loc[2]:loc[3]]]; ok {
			return v
		}
		return s
	}
	return SubstituteString(s, scope)
}

// ResolveVariables checks inputs against t's variables and returns the
// resolved set with defaults applied. Inputs the template does not
// declare are passed through.
func ResolveVariables(t Template, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs)+len(t.Variables))
	for k, v := range inputs {
		out[k] = v
	}

	var problems []string
	for _, v := range t.Variables {
		val, ok := out[v.Name]
		if !ok || val == nil {
			if v.Default != nil {
				out[v.Name] = v.Default
				continue
			}
			if v.Required {
				problems = append(problems, fmt.Sprintf("missing required variable %q", v.Name))
			}
			continue
		}
		if !matchesType(v.Type, val) {
			problems = append(problems, fmt.Sprintf("variable %q must be of type %s, got %T", v.Name, v.Type, val))
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVariables, strings.Join(problems, "; "))
	}
	return out, nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		switch v.(type) {
		case int, int32, int64, float32, float64, uint, uint32, uint64:
			return true
		}
		return false
	case "boolean", "bool":
		_, ok := v.(bool)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}
