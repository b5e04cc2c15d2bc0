package workflow

import "strings"

var falsy = map[string]bool{
	"": true, "false": true, "0": true, "no": true,
	"null": true, "nil": true, "undefined": true,
}

// EvaluateCondition evaluates an already substituted expression of the
// form `a == b`, `a != b`, `a contains b`, or a single operand tested for
// truthiness. Operands may be quoted.
func EvaluateCondition(expr string) bool {
	expr = strings.TrimSpace(expr)
	if l, r, ok := strings.Cut(expr, "=="); ok {
		return operand(l) == operand(r)
	}
	if l, r, ok := strings.Cut(expr, "!="); ok {
		return operand(l) != operand(r)
	}
	if l, r, ok := strings.Cut(expr, " contains "); ok {
		return strings.Contains(operand(l), operand(r))
	}
	return !falsy[strings.ToLower(operand(expr))]
}

func operand(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if q := s[0]; (q == '"' || q == '\'') && s[len(s)-1] == q {
			return s[1 : len(s)-1]
		}
	}
	return s
}
