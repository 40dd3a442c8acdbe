package variable

import (
	"fmt"
	"strings"
)

// Template grammar: "${ns:name}" expands to the referenced variable, "$$"
// escapes to a literal "$". A template that is exactly one reference
// ("whole-cell") preserves the structured value of non-scalar variables.

// ExpandString expands every reference in tmpl, rendering each variable as a
// string.
func ExpandString(tmpl string, vars Set) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		c := tmpl[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '$' {
			out.WriteByte('$')
			i += 2
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == '{' {
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated reference in template %q", tmpl)
			}
			key := tmpl[i+2 : i+end]
			v, ok := vars[key]
			if !ok {
				return "", keyError(ErrMissingTemplateKey, key)
			}
			out.WriteString(v.String())
			i += end + 1
			continue
		}
		out.WriteByte('$')
		i++
	}
	return out.String(), nil
}

// ExpandValue is whole-cell aware: when tmpl is exactly "${ns:name}" and the
// referenced variable is non-scalar, the structured value is returned as-is.
// Every other template expands to a string.
func ExpandValue(tmpl string, vars Set) (any, error) {
	if key, ok := wholeCellKey(tmpl); ok {
		v, found := vars[key]
		if !found {
			return nil, keyError(ErrMissingTemplateKey, key)
		}
		if !v.IsScalar() {
			return v.Value(), nil
		}
	}
	return ExpandString(tmpl, vars)
}

// ExpandArgs expands an argument-list template. A whole-cell reference to a
// sequence variable expands element-wise, any other result is
// whitespace-split.
func ExpandArgs(tmpl string, vars Set) ([]string, error) {
	if key, ok := wholeCellKey(tmpl); ok {
		if v, found := vars[key]; found {
			if seq, isSeq := v.Value().([]any); isSeq {
				args := make([]string, 0, len(seq))
				for _, item := range seq {
					args = append(args, Variable{kind: KindYAML, value: item}.String())
				}
				return args, nil
			}
		}
	}
	expanded, err := ExpandString(tmpl, vars)
	if err != nil {
		return nil, err
	}
	return strings.Fields(expanded), nil
}

// wholeCellKey reports whether tmpl consists of a single reference, and
// returns its key.
func wholeCellKey(tmpl string) (string, bool) {
	if !strings.HasPrefix(tmpl, "${") || !strings.HasSuffix(tmpl, "}") {
		return "", false
	}
	inner := tmpl[2 : len(tmpl)-1]
	if strings.ContainsAny(inner, "${}") {
		return "", false
	}
	return inner, true
}
