package variable

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

// Kind is the declared type of a variable.
type Kind string

const (
	KindString          Kind = "string"
	KindNumber          Kind = "number"
	KindBool            Kind = "bool"
	KindYAML            Kind = "yaml"
	KindMapStringString Kind = "map[string]string"
	KindMapStringYAML   Kind = "map[string]yaml"
)

// Source records which layer supplied a variable's value.
type Source string

const (
	SourceValues    Source = "values"
	SourceDefault   Source = "default"
	SourceAttribute Source = "attribute"
	SourceEnv       Source = "environment"
)

// Definition is a variable declaration inside an agent type document.
type Definition struct {
	Description string              `json:"description,omitempty"`
	Type        Kind                `json:"type"`
	Required    bool                `json:"required,omitempty"`
	Default     any                 `json:"default,omitempty"`
	Variants    *VariantsDefinition `json:"variants,omitempty"`
}

// Variable is a fully resolved value ready for template substitution.
type Variable struct {
	kind   Kind
	value  any
	source Source
}

// NewString returns an attribute-sourced string variable. Used for the
// sub-agent attributes and identity attributes, which need no definition.
func NewString(value string) Variable {
	return Variable{kind: KindString, value: value, source: SourceAttribute}
}

// NewEnv returns an environment-sourced string variable.
func NewEnv(value string) Variable {
	return Variable{kind: KindString, value: value, source: SourceEnv}
}

// Value returns the structured value.
func (v Variable) Value() any { return v.value }

// Kind returns the declared type.
func (v Variable) Kind() Kind { return v.kind }

// Source returns the layer which supplied the value.
func (v Variable) Source() Source { return v.source }

// IsScalar reports whether the variable renders to a plain string inside a
// larger template. Non-scalar variables keep their structure only in
// whole-cell expansion; inside a larger template they render as YAML text.
func (v Variable) IsScalar() bool {
	switch v.kind {
	case KindString, KindNumber, KindBool:
		return true
	}
	return false
}

// String renders the value for in-template substitution.
func (v Variable) String() string {
	switch val := v.value.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		out, err := yaml.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return strings.TrimSuffix(string(out), "\n")
	}
}

// Resolve applies the resolution rules to a definition and an optional
// supplied value. acConfig backs variant indirection by field name.
func (d Definition) Resolve(key string, value any, acConfig map[string]any) (Variable, error) {
	src := SourceValues
	if value == nil {
		if d.Required {
			return Variable{}, keyError(ErrMissingValue, key)
		}
		if d.Default == nil {
			return Variable{}, keyError(ErrMissingDefault, key)
		}
		value = d.Default
		src = SourceDefault
	}
	value = normalizeNumber(value)
	if err := checkKind(d.Type, value); err != nil {
		return Variable{}, fmt.Errorf("%w (%s)", err, key)
	}
	if d.Variants != nil {
		variants, err := d.Variants.Values(acConfig)
		if err != nil {
			return Variable{}, fmt.Errorf("resolving variants for %s: %w", key, err)
		}
		if !variantAllowed(variants, value) {
			return Variable{}, keyError(ErrInvalidVariant, key)
		}
	}
	return Variable{kind: d.Type, value: value, source: src}, nil
}

func normalizeNumber(value any) any {
	switch n := value.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return value
}

func checkKind(kind Kind, value any) error {
	switch kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return ErrTypeMismatch
		}
	case KindNumber:
		if _, ok := value.(float64); !ok {
			return ErrTypeMismatch
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return ErrTypeMismatch
		}
	case KindYAML:
		// any shape is acceptable
	case KindMapStringString:
		m, ok := value.(map[string]any)
		if !ok {
			return ErrTypeMismatch
		}
		for _, v := range m {
			if _, ok := v.(string); !ok {
				return ErrTypeMismatch
			}
		}
	case KindMapStringYAML:
		if _, ok := value.(map[string]any); !ok {
			return ErrTypeMismatch
		}
	default:
		return fmt.Errorf("unknown variable type %q", kind)
	}
	return nil
}

func variantAllowed(variants []any, value any) bool {
	if len(variants) == 0 {
		return true
	}
	for _, v := range variants {
		if normalizeNumber(v) == value {
			return true
		}
	}
	return false
}

// Set is a rendered variable map keyed by "ns:name".
type Set map[string]Variable

// Merge adds other into s. A duplicate key fails loudly, later layers never
// silently override earlier ones.
func (s Set) Merge(other Set) error {
	for k, v := range other {
		if _, ok := s[k]; ok {
			return keyError(ErrConflictingDefinition, k)
		}
		s[k] = v
	}
	return nil
}

// Keys returns the sorted keys, for deterministic error reporting.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
