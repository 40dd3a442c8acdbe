package variable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

func TestDefinitionResolve(t *testing.T) {
	tests := []struct {
		name     string
		def      Definition
		value    any
		acConfig map[string]any
		want     any
		wantSrc  Source
		wantErr  error
	}{
		{
			name:    "string value",
			def:     Definition{Type: KindString, Required: true},
			value:   "license-123",
			want:    "license-123",
			wantSrc: SourceValues,
		},
		{
			name:    "required missing",
			def:     Definition{Type: KindString, Required: true},
			wantErr: ErrMissingValue,
		},
		{
			name:    "optional uses default",
			def:     Definition{Type: KindNumber, Default: 8080},
			want:    float64(8080),
			wantSrc: SourceDefault,
		},
		{
			name:    "optional without default",
			def:     Definition{Type: KindString},
			wantErr: ErrMissingDefault,
		},
		{
			name:    "type mismatch",
			def:     Definition{Type: KindBool, Required: true},
			value:   "yes",
			wantErr: ErrTypeMismatch,
		},
		{
			name:    "number accepts int input",
			def:     Definition{Type: KindNumber, Required: true},
			value:   42,
			want:    float64(42),
			wantSrc: SourceValues,
		},
		{
			name:    "yaml accepts anything",
			def:     Definition{Type: KindYAML, Required: true},
			value:   map[string]any{"a": []any{"b"}},
			want:    map[string]any{"a": []any{"b"}},
			wantSrc: SourceValues,
		},
		{
			name:    "map string string rejects nested values",
			def:     Definition{Type: KindMapStringString, Required: true},
			value:   map[string]any{"a": map[string]any{}},
			wantErr: ErrTypeMismatch,
		},
		{
			name: "variant accepted",
			def: Definition{
				Type:     KindString,
				Required: true,
				Variants: &VariantsDefinition{inline: []any{"otlp", "infra"}},
			},
			value:   "otlp",
			want:    "otlp",
			wantSrc: SourceValues,
		},
		{
			name: "variant rejected",
			def: Definition{
				Type:     KindString,
				Required: true,
				Variants: &VariantsDefinition{inline: []any{"otlp", "infra"}},
			},
			value:   "apm",
			wantErr: ErrInvalidVariant,
		},
		{
			name: "variant from ac config field",
			def: Definition{
				Type:     KindString,
				Required: true,
				Variants: &VariantsDefinition{acConfigField: "deployments", defaults: []any{"otlp"}},
			},
			value:    "infra",
			acConfig: map[string]any{"deployments": []any{"infra"}},
			want:     "infra",
			wantSrc:  SourceValues,
		},
		{
			name: "variant falls back to defaults when field absent",
			def: Definition{
				Type:     KindString,
				Required: true,
				Variants: &VariantsDefinition{acConfigField: "deployments", defaults: []any{"otlp"}},
			},
			value:   "infra",
			wantErr: ErrInvalidVariant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.def.Resolve("var:test", tt.value, tt.acConfig)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Value())
			assert.Equal(t, tt.wantSrc, got.Source())
		})
	}
}

func TestVariantsDefinitionUnmarshal(t *testing.T) {
	var inline VariantsDefinition
	require.NoError(t, yaml.Unmarshal([]byte(`["a", "b"]`), &inline))
	values, err := inline.Values(nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, values)

	var indirect VariantsDefinition
	require.NoError(t, yaml.Unmarshal([]byte("ac_config_field: field\ndefault: [x]\n"), &indirect))
	values, err = indirect.Values(map[string]any{"field": []any{"y"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"y"}, values)

	var invalid VariantsDefinition
	assert.Error(t, yaml.Unmarshal([]byte(`default: [x]`), &invalid))
}

func TestSetMergeConflicts(t *testing.T) {
	s := Set{"var:a": NewString("1")}
	err := s.Merge(Set{"var:a": NewString("2")})
	assert.ErrorIs(t, err, ErrConflictingDefinition)

	require.NoError(t, s.Merge(Set{"var:b": NewString("2")}))
	assert.Equal(t, []string{"var:a", "var:b"}, s.Keys())
}

func TestVariableString(t *testing.T) {
	assert.Equal(t, "8080", Variable{kind: KindNumber, value: float64(8080)}.String())
	assert.Equal(t, "1.5", Variable{kind: KindNumber, value: 1.5}.String())
	assert.Equal(t, "true", Variable{kind: KindBool, value: true}.String())
	assert.Equal(t, "plain", NewString("plain").String())
	assert.Equal(t, "a: 1", Variable{kind: KindYAML, value: map[string]any{"a": float64(1)}}.String())
}
