package variable

import (
	"encoding/json"
	"fmt"
)

// VariantsDefinition restricts a variable to a closed set of values. It is
// written either as an inline list:
//
//	variants: ["otlp", "infra"]
//
// or as an indirection through a top-level Agent Control configuration
// field, with a default set used when the field is absent:
//
//	variants:
//	  ac_config_field: supported_deployments
//	  default: ["otlp"]
type VariantsDefinition struct {
	inline        []any
	acConfigField string
	defaults      []any
}

type variantsConfig struct {
	ACConfigField string `json:"ac_config_field"`
	Default       []any  `json:"default"`
}

// UnmarshalJSON accepts both shapes. sigs.k8s.io/yaml routes YAML through
// JSON, so this covers the on-disk documents too.
func (v *VariantsDefinition) UnmarshalJSON(data []byte) error {
	var inline []any
	if err := json.Unmarshal(data, &inline); err == nil {
		v.inline = inline
		return nil
	}
	var cfg variantsConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("variants must be a list or an ac_config_field reference: %w", err)
	}
	if cfg.ACConfigField == "" {
		return fmt.Errorf("variants reference is missing ac_config_field")
	}
	v.acConfigField = cfg.ACConfigField
	v.defaults = cfg.Default
	return nil
}

// MarshalJSON round-trips both shapes.
func (v VariantsDefinition) MarshalJSON() ([]byte, error) {
	if v.acConfigField != "" {
		return json.Marshal(variantsConfig{ACConfigField: v.acConfigField, Default: v.defaults})
	}
	return json.Marshal(v.inline)
}

// Values resolves the effective variant list against the Agent Control
// configuration document.
func (v *VariantsDefinition) Values(acConfig map[string]any) ([]any, error) {
	if v.acConfigField == "" {
		return v.inline, nil
	}
	raw, ok := acConfig[v.acConfigField]
	if !ok {
		return v.defaults, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("ac config field %q is not a list", v.acConfigField)
	}
	return list, nil
}
