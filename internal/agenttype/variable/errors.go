package variable

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeMismatch is returned when a supplied value does not satisfy
	// the declared variable type.
	ErrTypeMismatch = errors.New("value does not match the declared type")
	// ErrMissingValue is returned when a required variable has no value.
	ErrMissingValue = errors.New("missing value for required variable")
	// ErrMissingDefault is returned when an optional variable has neither
	// a value nor a default.
	ErrMissingDefault = errors.New("missing value and default")
	// ErrInvalidVariant is returned when a value is outside the closed set
	// of permitted variants.
	ErrInvalidVariant = errors.New("value is not a supported variant")
	// ErrConflictingDefinition is returned when two definitions resolve to
	// the same namespaced key.
	ErrConflictingDefinition = errors.New("conflicting variable definition")
	// ErrMissingTemplateKey is returned when a template references an
	// unknown variable.
	ErrMissingTemplateKey = errors.New("template references an unknown variable")
)

func keyError(sentinel error, key string) error {
	return fmt.Errorf("%w: %q", sentinel, key)
}
