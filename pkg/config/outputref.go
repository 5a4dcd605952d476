package config

import (
	"fmt"
	"strings"
)

// OutputRef is a parsed "<step_name>.<property>" reference into a
// producer step's structured output. References are parsed once at
// config load; malformed references never reach execution.
type OutputRef struct {
	StepName string
	Property string
}

// ParseOutputRef parses a for_each reference string.
func ParseOutputRef(ref string) (OutputRef, error) {
	parts := strings.Split(ref, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return OutputRef{}, fmt.Errorf("%w: for_each reference %q must be \"<step_name>.<property>\"", ErrInvalidReference, ref)
	}
	return OutputRef{StepName: parts[0], Property: parts[1]}, nil
}

// String returns the reference in its source form.
func (r OutputRef) String() string {
	return r.StepName + "." + r.Property
}
