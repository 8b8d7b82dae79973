package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/pflag"
)

var _ pflag.Value = (*enumValue)(nil)

// enumValue is a string flag restricted to a fixed set of values
type enumValue struct {
	value   string
	allowed []string
}

func newEnumValue(def string, allowed ...string) *enumValue {
	return &enumValue{value: def, allowed: allowed}
}

func (e *enumValue) String() string {
	return e.value
}

func (e *enumValue) Set(v string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	if !slices.Contains(e.allowed, v) {
		return fmt.Errorf("must be one of %s", strings.Join(e.allowed, ", "))
	}

	e.value = v

	return nil
}

// Type reports "string" so viper binds the flag like any other string flag
func (e *enumValue) Type() string {
	return "string"
}
