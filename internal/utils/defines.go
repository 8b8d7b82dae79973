package utils

import (
	"fmt"
	"strings"

	"github.com/Norgate-AV/kiln/internal/fingerprint"
)

// ParseDefine parses a NAME[=VALUE] macro definition
func ParseDefine(d string) (fingerprint.Macro, error) {
	name, value, _ := strings.Cut(d, "=")
	name = strings.TrimSpace(name)

	if name == "" {
		return fingerprint.Macro{}, fmt.Errorf("invalid define %q: missing name", d)
	}

	if strings.ContainsAny(name, " \t") {
		return fingerprint.Macro{}, fmt.Errorf("invalid define %q: name contains whitespace", d)
	}

	return fingerprint.Macro{Name: name, Value: value}, nil
}

// ParseDefines parses a list of definitions, keeping their order
func ParseDefines(defs []string) ([]fingerprint.Macro, error) {
	if len(defs) == 0 {
		return nil, nil
	}

	macros := make([]fingerprint.Macro, 0, len(defs))

	for _, d := range defs {
		m, err := ParseDefine(d)
		if err != nil {
			return nil, err
		}

		macros = append(macros, m)
	}

	return macros, nil
}
