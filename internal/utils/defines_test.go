package utils

import (
	"testing"

	"github.com/Norgate-AV/kiln/internal/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefine(t *testing.T) {
	tests := []struct {
		input    string
		expected fingerprint.Macro
		wantErr  bool
	}{
		{"DEBUG", fingerprint.Macro{Name: "DEBUG"}, false},
		{"LEVEL=3", fingerprint.Macro{Name: "LEVEL", Value: "3"}, false},
		{"EMPTY=", fingerprint.Macro{Name: "EMPTY"}, false},
		{"EXPR=a=b", fingerprint.Macro{Name: "EXPR", Value: "a=b"}, false},
		{" PAD =1", fingerprint.Macro{Name: "PAD", Value: "1"}, false},
		{"", fingerprint.Macro{}, true},
		{"=1", fingerprint.Macro{}, true},
		{"TWO WORDS=1", fingerprint.Macro{}, true},
	}

	for _, test := range tests {
		result, err := ParseDefine(test.input)
		if test.wantErr {
			assert.Error(t, err, "ParseDefine(%q)", test.input)
			continue
		}

		require.NoError(t, err, "ParseDefine(%q)", test.input)
		assert.Equal(t, test.expected, result, "ParseDefine(%q)", test.input)
	}
}

func TestParseDefines(t *testing.T) {
	macros, err := ParseDefines([]string{"B=2", "A"})
	require.NoError(t, err)
	assert.Equal(t, []fingerprint.Macro{{Name: "B", Value: "2"}, {Name: "A"}}, macros)

	macros, err = ParseDefines(nil)
	require.NoError(t, err)
	assert.Nil(t, macros)

	_, err = ParseDefines([]string{"A", "=x"})
	assert.ErrorContains(t, err, "=x")
}
