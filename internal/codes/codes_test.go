package codes

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Norgate-AV/kiln/internal/cache"
	"github.com/Norgate-AV/kiln/internal/compiler"
	"github.com/Norgate-AV/kiln/internal/deps"
	"github.com/stretchr/testify/assert"
)

func TestIsSuccess(t *testing.T) {
	assert.True(t, IsSuccess(Success))
	assert.False(t, IsSuccess(GeneralFailure))
	assert.False(t, IsSuccess(CompileErrors))
}

func TestGetErrorMessage(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{Success, "Success"},
		{CompileErrors, "Compile errors"},
		{DependencyNotFound, "Source or dependency not found"},
		{999, "Unknown error"},
		{-1, "Unknown error"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, GetErrorMessage(test.code), "GetErrorMessage(%d)", test.code)
	}
}

func TestFromError(t *testing.T) {
	compileErr := &compiler.Error{Name: "a.src", Entry: "main", Profile: "v1", Err: errors.New("syntax")}

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, Success},
		{"plain", errors.New("boom"), GeneralFailure},
		{"compile error", compileErr, CompileErrors},
		{"wrapped compile error", fmt.Errorf("build: %w", compileErr), CompileErrors},
		{"missing dependency", fmt.Errorf("source x: %w", deps.ErrNotFound), DependencyNotFound},
		{
			"missing include inside compile error",
			&compiler.Error{Name: "a.src", Err: fmt.Errorf("a.src:3: %w", deps.ErrNotFound)},
			DependencyNotFound,
		},
		{"corrupt cache", fmt.Errorf("load: %w", cache.ErrCorrupt), CacheError},
		{"version mismatch", cache.ErrVersionMismatch, CacheError},
		{"cancelled", fmt.Errorf("compile: %w", context.Canceled), Cancelled},
		{"deadline", context.DeadlineExceeded, Cancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FromError(tt.err))
		})
	}
}
