package codes

import (
	"context"
	"errors"

	"github.com/Norgate-AV/kiln/internal/cache"
	"github.com/Norgate-AV/kiln/internal/compiler"
	"github.com/Norgate-AV/kiln/internal/deps"
)

// Exit codes returned by the kiln command
const (
	Success            = 0
	GeneralFailure     = 1
	InvalidUsage       = 2
	CompileErrors      = 3
	DependencyNotFound = 4
	CacheError         = 5
	Cancelled          = 6
)

// ErrorCodes maps kiln exit codes to their descriptions
var ErrorCodes = map[int]string{
	Success:            "Success",
	GeneralFailure:     "General failure",
	InvalidUsage:       "Invalid usage or configuration",
	CompileErrors:      "Compile errors",
	DependencyNotFound: "Source or dependency not found",
	CacheError:         "Cache could not be read or written",
	Cancelled:          "Build cancelled",
}

// IsSuccess returns true if the exit code indicates a successful build
func IsSuccess(code int) bool {
	return code == Success
}

// GetErrorMessage returns the error message for a given exit code, or a generic message if unknown
func GetErrorMessage(code int) string {
	if msg, ok := ErrorCodes[code]; ok {
		return msg
	}

	return "Unknown error"
}

// FromError maps an error to the exit code that best describes it
func FromError(err error) int {
	var compileErr *compiler.Error

	switch {
	case err == nil:
		return Success
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	case errors.Is(err, deps.ErrNotFound):
		return DependencyNotFound
	case errors.As(err, &compileErr):
		return CompileErrors
	case errors.Is(err, cache.ErrCorrupt), errors.Is(err, cache.ErrVersionMismatch):
		return CacheError
	default:
		return GeneralFailure
	}
}
