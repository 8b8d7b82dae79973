// Package compiler defines the toolchain the build scheduler drives and ships
// two implementations: a built-in preprocessor and an external command.
package compiler

import (
	"context"
	"fmt"

	"github.com/Norgate-AV/kiln/internal/fingerprint"
)

// Unit is one compile request as the toolchain sees it
type Unit struct {
	// Name identifies the source in diagnostics (a path, or "<inline>")
	Name string

	// Path is the resolved source file, empty for inline code
	Path string

	// Source is the root source text
	Source []byte

	// Entry is the entry point to compile
	Entry string

	// Profile is the target profile
	Profile string

	// Macros are passed in the given order
	Macros []fingerprint.Macro
}

// IncludeResolver returns the contents of an included file. Every call must be
// recorded as a dependency of the compile by the implementation passed in.
type IncludeResolver func(path string) ([]byte, error)

// Toolchain turns a Unit into a binary payload. Implementations must be
// deterministic for identical inputs and safe for concurrent use.
type Toolchain interface {
	Compile(ctx context.Context, unit Unit, resolve IncludeResolver) ([]byte, error)
}

// ToolchainFunc adapts a function to Toolchain
type ToolchainFunc func(ctx context.Context, unit Unit, resolve IncludeResolver) ([]byte, error)

func (f ToolchainFunc) Compile(ctx context.Context, unit Unit, resolve IncludeResolver) ([]byte, error) {
	return f(ctx, unit, resolve)
}

// Error is a failed compile. Log carries the toolchain's diagnostics.
type Error struct {
	Name    string
	Entry   string
	Profile string
	Log     string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("compile %s (%s/%s) failed", e.Name, e.Entry, e.Profile)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	if e.Log != "" {
		msg += "\n" + e.Log
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(unit Unit, log string, err error) *Error {
	return &Error{
		Name:    unit.Name,
		Entry:   unit.Entry,
		Profile: unit.Profile,
		Log:     log,
		Err:     err,
	}
}
