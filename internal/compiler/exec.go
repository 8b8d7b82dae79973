package compiler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Commander interface for testing
type Commander interface {
	Output() ([]byte, error)
}

// CommandBuilder runs an external compiler. The compiler is invoked as
//
//	<path> [extra args] -E <entry> -T <profile> [-D NAME[=VALUE]]... -MF <depfile> <source>
//
// and must write the compiled payload to stdout. If it writes a depfile (one
// path per line) every listed path is resolved as an include, so it becomes a
// dependency of the cached result.
type CommandBuilder struct {
	Path      string
	ExtraArgs []string

	// Logger receives the command line of every run at debug level
	Logger *slog.Logger

	execCommand func(ctx context.Context, name string, args ...string) Commander
}

// NewCommandBuilder creates a new command builder
func NewCommandBuilder(path string, extraArgs []string) *CommandBuilder {
	return &CommandBuilder{
		Path:      path,
		ExtraArgs: extraArgs,
		execCommand: func(ctx context.Context, name string, args ...string) Commander {
			return exec.CommandContext(ctx, name, args...)
		},
	}
}

// BuildCommandArgs builds the command arguments for the compiler
func (cb *CommandBuilder) BuildCommandArgs(unit Unit, sourcePath, depFile string) ([]string, error) {
	if unit.Entry == "" {
		return nil, fmt.Errorf("entry point not specified")
	}

	if unit.Profile == "" {
		return nil, fmt.Errorf("target profile not specified")
	}

	absSource, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for %s: %w", sourcePath, err)
	}

	var cmdArgs []string
	cmdArgs = append(cmdArgs, cb.ExtraArgs...)
	cmdArgs = append(cmdArgs, "-E", unit.Entry, "-T", unit.Profile)

	for _, m := range unit.Macros {
		if m.Name != "" {
			cmdArgs = append(cmdArgs, "-D", m.String())
		}
	}

	if depFile != "" {
		cmdArgs = append(cmdArgs, "-MF", depFile)
	}

	cmdArgs = append(cmdArgs, absSource)

	return cmdArgs, nil
}

// Compile runs the compiler for unit. Inline sources are written to a temporary
// file first.
func (cb *CommandBuilder) Compile(ctx context.Context, unit Unit, resolve IncludeResolver) ([]byte, error) {
	workDir, err := os.MkdirTemp("", "kiln-exec-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	sourcePath := unit.Path
	if sourcePath == "" {
		sourcePath = filepath.Join(workDir, "inline.src")
		if err := os.WriteFile(sourcePath, unit.Source, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write inline source: %w", err)
		}
	}

	depFile := filepath.Join(workDir, "deps.txt")
	cmdArgs, err := cb.BuildCommandArgs(unit, sourcePath, depFile)
	if err != nil {
		return nil, newError(unit, "", err)
	}

	cb.logBuildInfo(unit, cmdArgs)

	out, err := cb.execCommand(ctx, cb.Path, cmdArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, newError(unit, strings.TrimSpace(string(exitErr.Stderr)),
				fmt.Errorf("compiler exited with code %d", exitErr.ExitCode()))
		}

		return nil, newError(unit, "", err)
	}

	if err := cb.recordDepFile(depFile, resolve); err != nil {
		return nil, err
	}

	return out, nil
}

// recordDepFile passes every path listed in depFile to resolve. A missing
// depfile means the compiler reported no includes.
func (cb *CommandBuilder) recordDepFile(depFile string, resolve IncludeResolver) error {
	data, err := os.ReadFile(depFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read depfile: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if _, err := resolve(line); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// logBuildInfo logs the compiler invocation for unit
func (cb *CommandBuilder) logBuildInfo(unit Unit, cmdArgs []string) {
	if cb.Logger == nil {
		return
	}

	cb.Logger.Debug("running compiler",
		"compiler", cb.Path,
		"source", unit.Name,
		"entry", unit.Entry,
		"profile", unit.Profile,
		"command", cb.Path+" "+strings.Join(cmdArgs, " "),
	)
}
