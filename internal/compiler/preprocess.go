package compiler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	// DefaultMaxIncludeDepth bounds nested includes
	DefaultMaxIncludeDepth = 32

	// maxExpansionDepth bounds macro-in-macro expansion
	maxExpansionDepth = 16
)

// ErrPreprocess is the cause of every preprocessor diagnostic
var ErrPreprocess = errors.New("preprocessing failed")

// Preprocessor is the built-in toolchain. It expands #include, #define, #undef,
// #ifdef, #ifndef, #else, #endif, #error and #pragma once, substitutes macros on
// whole identifiers, and emits the flattened source as the payload. The entry
// point must appear in the result.
type Preprocessor struct {
	MaxIncludeDepth int
}

// NewPreprocessor creates a preprocessor with the default include depth
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{MaxIncludeDepth: DefaultMaxIncludeDepth}
}

func (p *Preprocessor) Compile(ctx context.Context, unit Unit, resolve IncludeResolver) ([]byte, error) {
	st := &ppState{
		ctx:      ctx,
		unit:     unit,
		resolve:  resolve,
		maxDepth: p.MaxIncludeDepth,
		defines:  make(map[string]string, len(unit.Macros)),
		once:     make(map[string]bool),
	}

	if st.maxDepth <= 0 {
		st.maxDepth = DefaultMaxIncludeDepth
	}

	for _, m := range unit.Macros {
		st.defines[m.Name] = m.Value
	}

	if !isIdent(unit.Entry) {
		return nil, newError(unit, fmt.Sprintf("%s: invalid entry point %q", unit.Name, unit.Entry), ErrPreprocess)
	}

	fmt.Fprintf(&st.out, "// kiln profile=%s entry=%s\n", unit.Profile, unit.Entry)
	header := st.out.Len()

	if err := st.process(unit.Name, unit.Source); err != nil {
		return nil, err
	}

	if !containsIdent(st.out.String()[header:], unit.Entry) {
		return nil, newError(unit, fmt.Sprintf("%s: entry point %q not found", unit.Name, unit.Entry), ErrPreprocess)
	}

	return st.out.Bytes(), nil
}

type condFrame struct {
	active   bool // lines in this branch are emitted
	parent   bool // enclosing branch was active
	seenElse bool
}

type ppState struct {
	ctx      context.Context
	unit     Unit
	resolve  IncludeResolver
	maxDepth int
	defines  map[string]string
	once     map[string]bool
	stack    []string
	out      bytes.Buffer
}

func (st *ppState) fail(file string, line int, format string, args ...any) error {
	log := fmt.Sprintf("%s:%d: %s", file, line, fmt.Sprintf(format, args...))
	return newError(st.unit, log, ErrPreprocess)
}

func (st *ppState) process(file string, src []byte) error {
	if err := st.ctx.Err(); err != nil {
		return err
	}

	if st.once[file] {
		return nil
	}

	if slices.Contains(st.stack, file) {
		return st.fail(file, 0, "include cycle: %s -> %s", strings.Join(st.stack, " -> "), file)
	}

	if len(st.stack) >= st.maxDepth {
		return st.fail(file, 0, "include depth exceeds %d", st.maxDepth)
	}

	st.stack = append(st.stack, file)
	defer func() { st.stack = st.stack[:len(st.stack)-1] }()

	var conds []condFrame
	active := func() bool {
		return len(conds) == 0 || conds[len(conds)-1].active
	}

	scanner := bufio.NewScanner(bytes.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !strings.HasPrefix(trimmed, "#") {
			if active() {
				st.out.WriteString(st.expand(line, 0, nil))
				st.out.WriteByte('\n')
			}
			continue
		}

		directive, rest, _ := strings.Cut(strings.TrimSpace(trimmed[1:]), " ")
		rest = strings.TrimSpace(rest)

		switch directive {
		case "ifdef", "ifndef":
			if rest == "" {
				return st.fail(file, lineNo, "#%s without a name", directive)
			}

			_, defined := st.defines[rest]
			cond := defined == (directive == "ifdef")
			parent := active()
			conds = append(conds, condFrame{active: parent && cond, parent: parent})

		case "else":
			if len(conds) == 0 {
				return st.fail(file, lineNo, "#else without #ifdef")
			}

			top := &conds[len(conds)-1]
			if top.seenElse {
				return st.fail(file, lineNo, "duplicate #else")
			}

			top.seenElse = true
			top.active = top.parent && !top.active

		case "endif":
			if len(conds) == 0 {
				return st.fail(file, lineNo, "#endif without #ifdef")
			}

			conds = conds[:len(conds)-1]

		default:
			if !active() {
				continue
			}

			if err := st.directive(file, lineNo, directive, rest); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return st.fail(file, lineNo, "%v", err)
	}

	if len(conds) != 0 {
		return st.fail(file, lineNo, "unterminated conditional")
	}

	return nil
}

func (st *ppState) directive(file string, lineNo int, directive, rest string) error {
	switch directive {
	case "include":
		target, ok := includeTarget(rest)
		if !ok {
			return st.fail(file, lineNo, "malformed #include %s", rest)
		}

		data, err := st.resolve(target)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", file, lineNo, err)
		}

		return st.process(target, data)

	case "define":
		name, value, _ := strings.Cut(rest, " ")
		if !isIdent(name) {
			return st.fail(file, lineNo, "invalid macro name %q", name)
		}

		st.defines[name] = strings.TrimSpace(value)

	case "undef":
		delete(st.defines, rest)

	case "error":
		return st.fail(file, lineNo, "#error %s", rest)

	case "pragma":
		if rest == "once" {
			st.once[file] = true
		}

	default:
		return st.fail(file, lineNo, "unknown directive #%s", directive)
	}

	return nil
}

// expand substitutes defined macros on whole identifiers. A macro is never
// expanded inside its own expansion.
func (st *ppState) expand(line string, depth int, expanding []string) string {
	if depth > maxExpansionDepth || len(st.defines) == 0 {
		return line
	}

	var b strings.Builder
	for i := 0; i < len(line); {
		if !isIdentStart(line[i]) {
			b.WriteByte(line[i])
			i++
			continue
		}

		j := i + 1
		for j < len(line) && isIdentPart(line[j]) {
			j++
		}

		word := line[i:j]
		if value, ok := st.defines[word]; ok && !slices.Contains(expanding, word) {
			b.WriteString(st.expand(value, depth+1, append(expanding, word)))
		} else {
			b.WriteString(word)
		}

		i = j
	}

	return b.String()
}

func includeTarget(rest string) (string, bool) {
	if len(rest) < 3 {
		return "", false
	}

	first, last := rest[0], rest[len(rest)-1]
	if (first == '"' && last == '"') || (first == '<' && last == '>') {
		return rest[1 : len(rest)-1], true
	}

	return "", false
}

func containsIdent(text, ident string) bool {
	if ident == "" {
		return false
	}

	for i := 0; ; {
		k := strings.Index(text[i:], ident)
		if k < 0 {
			return false
		}

		start, end := i+k, i+k+len(ident)
		if (start == 0 || !isIdentPart(text[start-1])) && (end == len(text) || !isIdentPart(text[end])) {
			return true
		}

		i = start + 1
	}
}

func isIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}

	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}

	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
