package cli

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"

	"github.com/roach88/rulez/internal/compiler"
)

// ErrCodeSchema marks definitions that do not match the rule schema.
const ErrCodeSchema = "E100"

// RulesError is a rule directory that could not be compiled, classified
// for output.
type RulesError struct {
	Code   string
	Exit   int
	Errors []compiler.ValidationError
	Err    error
}

func (e *RulesError) Error() string {
	return e.Err.Error()
}

func (e *RulesError) Unwrap() error {
	return e.Err
}

// loadRules compiles the rule definitions in dir. A missing or empty
// directory is a command error; definitions that fail to build or
// validate are a failure.
func loadRules(dir string) (*compiler.Compiled, error) {
	compiled, err := compiler.CompileDir(dir)
	if err != nil {
		return nil, classifyRulesError(err)
	}
	return compiled, nil
}

func classifyRulesError(err error) *RulesError {
	var (
		loadErr    *compiler.LoadError
		compileErr *compiler.CompileError
		verrs      compiler.ValidationErrors
	)

	switch {
	case errors.As(err, &verrs):
		return &RulesError{Code: verrs[0].Code, Exit: ExitFailure, Errors: verrs, Err: err}

	case errors.As(err, &loadErr):
		exit := ExitFailure
		switch loadErr.Code {
		case compiler.ErrCodeNotFound, compiler.ErrCodeScanError, compiler.ErrCodeNoFiles:
			exit = ExitCommandError
		}
		return &RulesError{
			Code: loadErr.Code,
			Exit: exit,
			Errors: []compiler.ValidationError{{
				Field:   "rules",
				Message: loadErr.Message,
				Code:    loadErr.Code,
				Line:    posLine(loadErr.Pos),
			}},
			Err: err,
		}

	case errors.As(err, &compileErr):
		return &RulesError{
			Code: ErrCodeSchema,
			Exit: ExitFailure,
			Errors: []compiler.ValidationError{{
				Field:   compileErr.Field,
				Message: compileErr.Message,
				Code:    ErrCodeSchema,
				Line:    posLine(compileErr.Pos),
			}},
			Err: err,
		}

	default:
		return &RulesError{
			Code: compiler.ErrCodeGeneric,
			Exit: ExitFailure,
			Errors: []compiler.ValidationError{{
				Field:   "rules",
				Message: err.Error(),
				Code:    compiler.ErrCodeGeneric,
			}},
			Err: err,
		}
	}
}

// posLine extracts the line number from a CUE position, 0 if unknown.
func posLine(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}

// reportRulesError writes a RulesError and returns the ExitError for it.
func reportRulesError(f *OutputFormatter, err error) error {
	var re *RulesError
	if !errors.As(err, &re) {
		_ = f.Error(compiler.ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "loading rules failed", err)
	}

	if f.JSON() {
		if err := f.Failure(ValidationResult{Valid: false, Errors: re.Errors}, re.Code, re.Errors[0].Message); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(f.Writer, "✗ Rules invalid")
		fmt.Fprintln(f.Writer)
		for _, e := range re.Errors {
			if e.Line > 0 {
				fmt.Fprintf(f.Writer, "line %d\n", e.Line)
			}
			fmt.Fprintf(f.Writer, "  %s: %s: %s\n\n", e.Code, e.Field, e.Message)
		}
	}

	return WrapExitError(re.Exit, fmt.Sprintf("rules invalid with %d error(s)", len(re.Errors)), re.Err)
}
