package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rulez/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Facts    int                        `json:"facts,omitempty"`
	Rules    int                        `json:"rules,omitempty"`
	Hash     string                     `json:"hash,omitempty"`
	Warnings []compiler.CycleWarning    `json:"warnings,omitempty"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Validate rule definitions",
		Long: `Validate the CUE rule definitions in a directory.

Checks the definitions against the rule schema, reports every semantic
problem (unknown facts, overlapping conditions, too many rules...) and
warns about rules that can keep re-enabling each other.

Exit codes:
  0 - Definitions valid (cycle warnings do not fail validation)
  1 - Definitions invalid
  2 - Command error (missing directory, no CUE files)

Examples:
  rulez validate ./rules
  rulez validate ./rules --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	f.VerboseLog("validating %s", dir)

	compiled, err := loadRules(dir)
	if err != nil {
		return reportRulesError(f, err)
	}

	rb := compiled.RuleBase
	result := ValidationResult{
		Valid:    true,
		Facts:    rb.FactCount(),
		Rules:    rb.RuleCount(),
		Hash:     rb.Hash(),
		Warnings: compiled.Warnings,
	}

	if f.JSON() {
		return f.Success(result)
	}

	fmt.Fprintf(f.Writer, "✓ Rules valid (%d facts, %d rules)\n", result.Facts, result.Rules)
	for _, w := range result.Warnings {
		fmt.Fprintf(f.Writer, "  %s: %s\n", w.Level, w.Message)
	}
	f.VerboseLog("files: %v", compiled.Files)
	f.VerboseLog("hash: %s", result.Hash)
	return nil
}
