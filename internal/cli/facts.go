package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rulez/internal/store"
)

// FactsOptions holds flags for the facts command.
type FactsOptions struct {
	*RootOptions
	Database string
	Prefix   string
}

// StoredFact is one persisted fact.
type StoredFact struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// FactsResult lists persisted facts.
type FactsResult struct {
	Facts []StoredFact `json:"facts"`
}

// NewFactsCommand creates the facts command.
func NewFactsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FactsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List persisted facts",
		Long: `List the persistent fact values stored in a database.

Only facts declared with persistence "disk" are stored, and only after an
engine has written them.

Examples:
  rulez facts --db ./rulez.db
  rulez facts --db ./rulez.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFacts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", StorePrefix, "key prefix of fact entries")

	return cmd
}

// openExisting opens a database that must already exist; read-only
// commands never create one.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runFacts(opts *FactsOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.ReadFacts(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read facts", err)
	}

	result := FactsResult{Facts: []StoredFact{}}
	for _, r := range rows {
		if !strings.HasPrefix(r.Key, opts.Prefix) {
			continue
		}
		result.Facts = append(result.Facts, StoredFact{
			Key:   strings.TrimPrefix(r.Key, opts.Prefix),
			Value: r.Value,
		})
	}

	if f.JSON() {
		return f.Success(result)
	}

	if len(result.Facts) == 0 {
		fmt.Fprintln(f.Writer, "No persisted facts.")
		return nil
	}
	width := 0
	for _, sf := range result.Facts {
		width = max(width, len(sf.Key))
	}
	for _, sf := range result.Facts {
		fmt.Fprintf(f.Writer, "%-*s  %t\n", width, sf.Key, sf.Value)
	}
	return nil
}
