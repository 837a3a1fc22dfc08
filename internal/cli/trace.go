package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rulez/internal/rules"
	"github.com/roach88/rulez/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Engine   string // optional - filter to one engine
	Rule     string // optional - filter to one rule
	AfterSeq int64
	Limit    int
	Rules    string // optional - rule directory for fact names
}

// TraceEntry is one logged firing.
type TraceEntry struct {
	Seq    int64  `json:"seq"`
	Engine string `json:"engine"`
	Step   int    `json:"step"`
	Rule   string `json:"rule"`
	Before string `json:"before"`
	After  string `json:"after"`

	// Set and Cleared name the facts the firing changed, when --rules is
	// given.
	Set     []string `json:"set,omitempty"`
	Cleared []string `json:"cleared,omitempty"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Firings int            `json:"firings"`
	Engines int            `json:"engines"`
	ByRule  map[string]int `json:"by_rule"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Firings []TraceEntry `json:"firings"`
	Stats   TraceStats   `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the firing log",
		Long: `Show logged rule firings in seq order.

Each entry records the rule, its step within the pass and the fact state
before and after it fired. With --rules the changed facts are named.

Examples:
  rulez trace --db ./rulez.db
  rulez trace --db ./rulez.db --rule start-sync --limit 10
  rulez trace --db ./rulez.db --rules ./rules --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Engine, "engine", "", "filter to one engine id")
	cmd.Flags().StringVar(&opts.Rule, "rule", "", "filter to one rule")
	cmd.Flags().Int64Var(&opts.AfterSeq, "after", 0, "only firings with a greater seq")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum firings to show (0 = all)")
	cmd.Flags().StringVar(&opts.Rules, "rules", "", "rule directory used to name changed facts")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	var rb *rules.RuleBase
	if opts.Rules != "" {
		compiled, err := loadRules(opts.Rules)
		if err != nil {
			return reportRulesError(f, err)
		}
		rb = compiled.RuleBase
	}

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.ReadFirings(context.Background(), store.TraceFilter{
		EngineID: opts.Engine,
		Rule:     opts.Rule,
		AfterSeq: opts.AfterSeq,
		Limit:    opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read firing log", err)
	}

	result := buildTrace(rows, rb)

	if f.JSON() {
		return f.Success(result)
	}
	return outputTraceText(f, result)
}

func buildTrace(rows []store.FiringRow, rb *rules.RuleBase) TraceResult {
	result := TraceResult{
		Firings: make([]TraceEntry, 0, len(rows)),
		Stats:   TraceStats{ByRule: map[string]int{}},
	}
	engines := map[string]bool{}

	for _, r := range rows {
		entry := TraceEntry{
			Seq:    r.Seq,
			Engine: r.EngineID,
			Step:   r.Step,
			Rule:   r.RuleName,
			Before: r.Before.String(),
			After:  r.After.String(),
		}
		if rb != nil {
			changed := r.Before.Diff(r.After)
			for _, fact := range rb.Facts() {
				if !changed.Has(fact.ID) {
					continue
				}
				if r.After.Get(fact.ID) {
					entry.Set = append(entry.Set, fact.Name)
				} else {
					entry.Cleared = append(entry.Cleared, fact.Name)
				}
			}
		}
		result.Firings = append(result.Firings, entry)
		result.Stats.ByRule[r.RuleName]++
		engines[r.EngineID] = true
	}

	result.Stats.Firings = len(rows)
	result.Stats.Engines = len(engines)
	return result
}

func outputTraceText(f *OutputFormatter, result TraceResult) error {
	w := f.Writer
	if len(result.Firings) == 0 {
		fmt.Fprintln(w, "No firings logged.")
		return nil
	}

	for _, e := range result.Firings {
		fmt.Fprintf(w, "#%-5d %-20s step %-3d %s → %s", e.Seq, e.Rule, e.Step, e.Before, e.After)
		var changes []string
		for _, n := range e.Set {
			changes = append(changes, "+"+n)
		}
		for _, n := range e.Cleared {
			changes = append(changes, "-"+n)
		}
		if len(changes) > 0 {
			fmt.Fprintf(w, "  [%s]", strings.Join(changes, " "))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d firing(s) from %d engine(s)\n", result.Stats.Firings, result.Stats.Engines)
	for _, name := range slices.Sorted(maps.Keys(result.Stats.ByRule)) {
		fmt.Fprintf(w, "  %-20s %d\n", name, result.Stats.ByRule[name])
	}
	return nil
}
