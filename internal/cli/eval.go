package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/rulez/internal/engine"
	"github.com/roach88/rulez/internal/lifecycle"
	"github.com/roach88/rulez/internal/looper"
	"github.com/roach88/rulez/internal/metrics"
	"github.com/roach88/rulez/internal/persist"
	"github.com/roach88/rulez/internal/rules"
	"github.com/roach88/rulez/internal/store"
	"github.com/roach88/rulez/internal/store/badgerkv"
)

// StorePrefix namespaces persistent fact keys in the store.
const StorePrefix = "rulez."

// EvalOptions holds flags for the eval command.
type EvalOptions struct {
	*RootOptions
	Database    string
	Badger      string
	YAML        string
	Set         []string
	Clear       []string
	Watch       bool
	MetricsAddr string
	MaxSteps    int

	// IDGenerator overrides the engine id source (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator engine.IDGenerator
}

// FiredRule is one firing in eval output.
type FiredRule struct {
	Seq   int64    `json:"seq"`
	Rule  string   `json:"rule"`
	Facts []string `json:"facts"`
}

// EvalResult is the outcome of an eval run.
type EvalResult struct {
	Engine string          `json:"engine"`
	Fired  []FiredRule     `json:"fired"`
	Facts  map[string]bool `json:"facts"`
	True   []string        `json:"true"`
}

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "eval <rules-dir>",
		Short: "Evaluate a rule base",
		Long: `Create an engine for a rule base, apply fact changes and evaluate.

Persistent facts and the engine's saved state are restored from the store
before the first pass and written back afterwards, so successive runs
continue where the last one stopped. Every firing is appended to the
firing log in --db.

With --watch the engine keeps running: changes other processes make to the
database are folded into the engine, and --metrics-addr serves Prometheus
metrics. Stop with Ctrl-C.

Exit codes:
  0 - Evaluation completed
  1 - Invalid rules or a pass was stopped as non-terminating
  2 - Command error (unknown fact, store not available)

Examples:
  rulez eval ./rules --db ./rulez.db --set online --set authed
  rulez eval ./rules --db ./rulez.db --clear online --format json
  rulez eval ./rules --yaml ./state --set online
  rulez eval ./rules --db ./rulez.db --watch --metrics-addr :9090`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: in-memory)")
	cmd.Flags().StringVar(&opts.Badger, "badger", "", "keep facts and saved state in a BadgerDB directory instead of --db")
	cmd.Flags().StringVar(&opts.YAML, "yaml", "", "keep facts and saved state as YAML files in a directory instead of --db")
	cmd.Flags().StringSliceVar(&opts.Set, "set", nil, "facts to make true before evaluating")
	cmd.Flags().StringSliceVar(&opts.Clear, "clear", nil, "facts to make false before evaluating")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "keep running and follow database changes")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (requires --watch)")
	cmd.Flags().IntVar(&opts.MaxSteps, "max-steps", engine.DefaultMaxSteps, "maximum firings per pass (0 = unbounded)")

	return cmd
}

// stores is where an eval run keeps its state.
type stores struct {
	sqlite  *store.Store
	badger  *badgerkv.Store
	facts   persist.Store
	bundles persist.BundleStore
}

func (s *stores) Close(logger *slog.Logger) {
	if s.badger != nil {
		if err := s.badger.Close(); err != nil {
			logger.Error("error closing badger store", "error", err)
		}
	}
	if err := s.sqlite.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}

func openStores(opts *EvalOptions, logger *slog.Logger) (*stores, error) {
	path := opts.Database
	if path == "" {
		path = ":memory:"
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	s := &stores{sqlite: st, facts: st, bundles: st}

	if opts.Badger != "" {
		cfg := badgerkv.DefaultConfig(opts.Badger)
		cfg.Logger = logger
		bk, err := badgerkv.Open(cfg)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open badger store", err)
		}
		s.badger, s.facts, s.bundles = bk, bk, bk
	}

	if opts.YAML != "" {
		bundles, err := persist.NewYAMLBundleStore(opts.YAML)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open yaml state directory", err)
		}
		facts, err := persist.OpenFileStore(filepath.Join(opts.YAML, "facts.yaml"))
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open yaml fact store", err)
		}
		s.facts, s.bundles = facts, bundles
	}
	return s, nil
}

func runEval(opts *EvalOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	logger := opts.Logger(cmd.ErrOrStderr())

	if opts.Watch && opts.Database == "" {
		return NewExitError(ExitCommandError, "--watch requires --db")
	}
	if opts.Badger != "" && opts.YAML != "" {
		return NewExitError(ExitCommandError, "--badger and --yaml are mutually exclusive")
	}
	if opts.Watch && (opts.Badger != "" || opts.YAML != "") {
		return NewExitError(ExitCommandError, "--watch follows --db and cannot be combined with --badger or --yaml")
	}
	if opts.MetricsAddr != "" && !opts.Watch {
		return NewExitError(ExitCommandError, "--metrics-addr requires --watch")
	}

	compiled, err := loadRules(dir)
	if err != nil {
		return reportRulesError(f, err)
	}
	rb := compiled.RuleBase
	for _, w := range compiled.Warnings {
		logger.Warn("rule cycle", "level", w.Level, "path", w.Path)
	}

	set, err := lookupFacts(rb, opts.Set)
	if err != nil {
		_ = f.Error("E210", err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid --set", err)
	}
	unset, err := lookupFacts(rb, opts.Clear)
	if err != nil {
		_ = f.Error("E210", err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid --clear", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStores(opts, logger)
	if err != nil {
		return err
	}
	defer st.Close(logger)

	// Seqs continue after the last logged firing so the log stays unique
	// across runs.
	lastSeq, err := st.sqlite.LastSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read firing log", err)
	}

	loop := looper.New(looper.WithLogger(logger))
	rec := &evalRecorder{rb: rb, lastPassOnly: opts.Watch}

	engOpts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithContext(ctx),
		engine.WithClock(engine.NewClockAt(lastSeq)),
		engine.WithMaxSteps(opts.MaxSteps),
		engine.WithPersistence(persist.NewSync(st.facts, StorePrefix, rb)),
		engine.WithObserver(store.NewFiringLog(ctx, st.sqlite, logger)),
		engine.WithObserver(rec),
	}
	if opts.IDGenerator != nil {
		engOpts = append(engOpts, engine.WithIDGenerator(opts.IDGenerator))
	}
	var reg *prometheus.Registry
	if opts.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		engOpts = append(engOpts, engine.WithObserver(metrics.NewCollector(reg)))
	}

	eng := engine.New(rb, loop, engOpts...)
	adapter := lifecycle.New(eng,
		lifecycle.WithRegistry(persist.NewRegistry(st.bundles)),
		lifecycle.WithLogger(logger),
	)
	f.VerboseLog("engine %s: %d facts, %d rules", eng.ID(), rb.FactCount(), rb.RuleCount())

	var createErr error
	loop.Do("rulez-create", func() {
		createErr = adapter.OnCreate(ctx)
		eng.Update(rules.MaskOf(set...), rules.MaskOf(unset...))
		adapter.OnStart()
	})

	if opts.Watch {
		err = serve(ctx, opts, f, loop, adapter, reg, logger)
	} else {
		err = loop.Drain(ctx)
	}
	loop.Close()

	// The loop has stopped; the engine is safe to use from here.
	if saveErr := adapter.OnSaveInstanceState(ctx); saveErr != nil {
		logger.Error("saving instance state failed", "error", saveErr)
	}
	adapter.OnStop()
	adapter.OnDestroy()

	if createErr != nil {
		return WrapExitError(ExitCommandError, "failed to restore engine state", createErr)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	return outputEval(f, eng, rec)
}

// serve runs the loop, the store watcher and the metrics server until the
// context is cancelled or a signal arrives.
func serve(ctx context.Context, opts *EvalOptions, f *OutputFormatter, loop *looper.Looper,
	adapter *lifecycle.Adapter, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	watcher, err := persist.NewWatcher(opts.Database, adapter.WatchFunc(gctx, loop), logger)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		return watcher.Start(gctx)
	})

	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("serving metrics", "addr", opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if !f.JSON() {
		fmt.Fprintf(f.Writer, "Engine running. Watching %s. Press Ctrl-C to stop.\n", opts.Database)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("engine stopped gracefully")
	return nil
}

func lookupFacts(rb *rules.RuleBase, names []string) ([]rules.Fact, error) {
	facts := make([]rules.Fact, 0, len(names))
	for _, name := range names {
		f, ok := rb.Fact(name)
		if !ok {
			return nil, fmt.Errorf("unknown fact %q", name)
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// evalRecorder collects firings and the last pass error for output. With
// lastPassOnly set it keeps only the firings of the most recent pass that
// fired, so a long-running --watch engine keeps bounded memory.
type evalRecorder struct {
	rb           *rules.RuleBase
	lastPassOnly bool
	fired        []FiredRule
	err          error
	passDone     bool
}

func (r *evalRecorder) OnFire(_ string, f engine.Firing) {
	if r.lastPassOnly && r.passDone {
		r.fired = r.fired[:0]
		r.passDone = false
	}
	r.fired = append(r.fired, FiredRule{
		Seq:   f.Seq,
		Rule:  f.RuleName,
		Facts: nonNil(r.rb.TrueFacts(f.After)),
	})
}

func (r *evalRecorder) OnPassEnd(p engine.PassReport) {
	r.err = p.Err
	r.passDone = true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func outputEval(f *OutputFormatter, eng *engine.Engine, rec *evalRecorder) error {
	rb := eng.RuleBase()
	state := eng.Facts()
	result := EvalResult{
		Engine: eng.ID(),
		Fired:  rec.fired,
		Facts:  make(map[string]bool, rb.FactCount()),
		True:   nonNil(rb.TrueFacts(state)),
	}
	if result.Fired == nil {
		result.Fired = []FiredRule{}
	}
	for _, fact := range rb.Facts() {
		result.Facts[fact.Name] = state.Get(fact.ID)
	}

	if rec.err != nil {
		code := "E001"
		var rt *engine.RuntimeError
		switch {
		case engine.IsNonTerminating(rec.err):
			code = string(engine.ErrCodeNonTerminating)
		case errors.As(rec.err, &rt):
			code = string(rt.Code)
		}
		if f.JSON() {
			if err := f.Failure(result, code, rec.err.Error()); err != nil {
				return err
			}
		} else {
			writeEvalText(f, result)
			fmt.Fprintf(f.Writer, "✗ %v\n", rec.err)
		}
		return WrapExitError(ExitFailure, "evaluation stopped", rec.err)
	}

	if f.JSON() {
		return f.Success(result)
	}
	writeEvalText(f, result)
	return nil
}

func writeEvalText(f *OutputFormatter, result EvalResult) {
	w := f.Writer
	if len(result.Fired) == 0 {
		fmt.Fprintln(w, "No rules fired.")
	} else {
		fmt.Fprintf(w, "Fired %d rule(s):\n", len(result.Fired))
		for _, fr := range result.Fired {
			fmt.Fprintf(w, "  #%-4d %s\n", fr.Seq, fr.Rule)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Facts:")
	for _, fact := range slices.Sorted(maps.Keys(result.Facts)) {
		mark := " "
		if result.Facts[fact] {
			mark = "✓"
		}
		fmt.Fprintf(w, "  %s %s\n", mark, fact)
	}
}
