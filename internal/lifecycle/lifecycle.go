// Package lifecycle binds an engine to the lifecycle of its host.
//
// A host calls the Adapter's On* methods from its run loop as it moves
// through create, start, resume, pause, stop and destroy. The adapter
// restores saved instance state once at create, restores persistent facts,
// registers the engine as a saved-state provider and gates evaluation on the
// host being started.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/rulez/internal/engine"
	"github.com/roach88/rulez/internal/persist"
)

// DefaultKey is the saved-state key used when none is configured.
const DefaultKey = "rulez.engine"

// Reloader re-reads a store's backing file. persist.FileStore implements it.
type Reloader interface {
	Reload() error
}

// Stage is the host's current lifecycle stage as seen by the adapter.
type Stage int

const (
	StageInitial Stage = iota
	StageCreated
	StageStarted
	StageResumed
	StageStopped
	StageDestroyed
)

func (s Stage) String() string {
	switch s {
	case StageInitial:
		return "initial"
	case StageCreated:
		return "created"
	case StageStarted:
		return "started"
	case StageResumed:
		return "resumed"
	case StageStopped:
		return "stopped"
	case StageDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Adapter drives one engine through host lifecycle callbacks.
//
// Not safe for concurrent use; call it from the engine's loop.
type Adapter struct {
	engine   *engine.Engine
	registry *persist.Registry
	reloader Reloader
	key      string
	stage    Stage
	logger   *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRegistry saves and restores instance state through r.
func WithRegistry(r *persist.Registry) Option {
	return func(a *Adapter) {
		a.registry = r
	}
}

// WithKey sets the saved-state key. Default: DefaultKey.
func WithKey(key string) Option {
	return func(a *Adapter) {
		a.key = key
	}
}

// WithReloader re-reads the fact store before restoring after a change
// notification.
func WithReloader(r Reloader) Option {
	return func(a *Adapter) {
		a.reloader = r
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// New creates an Adapter for e.
func New(e *engine.Engine, opts ...Option) *Adapter {
	a := &Adapter{
		engine: e,
		key:    DefaultKey,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("engine", e.ID(), "key", a.key)
	return a
}

// Stage returns the current lifecycle stage.
func (a *Adapter) Stage() Stage {
	return a.stage
}

// OnCreate restores saved instance state and persistent facts, registers
// the engine's saved-state provider and schedules a first evaluation. The
// pass does not run until OnStart.
//
// A saved bundle written for a different rule base is discarded with a
// warning. Store errors are returned after the remaining steps have run.
func (a *Adapter) OnCreate(ctx context.Context) error {
	if a.stage != StageInitial {
		return fmt.Errorf("OnCreate in stage %s", a.stage)
	}

	var errs []error
	if a.registry != nil {
		b, err := a.registry.ConsumeRestoredState(ctx, a.key)
		if err != nil {
			errs = append(errs, err)
		}
		if err := a.engine.RestoreInstanceState(b); err != nil {
			if !engine.IsStateMismatch(err) {
				errs = append(errs, err)
			}
			a.logger.Warn("discarding saved state", "error", err)
		}
	}

	if err := a.engine.RestorePersisted(ctx); err != nil {
		errs = append(errs, err)
	}

	if a.registry != nil {
		if err := a.registry.RegisterProvider(a.key, a.saveState); err != nil {
			errs = append(errs, err)
		}
	}

	a.engine.ScheduleEvaluation()
	a.stage = StageCreated
	a.logger.Debug("lifecycle", "stage", a.stage.String())
	return errors.Join(errs...)
}

// OnStart lets evaluation run.
func (a *Adapter) OnStart() {
	a.engine.ResumeEvaluation()
	a.stage = StageStarted
	a.logger.Debug("lifecycle", "stage", a.stage.String())
}

// OnResume lets evaluation run. Resuming is idempotent so a host that only
// reports resume still evaluates.
func (a *Adapter) OnResume() {
	a.engine.ResumeEvaluation()
	a.stage = StageResumed
	a.logger.Debug("lifecycle", "stage", a.stage.String())
}

// OnPause pauses evaluation like OnStop. Passes scheduled while paused run
// after OnResume or OnStart.
func (a *Adapter) OnPause() {
	a.engine.PauseEvaluation()
	a.stage = StageStarted
	a.logger.Debug("lifecycle", "stage", a.stage.String())
}

// OnStop pauses evaluation. Scheduled passes wait for the next OnStart.
func (a *Adapter) OnStop() {
	a.engine.PauseEvaluation()
	a.stage = StageStopped
	a.logger.Debug("lifecycle", "stage", a.stage.String())
}

// OnSaveInstanceState writes every registered provider's state.
func (a *Adapter) OnSaveInstanceState(ctx context.Context) error {
	if a.registry == nil {
		return nil
	}
	return a.registry.SaveAll(ctx)
}

// OnDestroy unregisters the provider and withdraws any pending pass.
func (a *Adapter) OnDestroy() {
	if a.registry != nil {
		a.registry.UnregisterProvider(a.key)
	}
	a.engine.PauseEvaluation()
	a.engine.UnscheduleEvaluation()
	a.stage = StageDestroyed
	a.logger.Debug("lifecycle", "stage", a.stage.String())
}

// StoreChanged reloads the fact store and folds changed persistent facts
// into the engine. Must run on the engine's loop.
func (a *Adapter) StoreChanged(ctx context.Context) error {
	if a.stage == StageDestroyed {
		return nil
	}
	if a.reloader != nil {
		if err := a.reloader.Reload(); err != nil {
			return fmt.Errorf("reload store: %w", err)
		}
	}
	return a.engine.RestorePersisted(ctx)
}

// Poster posts a named closure onto a run loop. looper.Looper implements it.
type Poster interface {
	Do(name string, fn func()) bool
}

// WatchFunc returns a persist.Watcher callback that posts StoreChanged onto
// loop. Errors are logged.
func (a *Adapter) WatchFunc(ctx context.Context, loop Poster) func(path string) {
	return func(path string) {
		loop.Do("rulez-store-changed", func() {
			if err := a.StoreChanged(ctx); err != nil {
				a.logger.Error("restoring changed store failed", "path", path, "error", err)
			}
		})
	}
}

func (a *Adapter) saveState() *persist.Bundle {
	b := persist.NewBundle()
	a.engine.SaveInstanceState(b)
	return b
}
