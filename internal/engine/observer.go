package engine

// PassReport summarizes a completed evaluation pass.
type PassReport struct {
	EngineID string
	Fired    bool
	Steps    int
	Before   State
	After    State

	// Err is non-nil when the pass stopped early, for example on a
	// NonTerminatingError.
	Err error
}

// Observer receives firings and pass reports after each pass.
//
// Observers run on the engine's loop, after the pass has finished and after
// persistent facts have been written through. They must not block.
type Observer interface {
	OnFire(engineID string, f Firing)
	OnPassEnd(r PassReport)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Fire    func(engineID string, f Firing)
	PassEnd func(r PassReport)
}

// OnFire implements Observer.
func (o ObserverFuncs) OnFire(engineID string, f Firing) {
	if o.Fire != nil {
		o.Fire(engineID, f)
	}
}

// OnPassEnd implements Observer.
func (o ObserverFuncs) OnPassEnd(r PassReport) {
	if o.PassEnd != nil {
		o.PassEnd(r)
	}
}

var _ Observer = ObserverFuncs{}
