package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// State is a step in a job's lifecycle.
type State string

const (
	StateReceived              State = "received"
	StateToyImportRedirect     State = "toy_import_redirect"
	StateProcessing            State = "processing"
	StateSpawned               State = "spawned"
	StateSucceeded             State = "succeeded"
	StateSoftFailed            State = "soft_failed"
	StateFailed                State = "failed"
	StateTimedOut              State = "timed_out"
	StateTreeRegeneration      State = "tree_regeneration"
	StateUnityBundleGeneration State = "unity_bundle_generation"
	StateToyFederation         State = "toy_federation"
	StateTerminal              State = "terminal"
)

var transitions = map[State][]State{
	StateReceived:              {StateToyImportRedirect, StateProcessing, StateSpawned, StateTerminal},
	StateToyImportRedirect:     {StateTreeRegeneration, StateTerminal},
	StateTreeRegeneration:      {StateProcessing, StateTerminal},
	StateProcessing:            {StateSpawned, StateTerminal},
	StateSpawned:               {StateSucceeded, StateSoftFailed, StateFailed, StateTimedOut},
	StateSucceeded:             {StateUnityBundleGeneration, StateToyFederation, StateTerminal},
	StateSoftFailed:            {StateUnityBundleGeneration, StateToyFederation, StateTerminal},
	StateFailed:                {StateTerminal},
	StateTimedOut:              {StateTerminal},
	StateUnityBundleGeneration: {StateTerminal},
	StateToyFederation:         {StateTerminal},
}

// lifecycle records the current state of one job.
type lifecycle struct {
	state   State
	history []State
	illegal []error
	logger  *slog.Logger
}

func newLifecycle(logger *slog.Logger) *lifecycle {
	return &lifecycle{state: StateReceived, history: []State{StateReceived}, logger: logger}
}

// advance moves to next. Illegal transitions are programming errors; they are
// applied anyway so the job still reaches Terminal, and kept for err.
func (l *lifecycle) advance(next State) {
	prev := l.state
	l.state = next
	l.history = append(l.history, next)
	if !slices.Contains(transitions[prev], next) {
		l.illegal = append(l.illegal, fmt.Errorf("illegal job transition %s → %s", prev, next))
		l.logger.Error("job state machine violation", "from", prev, "to", next)
		return
	}
	l.logger.Debug("job state", "from", prev, "to", next)
}

// err joins every illegal transition taken so far.
func (l *lifecycle) err() error { return errors.Join(l.illegal...) }

// terminal reports whether the job has reached Terminal.
func (l *lifecycle) terminal() bool { return l.state == StateTerminal }
