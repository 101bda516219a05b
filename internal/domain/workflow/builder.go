package workflow

import (
	"errors"
	"fmt"
)

// Lifecycle is a frozen transition table. It is safe for concurrent use;
// each Machine carries only its current state.
type Lifecycle struct {
	transitions map[State]map[Trigger]State
}

// LifecycleBuilder collects transitions. Mistakes are gathered and
// reported together by Build.
type LifecycleBuilder struct {
	transitions map[State]map[Trigger]State
	errs        []error
}

// NewLifecycleBuilder creates an empty builder
func NewLifecycleBuilder() *LifecycleBuilder {
	return &LifecycleBuilder{transitions: make(map[State]map[Trigger]State)}
}

// Permit allows trigger to move a request from one state to another.
// A trigger maps to exactly one target per source state.
func (b *LifecycleBuilder) Permit(from State, trigger Trigger, to State) *LifecycleBuilder {
	switch {
	case !from.IsValid():
		b.errs = append(b.errs, fmt.Errorf("%w: source %q", ErrInvalidState, from))
		return b
	case !to.IsValid():
		b.errs = append(b.errs, fmt.Errorf("%w: target %q", ErrInvalidState, to))
		return b
	case from.IsTerminal():
		b.errs = append(b.errs, fmt.Errorf("%w: %s cannot have outgoing %s", ErrTerminalState, from, trigger))
		return b
	}

	row, ok := b.transitions[from]
	if !ok {
		row = make(map[Trigger]State)
		b.transitions[from] = row
	}
	if prev, dup := row[trigger]; dup && prev != to {
		b.errs = append(b.errs, fmt.Errorf("%w: %s on %s goes to both %s and %s",
			ErrInvalidTransition, trigger, from, prev, to))
		return b
	}
	row[trigger] = to
	return b
}

// Build freezes the table
func (b *LifecycleBuilder) Build() (*Lifecycle, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	frozen := make(map[State]map[Trigger]State, len(b.transitions))
	for from, row := range b.transitions {
		copied := make(map[Trigger]State, len(row))
		for trigger, to := range row {
			copied[trigger] = to
		}
		frozen[from] = copied
	}
	return &Lifecycle{transitions: frozen}, nil
}

// Next returns the state trigger leads to from the given state
func (l *Lifecycle) Next(from State, trigger Trigger) (State, error) {
	if from.IsTerminal() {
		return from, fmt.Errorf("%w: %s is terminal, cannot apply %s", ErrTerminalState, from, trigger)
	}
	to, ok := l.transitions[from][trigger]
	if !ok {
		return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
	}
	return to, nil
}

// Machine starts a request at current
func (l *Lifecycle) Machine(current State) (*Machine, error) {
	if !current.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, current)
	}
	return &Machine{lifecycle: l, state: current}, nil
}
