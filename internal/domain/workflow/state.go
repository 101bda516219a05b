package workflow

import "github.com/garyjia/doc-approval/internal/domain/entity"

// State is a request status as seen by the lifecycle
type State string

const (
	StatePending          State = State(entity.RequestStatusPending)
	StateInProgress       State = State(entity.RequestStatusInProgress)
	StateApproved         State = State(entity.RequestStatusApproved)
	StateRejected         State = State(entity.RequestStatusRejected)
	StateChangesRequested State = State(entity.RequestStatusChangesRequested)
	StateEscalated        State = State(entity.RequestStatusEscalated)
)

// FromStatus converts a request status into a lifecycle state
func FromStatus(s entity.RequestStatus) State {
	return State(s)
}

// Status converts the state back into a request status
func (s State) Status() entity.RequestStatus {
	return entity.RequestStatus(s)
}

// IsTerminal reports whether no transition may leave the state
func (s State) IsTerminal() bool {
	switch s {
	case StateApproved, StateRejected, StateChangesRequested:
		return true
	}
	return false
}

// IsValid reports whether s is one of the lifecycle states
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateInProgress, StateEscalated,
		StateApproved, StateRejected, StateChangesRequested:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}
