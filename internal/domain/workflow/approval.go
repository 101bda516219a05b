package workflow

// requestLifecycle is the approval request lifecycle:
//
//	pending -> in_progress -> {approved, rejected, changes_requested, escalated}
//	escalated -> in_progress once a fallback approver acts
//
// Terminal states have no outgoing transitions.
var requestLifecycle = mustBuild(NewLifecycleBuilder().
	Permit(StatePending, TriggerVote, StateInProgress).
	Permit(StatePending, TriggerAdvance, StateInProgress).
	Permit(StatePending, TriggerApprove, StateApproved).
	Permit(StatePending, TriggerEscalate, StateEscalated).
	Permit(StateInProgress, TriggerVote, StateInProgress).
	Permit(StateInProgress, TriggerAdvance, StateInProgress).
	Permit(StateInProgress, TriggerApprove, StateApproved).
	Permit(StateInProgress, TriggerReject, StateRejected).
	Permit(StateInProgress, TriggerRequestChanges, StateChangesRequested).
	Permit(StateInProgress, TriggerEscalate, StateEscalated).
	Permit(StateEscalated, TriggerResume, StateInProgress).
	Permit(StateEscalated, TriggerAdvance, StateInProgress).
	Permit(StateEscalated, TriggerEscalate, StateEscalated).
	Permit(StateEscalated, TriggerAutoApprove, StateApproved))

func mustBuild(b *LifecycleBuilder) *Lifecycle {
	l, err := b.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// NewRequestMachine returns a machine for a request stored with status current
func NewRequestMachine(current State) (*Machine, error) {
	return requestLifecycle.Machine(current)
}
