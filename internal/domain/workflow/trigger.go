package workflow

import "github.com/garyjia/doc-approval/internal/domain/entity"

// Trigger represents an event that can cause a state transition
type Trigger string

const (
	TriggerVote           Trigger = "VOTE"
	TriggerResume         Trigger = "RESUME"
	TriggerAdvance        Trigger = "ADVANCE"
	TriggerApprove        Trigger = "APPROVE"
	TriggerReject         Trigger = "REJECT"
	TriggerRequestChanges Trigger = "REQUEST_CHANGES"
	TriggerEscalate       Trigger = "ESCALATE"
	TriggerAutoApprove    Trigger = "AUTO_APPROVE"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}

// FinalTrigger returns the trigger that finalizes a request with the outcome
func FinalTrigger(o entity.Outcome) Trigger {
	switch o {
	case entity.OutcomeRejected:
		return TriggerReject
	case entity.OutcomeChangesRequested:
		return TriggerRequestChanges
	default:
		return TriggerApprove
	}
}
