package event

// Type identifies the type of domain event
type Type string

const (
	TypeRequestRouted     Type = "request.routed"
	TypeApprovalRequired  Type = "approval.required"
	TypeVoteRecorded      Type = "approval.vote_recorded"
	TypeStepAdvanced      Type = "approval.step_advanced"
	TypeApprovalEscalated Type = "approval.escalated"
	TypeAutoApproved      Type = "approval.auto_approved"
	TypeApprovalDecided   Type = "approval.decided"
)

// All lists every defined event type
var All = []Type{
	TypeRequestRouted,
	TypeApprovalRequired,
	TypeVoteRecorded,
	TypeStepAdvanced,
	TypeApprovalEscalated,
	TypeAutoApproved,
	TypeApprovalDecided,
}

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeRequestRouted,
		TypeApprovalRequired,
		TypeVoteRecorded,
		TypeStepAdvanced,
		TypeApprovalEscalated,
		TypeAutoApproved,
		TypeApprovalDecided:
		return true
	default:
		return false
	}
}
