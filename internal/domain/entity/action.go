package entity

import "time"

// Decision is what one approver submits for the active step.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionReject         Decision = "reject"
	DecisionRequestChanges Decision = "request_changes"
	DecisionEscalate       Decision = "escalate"
)

// IsValid reports whether d is a known decision.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionRequestChanges, DecisionEscalate:
		return true
	default:
		return false
	}
}

// Outcome maps a voting decision onto a tally outcome.
// Escalate is not a vote and maps to false.
func (d Decision) Outcome() (Outcome, bool) {
	switch d {
	case DecisionApprove:
		return OutcomeApproved, true
	case DecisionReject:
		return OutcomeRejected, true
	case DecisionRequestChanges:
		return OutcomeChangesRequested, true
	default:
		return "", false
	}
}

func (d Decision) String() string {
	return string(d)
}

// Outcome is a step or request level result.
type Outcome string

const (
	OutcomeApproved         Outcome = "approved"
	OutcomeRejected         Outcome = "rejected"
	OutcomeChangesRequested Outcome = "changes_requested"
)

// Severity orders outcomes from least to most conservative.
func (o Outcome) Severity() int {
	switch o {
	case OutcomeApproved:
		return 1
	case OutcomeChangesRequested:
		return 2
	case OutcomeRejected:
		return 3
	}
	return 0
}

// IsNegative reports whether the outcome stops the chain.
func (o Outcome) IsNegative() bool {
	return o == OutcomeRejected || o == OutcomeChangesRequested
}

// Status returns the terminal request status for a final outcome.
func (o Outcome) Status() RequestStatus {
	switch o {
	case OutcomeRejected:
		return RequestStatusRejected
	case OutcomeChangesRequested:
		return RequestStatusChangesRequested
	default:
		return RequestStatusApproved
	}
}

// SubmissionContext records where a decision came from.
type SubmissionContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ApprovalAction is an immutable record of one identity's decision.
type ApprovalAction struct {
	ID          string                 `json:"id"`
	RequestID   string                 `json:"request_id"`
	StepNumber  int                    `json:"step_number"`
	Actor       string                 `json:"actor"`
	Decision    Decision               `json:"decision"`
	Comments    string                 `json:"comments,omitempty"`
	Annotations map[string]interface{} `json:"annotations,omitempty"`
	Context     SubmissionContext      `json:"context"`
	CreatedAt   time.Time              `json:"created_at"`
}
