package entity

import (
	"time"
)

// RequestStatus is the lifecycle status of an approval request.
type RequestStatus string

const (
	RequestStatusPending          RequestStatus = "pending"
	RequestStatusInProgress       RequestStatus = "in_progress"
	RequestStatusApproved         RequestStatus = "approved"
	RequestStatusRejected         RequestStatus = "rejected"
	RequestStatusChangesRequested RequestStatus = "changes_requested"
	RequestStatusEscalated        RequestStatus = "escalated"
)

// IsTerminal reports whether no further transitions are allowed from the status.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusApproved, RequestStatusRejected, RequestStatusChangesRequested:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known status.
func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestStatusPending, RequestStatusInProgress, RequestStatusApproved,
		RequestStatusRejected, RequestStatusChangesRequested, RequestStatusEscalated:
		return true
	default:
		return false
	}
}

func (s RequestStatus) String() string {
	return string(s)
}

// Priority levels for approval requests
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// NormalizePriority maps free-form input onto a known priority, defaulting to normal.
func NormalizePriority(p string) string {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p
	default:
		return PriorityNormal
	}
}

// ApprovalRequest tracks one document moving through one approval chain.
// It is created by routing and becomes immutable once its status is terminal.
type ApprovalRequest struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	DocumentType string `json:"document_type"`
	ChainID      string `json:"chain_id"`
	ChainVersion int    `json:"chain_version"`

	// Step position (1-based)
	CurrentStep int `json:"current_step"`
	TotalSteps  int `json:"total_steps"`

	Status   RequestStatus `json:"status"`
	Priority string        `json:"priority"`

	Deadline        time.Time  `json:"deadline"`
	EscalationDate  *time.Time `json:"escalation_date,omitempty"`
	StepActivatedAt time.Time  `json:"step_activated_at"`

	// Active step voting state
	AssignedTo               []string               `json:"assigned_to"`
	ParallelApprovalRequired bool                   `json:"parallel_approval_required"`
	ConsensusType            ConsensusType          `json:"consensus_type"`
	Parallel                 ParallelApprovalStatus `json:"parallel_status"`

	// Escalation bookkeeping for the active step
	EscalationLevel int      `json:"escalation_level"`
	EscalationUsed  []string `json:"escalation_used,omitempty"`

	// StepGeneration increases every time the active step's timer is re-armed,
	// so a timer handle from an earlier activation can be recognised as stale.
	StepGeneration int64 `json:"step_generation"`

	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	SubmittedBy string                 `json:"submitted_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsAssigned reports whether actor is an eligible voter for the active step.
func (r *ApprovalRequest) IsAssigned(actor string) bool {
	return containsString(r.AssignedTo, actor)
}

// Clone returns a deep copy of the request.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.AssignedTo = cloneStrings(r.AssignedTo)
	c.EscalationUsed = cloneStrings(r.EscalationUsed)
	c.Parallel = r.Parallel.Clone()
	if r.EscalationDate != nil {
		t := *r.EscalationDate
		c.EscalationDate = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
