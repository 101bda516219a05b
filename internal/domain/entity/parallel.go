package entity

// ParallelApprovalStatus is the vote tally of the active step.
//
// Invariants: Approved+Rejected+ChangesRequested == len(Completed) <= TotalRequired,
// Pending and Completed are disjoint, and their union is the voter set fixed at activation.
type ParallelApprovalStatus struct {
	TotalRequired    int `json:"total_required"`
	Approved         int `json:"approved"`
	Rejected         int `json:"rejected"`
	ChangesRequested int `json:"changes_requested"`

	// Weight tallies, only meaningful for weighted consensus
	TotalWeight            float64 `json:"total_weight,omitempty"`
	ApprovedWeight         float64 `json:"approved_weight,omitempty"`
	RejectedWeight         float64 `json:"rejected_weight,omitempty"`
	ChangesRequestedWeight float64 `json:"changes_requested_weight,omitempty"`

	Pending   []string `json:"pending"`
	Completed []string `json:"completed"`

	// FirstOutcome is the outcome of the first vote cast on the step.
	FirstOutcome Outcome `json:"first_outcome,omitempty"`

	ConsensusReached bool    `json:"consensus_reached"`
	FinalDecision    Outcome `json:"final_decision,omitempty"`
}

// NewParallelApprovalStatus seeds a fresh tally for the given voters.
func NewParallelApprovalStatus(voters []string, totalRequired int, totalWeight float64) ParallelApprovalStatus {
	return ParallelApprovalStatus{
		TotalRequired: totalRequired,
		TotalWeight:   totalWeight,
		Pending:       cloneStrings(voters),
		Completed:     []string{},
	}
}

// Votes returns the number of votes cast so far.
func (p ParallelApprovalStatus) Votes() int {
	return p.Approved + p.Rejected + p.ChangesRequested
}

// HasVoted reports whether actor already voted on the step.
func (p ParallelApprovalStatus) HasVoted(actor string) bool {
	return containsString(p.Completed, actor)
}

// IsPending reports whether actor still owes a vote.
func (p ParallelApprovalStatus) IsPending(actor string) bool {
	return containsString(p.Pending, actor)
}

// Count returns the tally for one outcome.
func (p ParallelApprovalStatus) Count(o Outcome) int {
	switch o {
	case OutcomeApproved:
		return p.Approved
	case OutcomeRejected:
		return p.Rejected
	case OutcomeChangesRequested:
		return p.ChangesRequested
	}
	return 0
}

// Weight returns the weighted tally for one outcome.
func (p ParallelApprovalStatus) Weight(o Outcome) float64 {
	switch o {
	case OutcomeApproved:
		return p.ApprovedWeight
	case OutcomeRejected:
		return p.RejectedWeight
	case OutcomeChangesRequested:
		return p.ChangesRequestedWeight
	}
	return 0
}

// Clone returns a deep copy of the tally.
func (p ParallelApprovalStatus) Clone() ParallelApprovalStatus {
	c := p
	c.Pending = cloneStrings(p.Pending)
	c.Completed = cloneStrings(p.Completed)
	return c
}
