// Package consensus tallies votes on an approval step and decides when the
// step's outcome is final.
package consensus

import (
	"fmt"

	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// Policy is the voting rule of the active step.
type Policy struct {
	Type entity.ConsensusType

	// Weights per approver for weighted consensus. Missing approvers weigh 1.
	Weights map[string]float64
}

// WeightOf returns the vote weight of actor under the policy.
func (p Policy) WeightOf(actor string) float64 {
	w, ok := p.Weights[actor]
	if !ok {
		return 1
	}
	if w < 0 {
		return 0
	}
	return w
}

// TotalWeight sums the weights of the given voters.
func (p Policy) TotalWeight(voters []string) float64 {
	var total float64
	for _, v := range voters {
		total += p.WeightOf(v)
	}
	return total
}

// Vote is one approver's outcome for the step.
type Vote struct {
	Actor   string
	Outcome entity.Outcome
}

// Result is the tally after applying a vote.
type Result struct {
	Status   entity.ParallelApprovalStatus
	Reached  bool
	Decision entity.Outcome
}

// precedence lists outcomes from most to least conservative.
var precedence = []entity.Outcome{
	entity.OutcomeRejected,
	entity.OutcomeChangesRequested,
	entity.OutcomeApproved,
}

// Resolve applies vote to status and reports whether consensus is reached.
// The input status is not modified.
func Resolve(status entity.ParallelApprovalStatus, policy Policy, vote Vote) (Result, error) {
	if status.ConsensusReached {
		return Result{}, fmt.Errorf("%w: consensus already reached", entity.ErrInvalidVoteState)
	}
	if status.Votes() >= status.TotalRequired {
		return Result{}, fmt.Errorf("%w: all %d required votes already cast", entity.ErrInvalidVoteState, status.TotalRequired)
	}
	if !status.IsPending(vote.Actor) {
		return Result{}, fmt.Errorf("%w: %s has no pending vote", entity.ErrInvalidVoteState, vote.Actor)
	}

	next := status.Clone()
	next.Pending = remove(next.Pending, vote.Actor)
	next.Completed = append(next.Completed, vote.Actor)

	weight := policy.WeightOf(vote.Actor)
	switch vote.Outcome {
	case entity.OutcomeApproved:
		next.Approved++
		next.ApprovedWeight += weight
	case entity.OutcomeRejected:
		next.Rejected++
		next.RejectedWeight += weight
	case entity.OutcomeChangesRequested:
		next.ChangesRequested++
		next.ChangesRequestedWeight += weight
	default:
		return Result{}, fmt.Errorf("%w: unknown outcome %q", entity.ErrInvalidVoteState, vote.Outcome)
	}
	if next.FirstOutcome == "" {
		next.FirstOutcome = vote.Outcome
	}

	decision, reached := decide(next, policy.Type, vote.Outcome)
	if reached {
		next.ConsensusReached = true
		next.FinalDecision = decision
	}

	return Result{Status: next, Reached: reached, Decision: decision}, nil
}

func decide(s entity.ParallelApprovalStatus, ct entity.ConsensusType, latest entity.Outcome) (entity.Outcome, bool) {
	exhausted := s.Votes() >= s.TotalRequired

	switch ct {
	case entity.ConsensusAny:
		return s.FirstOutcome, true

	case entity.ConsensusUnanimous:
		if latest.IsNegative() {
			return latest, true
		}
		if exhausted {
			return conservative(s), true
		}

	case entity.ConsensusMajority:
		for _, o := range precedence {
			if s.Count(o)*2 > s.TotalRequired {
				return o, true
			}
		}
		if exhausted {
			return conservative(s), true
		}

	case entity.ConsensusWeighted:
		if s.TotalWeight > 0 {
			for _, o := range precedence {
				if s.Weight(o)*2 > s.TotalWeight {
					return o, true
				}
			}
		}
		if exhausted {
			return conservative(s), true
		}
	}

	return "", false
}

// conservative picks the final decision when every required vote is in:
// rejected beats changes_requested beats approved.
func conservative(s entity.ParallelApprovalStatus) entity.Outcome {
	for _, o := range precedence {
		if s.Count(o) > 0 {
			return o
		}
	}
	return entity.OutcomeApproved
}

func remove(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
