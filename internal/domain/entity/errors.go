package entity

import "errors"

var (
	// ErrNoMatchingChain is returned when no routing rule matches and no default chain exists
	ErrNoMatchingChain = errors.New("no matching approval chain")

	// ErrNotEligible is returned when the actor is not assigned to the active step
	ErrNotEligible = errors.New("actor not eligible for the active step")

	// ErrAlreadyVoted is returned when the actor already voted on the active step
	ErrAlreadyVoted = errors.New("actor already voted on the active step")

	// ErrInvalidVoteState is returned when a vote is applied to a step that can no longer accept it
	ErrInvalidVoteState = errors.New("invalid vote state")

	// ErrStepAlreadyTerminal is returned for actions on a finished request
	ErrStepAlreadyTerminal = errors.New("request already in a terminal state")

	// ErrChainIntegrityViolation is returned when the audit hash chain does not verify
	ErrChainIntegrityViolation = errors.New("audit chain integrity violation")

	// ErrRequestNotFound is returned when an approval request does not exist
	ErrRequestNotFound = errors.New("approval request not found")

	// ErrChainNotFound is returned when an approval chain does not exist
	ErrChainNotFound = errors.New("approval chain not found")

	// ErrInvalidDecision is returned for an unknown decision value
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrInvalidInput is returned when a required field is missing or malformed
	ErrInvalidInput = errors.New("invalid input")

	// ErrActiveRequestExists is returned when a document already has a non-terminal request
	ErrActiveRequestExists = errors.New("document already has an active request")
)

// ErrorCode returns a stable machine-readable code for a domain error,
// or "internal" for anything else.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoMatchingChain):
		return "no_matching_chain"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrInvalidVoteState):
		return "invalid_vote_state"
	case errors.Is(err, ErrStepAlreadyTerminal):
		return "step_already_terminal"
	case errors.Is(err, ErrChainIntegrityViolation):
		return "chain_integrity_violation"
	case errors.Is(err, ErrRequestNotFound):
		return "request_not_found"
	case errors.Is(err, ErrChainNotFound):
		return "chain_not_found"
	case errors.Is(err, ErrInvalidDecision):
		return "invalid_decision"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrActiveRequestExists):
		return "active_request_exists"
	default:
		return "internal"
	}
}
