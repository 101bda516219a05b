package entity

import (
	"fmt"
	"time"
)

// ConsensusType is the voting rule that decides when a step is final.
type ConsensusType string

const (
	ConsensusUnanimous ConsensusType = "unanimous"
	ConsensusMajority  ConsensusType = "majority"
	ConsensusWeighted  ConsensusType = "weighted"
	ConsensusAny       ConsensusType = "any"
)

// IsValid reports whether c is a known consensus type.
func (c ConsensusType) IsValid() bool {
	switch c {
	case ConsensusUnanimous, ConsensusMajority, ConsensusWeighted, ConsensusAny:
		return true
	default:
		return false
	}
}

// ApprovalStep is one stage of a chain.
type ApprovalStep struct {
	StepNumber       int           `json:"step_number" yaml:"step_number"`
	Name             string        `json:"name,omitempty" yaml:"name"`
	Approvers        []string      `json:"approvers" yaml:"approvers"`
	ParallelApproval bool          `json:"parallel_approval" yaml:"parallel_approval"`
	ConsensusType    ConsensusType `json:"consensus_type" yaml:"consensus_type"`

	// TimeoutDays is nil when the step never escalates on its own.
	TimeoutDays     *int        `json:"timeout_days,omitempty" yaml:"timeout_days"`
	EscalationChain []string    `json:"escalation_chain,omitempty" yaml:"escalation_chain"`
	Conditions      []Condition `json:"conditions,omitempty" yaml:"conditions"`
	IsOptional      bool        `json:"is_optional" yaml:"is_optional"`

	// AutoApproveAfterDays applies once the escalation chain is exhausted.
	AutoApproveAfterDays *int `json:"auto_approve_after_days,omitempty" yaml:"auto_approve_after_days"`
}

// HasTimeout reports whether the step arms an escalation timer.
func (s ApprovalStep) HasTimeout() bool {
	return s.TimeoutDays != nil && *s.TimeoutDays >= 0
}

// Timeout converts TimeoutDays into a duration using the configured day length.
func (s ApprovalStep) Timeout(day time.Duration) time.Duration {
	if !s.HasTimeout() {
		return 0
	}
	return time.Duration(*s.TimeoutDays) * day
}

// EffectiveApprovers returns the approvers that survive the step conditions.
// A condition without an approver list gates the whole step; one with a list
// only removes those identities when it does not match.
func (s ApprovalStep) EffectiveApprovers(facts map[string]interface{}) []string {
	excluded := make(map[string]bool)
	for _, cond := range s.Conditions {
		if cond.Matches(facts) {
			continue
		}
		if len(cond.Approvers) == 0 {
			return []string{}
		}
		for _, a := range cond.Approvers {
			excluded[a] = true
		}
	}

	seen := make(map[string]bool, len(s.Approvers))
	out := make([]string, 0, len(s.Approvers))
	for _, a := range s.Approvers {
		if a == "" || excluded[a] || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// ApprovalChain is an ordered sequence of steps applied to document types.
// A chain referenced by an in-flight request is never edited in place;
// changing it produces a new Version.
type ApprovalChain struct {
	ID            string         `json:"id" yaml:"id"`
	Version       int            `json:"version" yaml:"version"`
	Name          string         `json:"name" yaml:"name"`
	DocumentTypes []string       `json:"document_types" yaml:"document_types"`
	Steps         []ApprovalStep `json:"steps" yaml:"steps"`
	IsActive      bool           `json:"is_active" yaml:"is_active"`
	CreatedAt     time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"-"`
}

// AppliesTo reports whether the chain accepts the document type.
// An empty list or "*" accepts every type.
func (c *ApprovalChain) AppliesTo(documentType string) bool {
	if len(c.DocumentTypes) == 0 {
		return true
	}
	for _, t := range c.DocumentTypes {
		if t == "*" || t == documentType {
			return true
		}
	}
	return false
}

// Step returns step n (1-based).
func (c *ApprovalChain) Step(n int) (ApprovalStep, bool) {
	if n < 1 || n > len(c.Steps) {
		return ApprovalStep{}, false
	}
	return c.Steps[n-1], true
}

// TotalTimeout sums the step timeouts, used for the request deadline.
func (c *ApprovalChain) TotalTimeout(day time.Duration) time.Duration {
	var total time.Duration
	for _, s := range c.Steps {
		total += s.Timeout(day)
	}
	return total
}

// Validate checks structural rules of the chain.
func (c *ApprovalChain) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("chain id is required")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("chain %s has no steps", c.ID)
	}
	for i, s := range c.Steps {
		if s.StepNumber != i+1 {
			return fmt.Errorf("chain %s: step %d is numbered %d", c.ID, i+1, s.StepNumber)
		}
		if len(s.Approvers) == 0 {
			return fmt.Errorf("chain %s: step %d has no approvers", c.ID, s.StepNumber)
		}
		if !s.ConsensusType.IsValid() {
			return fmt.Errorf("chain %s: step %d has invalid consensus type %q", c.ID, s.StepNumber, s.ConsensusType)
		}
		if s.AutoApproveAfterDays != nil && *s.AutoApproveAfterDays < 0 {
			return fmt.Errorf("chain %s: step %d has negative auto_approve_after_days", c.ID, s.StepNumber)
		}
		for _, cond := range s.Conditions {
			if err := cond.Validate(); err != nil {
				return fmt.Errorf("chain %s: step %d: %w", c.ID, s.StepNumber, err)
			}
		}
	}
	return nil
}
