package entity

import (
	"fmt"
	"time"
)

// RoutingRule selects a target chain when all of its conditions match.
// Lower Priority values are evaluated first.
type RoutingRule struct {
	ID            string      `json:"id" yaml:"id"`
	Name          string      `json:"name" yaml:"name"`
	Conditions    []Condition `json:"conditions" yaml:"conditions"`
	TargetChainID string      `json:"target_chain_id" yaml:"target_chain_id"`
	Priority      int         `json:"priority" yaml:"priority"`
	IsActive      bool        `json:"is_active" yaml:"is_active"`
	CreatedAt     time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time   `json:"updated_at" yaml:"-"`
}

// Validate checks structural rules of the routing rule.
func (r *RoutingRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.TargetChainID == "" {
		return fmt.Errorf("rule %s has no target chain", r.ID)
	}
	for _, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// Document is the routing input: an incoming document and its metadata.
type Document struct {
	ID          string                 `json:"document_id"`
	Type        string                 `json:"document_type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	SubmittedBy string                 `json:"submitted_by,omitempty"`
}

// Facts returns the values conditions are evaluated against.
func (d Document) Facts() map[string]interface{} {
	facts := make(map[string]interface{}, len(d.Metadata)+3)
	for k, v := range d.Metadata {
		facts[k] = v
	}
	facts["document_id"] = d.ID
	facts["document_type"] = d.Type
	if d.SubmittedBy != "" {
		facts["submitted_by"] = d.SubmittedBy
	}
	return facts
}
