// Package routing picks the approval chain for an incoming document.
package routing

import (
	"fmt"
	"sort"

	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// Decision is the outcome of routing one document.
type Decision struct {
	Chain *entity.ApprovalChain

	// Rule is the matching rule, nil when the default chain was used.
	Rule *entity.RoutingRule
}

// Select evaluates active rules in ascending priority (ties by id) and
// returns the chain of the first rule whose conditions all match.
//
// A rule pointing at a chain that is missing, inactive, or not applicable to
// the document type is passed over. When no rule matches, defaultChainID is
// used if set and usable; otherwise entity.ErrNoMatchingChain is returned.
func Select(doc entity.Document, chains []*entity.ApprovalChain, rules []*entity.RoutingRule, defaultChainID string) (Decision, error) {
	byID := make(map[string]*entity.ApprovalChain, len(chains))
	for _, c := range chains {
		if cur, ok := byID[c.ID]; !ok || c.Version > cur.Version {
			byID[c.ID] = c
		}
	}

	ordered := make([]*entity.RoutingRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	facts := doc.Facts()
	for _, rule := range ordered {
		if !entity.MatchAll(rule.Conditions, facts) {
			continue
		}
		if chain := usable(byID[rule.TargetChainID], doc.Type); chain != nil {
			return Decision{Chain: chain, Rule: rule}, nil
		}
	}

	if defaultChainID != "" {
		if chain := usable(byID[defaultChainID], doc.Type); chain != nil {
			return Decision{Chain: chain}, nil
		}
	}

	return Decision{}, fmt.Errorf("%w: document %s of type %q", entity.ErrNoMatchingChain, doc.ID, doc.Type)
}

func usable(chain *entity.ApprovalChain, documentType string) *entity.ApprovalChain {
	if chain == nil || !chain.IsActive || len(chain.Steps) == 0 {
		return nil
	}
	if !chain.AppliesTo(documentType) {
		return nil
	}
	return chain
}
