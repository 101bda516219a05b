// Package catalog loads approval chains, routing rules and approver
// attributes from a YAML file and applies them to the repositories.
package catalog

import (
	"context"
	"fmt"
	"os"
	"reflect"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/entity"
	"github.com/garyjia/doc-approval/pkg/utils"
)

// Catalog is the parsed content of a catalog file
type Catalog struct {
	DefaultChainID string                 `yaml:"default_chain_id"`
	Chains         []entity.ApprovalChain `yaml:"-"`
	Rules          []entity.RoutingRule   `yaml:"-"`

	// Weights feeds weighted consensus. Unlisted approvers weigh 1.
	Weights map[string]float64 `yaml:"weights"`

	// LarkIDs maps approver identities to Lark open ids.
	LarkIDs map[string]string `yaml:"lark_ids"`
}

type catalogFile struct {
	DefaultChainID string             `yaml:"default_chain_id"`
	Chains         []chainEntry       `yaml:"chains"`
	Rules          []ruleEntry        `yaml:"rules"`
	Weights        map[string]float64 `yaml:"weights"`
	LarkIDs        map[string]string  `yaml:"lark_ids"`
}

// chainEntry defaults is_active to true and version to 1
type chainEntry struct {
	entity.ApprovalChain
}

func (c *chainEntry) UnmarshalYAML(value *yaml.Node) error {
	chain := entity.ApprovalChain{IsActive: true, Version: 1}
	if err := value.Decode(&chain); err != nil {
		return err
	}
	c.ApprovalChain = chain
	return nil
}

// ruleEntry defaults is_active to true
type ruleEntry struct {
	entity.RoutingRule
}

func (r *ruleEntry) UnmarshalYAML(value *yaml.Node) error {
	rule := entity.RoutingRule{IsActive: true}
	if err := value.Decode(&rule); err != nil {
		return err
	}
	r.RoutingRule = rule
	return nil
}

// Load reads and validates a catalog file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{
		DefaultChainID: file.DefaultChainID,
		Weights:        file.Weights,
		LarkIDs:        file.LarkIDs,
	}
	for _, e := range file.Chains {
		c.Chains = append(c.Chains, e.ApprovalChain)
	}
	for _, e := range file.Rules {
		c.Rules = append(c.Rules, e.RoutingRule)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks chains, rules and cross references
func (c *Catalog) Validate() error {
	chains := make(map[string]bool, len(c.Chains))
	versions := make(map[string]bool, len(c.Chains))
	for i := range c.Chains {
		chain := &c.Chains[i]
		if err := chain.Validate(); err != nil {
			return fmt.Errorf("invalid catalog: %w", err)
		}
		if err := validateChainIdentifiers(chain); err != nil {
			return fmt.Errorf("invalid catalog: chain %s: %w", chain.ID, err)
		}
		key := fmt.Sprintf("%s@%d", chain.ID, chain.Version)
		if versions[key] {
			return fmt.Errorf("invalid catalog: chain %s version %d is defined twice", chain.ID, chain.Version)
		}
		versions[key] = true
		chains[chain.ID] = true
	}

	rules := make(map[string]bool, len(c.Rules))
	for i := range c.Rules {
		rule := &c.Rules[i]
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid catalog: %w", err)
		}
		if rules[rule.ID] {
			return fmt.Errorf("invalid catalog: rule %s is defined twice", rule.ID)
		}
		rules[rule.ID] = true
		if !chains[rule.TargetChainID] {
			return fmt.Errorf("invalid catalog: rule %s targets unknown chain %s", rule.ID, rule.TargetChainID)
		}
	}

	if c.DefaultChainID != "" && !chains[c.DefaultChainID] {
		return fmt.Errorf("invalid catalog: default chain %s is not defined", c.DefaultChainID)
	}

	for actor, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("invalid catalog: weight of %s is negative", actor)
		}
	}
	return nil
}

func validateChainIdentifiers(chain *entity.ApprovalChain) error {
	if err := utils.ValidateIdentifier("chain id", chain.ID); err != nil {
		return err
	}
	for _, step := range chain.Steps {
		if err := utils.ValidateIdentifiers("approver", step.Approvers); err != nil {
			return err
		}
		if err := utils.ValidateIdentifiers("escalation approver", step.EscalationChain); err != nil {
			return err
		}
	}
	return nil
}

// ApplyResult counts what Apply changed
type ApplyResult struct {
	ChainsSaved       int `json:"chains_saved"`
	ChainsDeactivated int `json:"chains_deactivated"`
	RulesSaved        int `json:"rules_saved"`
	RulesDeactivated  int `json:"rules_deactivated"`
}

// Loader upserts a catalog into the chain and rule repositories
type Loader struct {
	chains port.ChainRepository
	rules  port.RuleRepository
	tx     port.TransactionManager
	clock  clock.Clock
	logger *zap.Logger
}

// NewLoader creates a catalog loader
func NewLoader(chains port.ChainRepository, rules port.RuleRepository, tx port.TransactionManager, clk clock.Clock, logger *zap.Logger) *Loader {
	return &Loader{
		chains: chains,
		rules:  rules,
		tx:     tx,
		clock:  clk,
		logger: logger,
	}
}

// Apply stores every chain version and rule of the catalog in one
// transaction. Stored chains and rules the catalog no longer lists are
// deactivated, never deleted, so in-flight requests keep their chain.
func (l *Loader) Apply(ctx context.Context, c *Catalog) (ApplyResult, error) {
	var result ApplyResult
	err := l.tx.WithTransaction(ctx, func(ctx context.Context) error {
		result = ApplyResult{}
		now := l.clock.Now().UTC()

		listed := make(map[string]bool, len(c.Chains))
		for i := range c.Chains {
			chain := c.Chains[i]
			listed[chain.ID] = true

			existing, err := l.chains.GetVersion(ctx, chain.ID, chain.Version)
			if err != nil {
				return err
			}
			if existing != nil && sameChain(existing, &chain) {
				continue
			}

			chain.CreatedAt = now
			if existing != nil {
				chain.CreatedAt = existing.CreatedAt
			}
			chain.UpdatedAt = now
			if err := l.chains.Save(ctx, &chain); err != nil {
				return fmt.Errorf("failed to save chain %s version %d: %w", chain.ID, chain.Version, err)
			}
			result.ChainsSaved++
		}

		stored, err := l.chains.List(ctx)
		if err != nil {
			return err
		}
		for _, chain := range stored {
			if listed[chain.ID] || !chain.IsActive {
				continue
			}
			chain.IsActive = false
			chain.UpdatedAt = now
			if err := l.chains.Save(ctx, chain); err != nil {
				return fmt.Errorf("failed to deactivate chain %s: %w", chain.ID, err)
			}
			result.ChainsDeactivated++
		}

		kept := make(map[string]bool, len(c.Rules))
		for i := range c.Rules {
			rule := c.Rules[i]
			kept[rule.ID] = true
			rule.CreatedAt = now
			rule.UpdatedAt = now
			if err := l.rules.Save(ctx, &rule); err != nil {
				return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
			}
			result.RulesSaved++
		}

		active, err := l.rules.ListActive(ctx)
		if err != nil {
			return err
		}
		for _, rule := range active {
			if kept[rule.ID] {
				continue
			}
			rule.IsActive = false
			rule.UpdatedAt = now
			if err := l.rules.Save(ctx, rule); err != nil {
				return fmt.Errorf("failed to deactivate rule %s: %w", rule.ID, err)
			}
			result.RulesDeactivated++
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	l.logger.Info("Approval catalog applied",
		zap.Int("chains_saved", result.ChainsSaved),
		zap.Int("chains_deactivated", result.ChainsDeactivated),
		zap.Int("rules_saved", result.RulesSaved),
		zap.Int("rules_deactivated", result.RulesDeactivated))
	return result, nil
}

func sameChain(a, b *entity.ApprovalChain) bool {
	return a.Name == b.Name &&
		a.IsActive == b.IsActive &&
		reflect.DeepEqual(a.DocumentTypes, b.DocumentTypes) &&
		reflect.DeepEqual(a.Steps, b.Steps)
}
