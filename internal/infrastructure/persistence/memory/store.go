// Package memory holds an in-process implementation of the repository ports.
// It backs tests and the sqlite-less dev mode; it is not durable.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/entity"
)

type txKey struct{}

// Store keeps all approval data in maps guarded by one lock.
// WithTransaction serializes transactions and restores a snapshot on error.
type Store struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	requests map[string]*entity.ApprovalRequest
	chains   map[string]map[int]*entity.ApprovalChain
	rules    map[string]*entity.RoutingRule
	actions  []*entity.ApprovalAction
	audit    []*entity.AuditLogEntry
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		requests: make(map[string]*entity.ApprovalRequest),
		chains:   make(map[string]map[int]*entity.ApprovalChain),
		rules:    make(map[string]*entity.RoutingRule),
	}
}

type snapshot struct {
	requests map[string]*entity.ApprovalRequest
	chains   map[string]map[int]*entity.ApprovalChain
	rules    map[string]*entity.RoutingRule
	actions  []*entity.ApprovalAction
	audit    []*entity.AuditLogEntry
}

// WithTransaction implements port.TransactionManager
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Stored values are never mutated in place, so copying the containers is enough.
func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{
		requests: make(map[string]*entity.ApprovalRequest, len(s.requests)),
		chains:   make(map[string]map[int]*entity.ApprovalChain, len(s.chains)),
		rules:    make(map[string]*entity.RoutingRule, len(s.rules)),
		actions:  append([]*entity.ApprovalAction(nil), s.actions...),
		audit:    append([]*entity.AuditLogEntry(nil), s.audit...),
	}
	for k, v := range s.requests {
		snap.requests[k] = v
	}
	for id, versions := range s.chains {
		cp := make(map[int]*entity.ApprovalChain, len(versions))
		for v, c := range versions {
			cp[v] = c
		}
		snap.chains[id] = cp
	}
	for k, v := range s.rules {
		snap.rules[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = snap.requests
	s.chains = snap.chains
	s.rules = snap.rules
	s.actions = snap.actions
	s.audit = snap.audit
}

// Requests returns the request repository view
func (s *Store) Requests() port.RequestRepository { return (*requestRepo)(s) }

// Chains returns the chain repository view
func (s *Store) Chains() port.ChainRepository { return (*chainRepo)(s) }

// Rules returns the rule repository view
func (s *Store) Rules() port.RuleRepository { return (*ruleRepo)(s) }

// Actions returns the action repository view
func (s *Store) Actions() port.ActionRepository { return (*actionRepo)(s) }

// Audit returns the audit repository view
func (s *Store) Audit() port.AuditRepository { return (*auditRepo)(s) }

// TamperAudit rewrites a stored audit entry in place, bypassing the
// append-only contract. Tests use it to simulate storage corruption.
func (s *Store) TamperAudit(sequence int64, fn func(e *entity.AuditLogEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.audit {
		if e.Sequence == sequence {
			cp := *e
			fn(&cp)
			s.audit[i] = &cp
			return true
		}
	}
	return false
}

type requestRepo Store

func (r *requestRepo) Create(ctx context.Context, req *entity.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.requests[req.ID]; ok {
		return fmt.Errorf("approval request %s already exists", req.ID)
	}
	if !req.Status.IsTerminal() {
		for _, existing := range r.requests {
			if existing.DocumentID == req.DocumentID && !existing.Status.IsTerminal() {
				return fmt.Errorf("%w: %s", entity.ErrActiveRequestExists, req.DocumentID)
			}
		}
	}
	r.requests[req.ID] = req.Clone()
	return nil
}

func (r *requestRepo) Update(ctx context.Context, req *entity.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.requests[req.ID]; !ok {
		return fmt.Errorf("%w: %s", entity.ErrRequestNotFound, req.ID)
	}
	r.requests[req.ID] = req.Clone()
	return nil
}

func (r *requestRepo) GetByID(ctx context.Context, id string) (*entity.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if req, ok := r.requests[id]; ok {
		return req.Clone(), nil
	}
	return nil, nil
}

func (r *requestRepo) GetActiveByDocument(ctx context.Context, documentID string) (*entity.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, req := range r.requests {
		if req.DocumentID == documentID && !req.Status.IsTerminal() {
			return req.Clone(), nil
		}
	}
	return nil, nil
}

func (r *requestRepo) ListAssignedTo(ctx context.Context, actor string) ([]*entity.ApprovalRequest, error) {
	return r.filter(func(req *entity.ApprovalRequest) bool {
		return !req.Status.IsTerminal() && req.IsAssigned(actor)
	}, func(a, b *entity.ApprovalRequest) bool {
		if !a.Deadline.Equal(b.Deadline) {
			return a.Deadline.Before(b.Deadline)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

func (r *requestRepo) ListActive(ctx context.Context) ([]*entity.ApprovalRequest, error) {
	return r.filter(func(req *entity.ApprovalRequest) bool {
		return !req.Status.IsTerminal()
	}, func(a, b *entity.ApprovalRequest) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

func (r *requestRepo) filter(keep func(*entity.ApprovalRequest) bool, less func(a, b *entity.ApprovalRequest) bool) []*entity.ApprovalRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entity.ApprovalRequest
	for _, req := range r.requests {
		if keep(req) {
			out = append(out, req.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type chainRepo Store

func (r *chainRepo) Save(ctx context.Context, chain *entity.ApprovalChain) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := cloneChain(chain)
	if cp.Version == 0 {
		cp.Version = 1
		chain.Version = 1
	}
	if existing, ok := r.chains[cp.ID][cp.Version]; ok && !reflect.DeepEqual(existing.Steps, cp.Steps) {
		for _, req := range r.requests {
			if req.ChainID == cp.ID && req.ChainVersion == cp.Version {
				return fmt.Errorf("chain %s version %d is referenced by requests; save a new version", cp.ID, cp.Version)
			}
		}
	}
	if r.chains[cp.ID] == nil {
		r.chains[cp.ID] = make(map[int]*entity.ApprovalChain)
	}
	r.chains[cp.ID][cp.Version] = cp
	return nil
}

func (r *chainRepo) GetByID(ctx context.Context, id string) (*entity.ApprovalChain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *entity.ApprovalChain
	for _, c := range r.chains[id] {
		if latest == nil || c.Version > latest.Version {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneChain(latest), nil
}

func (r *chainRepo) GetVersion(ctx context.Context, id string, version int) (*entity.ApprovalChain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.chains[id][version]; ok {
		return cloneChain(c), nil
	}
	return nil, nil
}

func (r *chainRepo) List(ctx context.Context) ([]*entity.ApprovalChain, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*entity.ApprovalChain, 0, len(ids))
	for _, id := range ids {
		c, _ := r.GetByID(ctx, id)
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func cloneChain(c *entity.ApprovalChain) *entity.ApprovalChain {
	cp := *c
	cp.DocumentTypes = append([]string(nil), c.DocumentTypes...)
	cp.Steps = append([]entity.ApprovalStep(nil), c.Steps...)
	return &cp
}

type ruleRepo Store

func (r *ruleRepo) Save(ctx context.Context, rule *entity.RoutingRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *rule
	cp.Conditions = append([]entity.Condition(nil), rule.Conditions...)
	r.rules[rule.ID] = &cp
	return nil
}

func (r *ruleRepo) ListActive(ctx context.Context) ([]*entity.RoutingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entity.RoutingRule
	for _, rule := range r.rules {
		if rule.IsActive {
			cp := *rule
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type actionRepo Store

func (r *actionRepo) Create(ctx context.Context, action *entity.ApprovalAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *action
	r.actions = append(r.actions, &cp)
	return nil
}

func (r *actionRepo) ListByRequest(ctx context.Context, requestID string) ([]*entity.ApprovalAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entity.ApprovalAction
	for _, a := range r.actions {
		if a.RequestID == requestID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type auditRepo Store

func (r *auditRepo) Append(ctx context.Context, entry *entity.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var last int64
	if n := len(r.audit); n > 0 {
		last = r.audit[n-1].Sequence
	}
	if entry.Sequence == 0 {
		entry.Sequence = last + 1
	}
	if entry.Sequence <= last {
		return fmt.Errorf("audit sequence %d is not after %d", entry.Sequence, last)
	}
	cp := *entry
	r.audit = append(r.audit, &cp)
	return nil
}

func (r *auditRepo) Tail(ctx context.Context) (*entity.AuditLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n := len(r.audit); n > 0 {
		cp := *r.audit[n-1]
		return &cp, nil
	}
	return nil, nil
}

func (r *auditRepo) ListAscending(ctx context.Context) ([]*entity.AuditLogEntry, error) {
	return r.collect(func(*entity.AuditLogEntry) bool { return true }), nil
}

func (r *auditRepo) ListRecent(ctx context.Context, limit, offset int) ([]*entity.AuditLogEntry, error) {
	all := r.collect(func(*entity.AuditLogEntry) bool { return true })
	var out []*entity.AuditLogEntry
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (r *auditRepo) ListByRequest(ctx context.Context, requestID string) ([]*entity.AuditLogEntry, error) {
	out := r.collect(func(e *entity.AuditLogEntry) bool { return e.RequestID == requestID })
	slices.Reverse(out)
	return out, nil
}

func (r *auditRepo) collect(keep func(*entity.AuditLogEntry) bool) []*entity.AuditLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entity.AuditLogEntry
	for _, e := range r.audit {
		if keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

var (
	_ port.TransactionManager = (*Store)(nil)
	_ port.RequestRepository  = (*requestRepo)(nil)
	_ port.ChainRepository    = (*chainRepo)(nil)
	_ port.RuleRepository     = (*ruleRepo)(nil)
	_ port.ActionRepository   = (*actionRepo)(nil)
	_ port.AuditRepository    = (*auditRepo)(nil)
)
