package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/audit"
	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// ErrAuditWriterStopped is returned when appending while the writer is not running
var ErrAuditWriterStopped = errors.New("audit writer not running")

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 500
)

// PersistFunc stores the state change an audit batch describes.
// It runs inside the same transaction as the audit append.
type PersistFunc func(ctx context.Context) error

// AuditStatus is a snapshot of the audit writer for health checks
type AuditStatus struct {
	Running      bool   `json:"running"`
	Halted       bool   `json:"halted"`
	HaltReason   string `json:"halt_reason,omitempty"`
	LastSequence int64  `json:"last_sequence"`
	Appended     int64  `json:"appended"`
	QueueDepth   int    `json:"queue_depth"`
}

// AuditService is the only writer of the hash-chained audit log.
//
// All appends, verifications and resumes run on one goroutine, so the chain
// tail is read and extended in a strict total order.
type AuditService interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string

	// Append seals entries onto the chain and runs persist in the same
	// transaction. Nothing is written when persist fails.
	Append(ctx context.Context, entries []entity.AuditLogEntry, persist PersistFunc) ([]entity.AuditLogEntry, error)

	// Verify recomputes the whole chain. A broken chain halts writes.
	Verify(ctx context.Context) (audit.Report, error)

	// ResumeWrites re-verifies the stored chain and lifts a halt if it is intact.
	ResumeWrites(ctx context.Context, actor string) (audit.Report, error)

	List(ctx context.Context, limit, offset int) ([]*entity.AuditLogEntry, error)
	ForRequest(ctx context.Context, requestID string) ([]*entity.AuditLogEntry, error)
	Export(ctx context.Context, w io.Writer) (audit.Report, error)
	Status() AuditStatus
}

type auditJob struct {
	run  func()
	done chan struct{}
}

type auditServiceImpl struct {
	repo      port.AuditRepository
	txManager port.TransactionManager
	exporter  port.AuditExporter
	clock     clock.Clock
	logger    Logger

	jobs    chan auditJob
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// owned by the writer goroutine, mirrored under mu for Status
	halted     bool
	haltReason string
	lastSeq    int64
	lastChain  string
	appended   int64
}

// NewAuditService creates the audit writer. queueSize bounds pending jobs.
func NewAuditService(
	repo port.AuditRepository,
	txManager port.TransactionManager,
	exporter port.AuditExporter,
	clk clock.Clock,
	queueSize int,
	logger Logger,
) AuditService {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &auditServiceImpl{
		repo:      repo,
		txManager: txManager,
		exporter:  exporter,
		clock:     clk,
		logger:    logger,
		jobs:      make(chan auditJob, queueSize),
	}
}

// Name returns the worker name
func (s *auditServiceImpl) Name() string {
	return "AuditWriter"
}

// Start verifies the stored chain and launches the writer goroutine.
// A broken chain does not prevent start; it leaves writes halted.
func (s *auditServiceImpl) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("audit writer already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	report, err := s.verifyLocked(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("initial audit verification: %w", err)
	}
	s.logger.Info("Audit writer started",
		"entries", report.Checked,
		"valid", report.Valid,
		"last_sequence", s.lastSeq)

	go s.loop()
	return nil
}

// Stop drains nothing: queued jobs are abandoned with ErrAuditWriterStopped
func (s *auditServiceImpl) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("Audit writer stopped", "appended", s.Status().Appended)
	return nil
}

func (s *auditServiceImpl) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case job := <-s.jobs:
			job.run()
			close(job.done)
		}
	}
}

// submit runs fn on the writer goroutine and waits for it
func (s *auditServiceImpl) submit(ctx context.Context, fn func()) error {
	s.mu.RLock()
	running, stopCh, doneCh := s.running, s.stopCh, s.doneCh
	s.mu.RUnlock()
	if !running {
		return ErrAuditWriterStopped
	}

	job := auditJob{run: fn, done: make(chan struct{})}
	select {
	case s.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrAuditWriterStopped
	}

	// Once queued the job may commit, so wait for it regardless of ctx.
	select {
	case <-job.done:
		return nil
	case <-doneCh:
		select {
		case <-job.done:
			return nil
		default:
			return ErrAuditWriterStopped
		}
	}
}

// Append implements AuditService
func (s *auditServiceImpl) Append(ctx context.Context, entries []entity.AuditLogEntry, persist PersistFunc) ([]entity.AuditLogEntry, error) {
	var (
		sealed []entity.AuditLogEntry
		err    error
	)
	if subErr := s.submit(ctx, func() {
		sealed, err = s.appendLocked(context.WithoutCancel(ctx), entries, persist)
	}); subErr != nil {
		return nil, subErr
	}
	return sealed, err
}

func (s *auditServiceImpl) appendLocked(ctx context.Context, entries []entity.AuditLogEntry, persist PersistFunc) ([]entity.AuditLogEntry, error) {
	if s.halted {
		return nil, fmt.Errorf("%w: writes halted: %s", entity.ErrChainIntegrityViolation, s.haltReason)
	}

	var sealed []entity.AuditLogEntry
	seq, prev := s.lastSeq, s.lastChain

	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		tail, err := s.repo.Tail(txCtx)
		if err != nil {
			return fmt.Errorf("read audit tail: %w", err)
		}
		if reason := s.checkTail(tail); reason != "" {
			s.halt(reason)
			return fmt.Errorf("%w: %s", entity.ErrChainIntegrityViolation, reason)
		}

		sealed = make([]entity.AuditLogEntry, 0, len(entries))
		now := s.clock.Now().UTC()
		for _, e := range entries {
			seq++
			e.Sequence = seq
			if e.Timestamp.IsZero() {
				e.Timestamp = now
			}
			e.Timestamp = e.Timestamp.UTC()
			if e.Actor == "" {
				e.Actor = entity.SystemActor
			}

			out, err := audit.Seal(e, prev)
			if err != nil {
				return err
			}
			if err := s.repo.Append(txCtx, &out); err != nil {
				return fmt.Errorf("append audit entry: %w", err)
			}
			prev = out.ChainChecksum
			sealed = append(sealed, out)
		}

		if persist != nil {
			return persist(txCtx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSeq, s.lastChain = seq, prev
	s.appended += int64(len(sealed))
	s.mu.Unlock()
	return sealed, nil
}

// checkTail compares the stored tail with the one this writer last produced.
// Any difference means the log was changed outside the writer.
func (s *auditServiceImpl) checkTail(tail *entity.AuditLogEntry) string {
	if tail == nil {
		if s.lastSeq != 0 {
			return fmt.Sprintf("audit log truncated: expected tail sequence %d, found empty log", s.lastSeq)
		}
		return ""
	}
	if tail.Sequence != s.lastSeq || tail.ChainChecksum != s.lastChain {
		return fmt.Sprintf("audit tail moved: expected sequence %d, found %d", s.lastSeq, tail.Sequence)
	}
	if sum, err := audit.Checksum(*tail); err != nil || sum != tail.Checksum {
		return fmt.Sprintf("audit tail %d checksum mismatch", tail.Sequence)
	}
	return ""
}

func (s *auditServiceImpl) halt(reason string) {
	s.mu.Lock()
	already := s.halted
	s.halted = true
	s.haltReason = reason
	s.mu.Unlock()
	if !already {
		s.logger.Error("Audit chain integrity violation, writes halted", "reason", reason)
	}
}

// Verify implements AuditService
func (s *auditServiceImpl) Verify(ctx context.Context) (audit.Report, error) {
	var (
		report audit.Report
		err    error
	)
	if subErr := s.submit(ctx, func() {
		report, err = s.verifyLocked(ctx)
	}); subErr != nil {
		return audit.Report{}, subErr
	}
	return report, err
}

// verifyLocked reloads the chain, updates the cached tail and halts on a break.
func (s *auditServiceImpl) verifyLocked(ctx context.Context) (audit.Report, error) {
	stored, err := s.repo.ListAscending(ctx)
	if err != nil {
		return audit.Report{}, fmt.Errorf("load audit log: %w", err)
	}

	entries := make([]entity.AuditLogEntry, len(stored))
	for i, e := range stored {
		entries[i] = *e
	}
	report := audit.Verify(entries)

	if !report.Valid {
		s.halt(fmt.Sprintf("verification failed at index %d (sequence %d)", report.BrokenAt, entries[report.BrokenAt].Sequence))
		return report, nil
	}

	s.mu.Lock()
	if n := len(entries); n > 0 {
		s.lastSeq, s.lastChain = entries[n-1].Sequence, entries[n-1].ChainChecksum
	} else {
		s.lastSeq, s.lastChain = 0, audit.GenesisChecksum
	}
	s.mu.Unlock()
	return report, nil
}

// ResumeWrites implements AuditService
func (s *auditServiceImpl) ResumeWrites(ctx context.Context, actor string) (audit.Report, error) {
	var (
		report audit.Report
		err    error
	)
	if subErr := s.submit(ctx, func() {
		report, err = s.verifyLocked(ctx)
		if err != nil {
			return
		}
		if !report.Valid {
			err = fmt.Errorf("%w: chain still broken at index %d", entity.ErrChainIntegrityViolation, report.BrokenAt)
			return
		}

		s.mu.Lock()
		wasHalted := s.halted
		s.halted = false
		s.haltReason = ""
		s.mu.Unlock()
		if !wasHalted {
			return
		}

		_, err = s.appendLocked(ctx, []entity.AuditLogEntry{{
			Actor:   actor,
			Action:  entity.AuditWritesResumed,
			Details: map[string]interface{}{"verified_entries": report.Checked},
		}}, nil)
		if err == nil {
			s.logger.Info("Audit writes resumed", "actor", actor, "verified_entries", report.Checked)
		}
	}); subErr != nil {
		return audit.Report{}, subErr
	}
	return report, err
}

// List implements AuditService, newest first
func (s *auditServiceImpl) List(ctx context.Context, limit, offset int) ([]*entity.AuditLogEntry, error) {
	if limit <= 0 {
		limit = defaultAuditPageSize
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListRecent(ctx, limit, offset)
}

// ForRequest implements AuditService
func (s *auditServiceImpl) ForRequest(ctx context.Context, requestID string) ([]*entity.AuditLogEntry, error) {
	return s.repo.ListByRequest(ctx, requestID)
}

// Export writes the whole trail with per-entry verification results
func (s *auditServiceImpl) Export(ctx context.Context, w io.Writer) (audit.Report, error) {
	if s.exporter == nil {
		return audit.Report{}, fmt.Errorf("audit export not configured")
	}

	stored, err := s.repo.ListAscending(ctx)
	if err != nil {
		return audit.Report{}, fmt.Errorf("load audit log: %w", err)
	}
	entries := make([]entity.AuditLogEntry, len(stored))
	for i, e := range stored {
		entries[i] = *e
	}
	report := audit.Verify(entries)

	if err := s.exporter.Export(ctx, entries, report, w); err != nil {
		s.logger.Error("Failed to export audit log", "error", err)
		return report, fmt.Errorf("export audit log: %w", err)
	}
	return report, nil
}

// Status implements AuditService
func (s *auditServiceImpl) Status() AuditStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return AuditStatus{
		Running:      s.running,
		Halted:       s.halted,
		HaltReason:   s.haltReason,
		LastSequence: s.lastSeq,
		Appended:     s.appended,
		QueueDepth:   len(s.jobs),
	}
}

// auditEntry builds an unsealed entry for a request
func auditEntry(req *entity.ApprovalRequest, actor string, action entity.AuditAction, at time.Time, details map[string]interface{}) entity.AuditLogEntry {
	return entity.AuditLogEntry{
		Timestamp:  at,
		Actor:      actor,
		Action:     action,
		DocumentID: req.DocumentID,
		RequestID:  req.ID,
		Details:    details,
	}
}
