package entity

import "time"

// AuditAction names what an audit entry records.
type AuditAction string

const (
	AuditRequestRouted    AuditAction = "request.routed"
	AuditStepActivated    AuditAction = "step.activated"
	AuditStepSkipped      AuditAction = "step.skipped"
	AuditVoteRecorded     AuditAction = "vote.recorded"
	AuditConsensusReached AuditAction = "step.consensus_reached"
	AuditStepEscalated    AuditAction = "step.escalated"
	AuditAutoApproved     AuditAction = "step.auto_approved"
	AuditRequestFinalized AuditAction = "request.finalized"
	AuditWritesResumed    AuditAction = "audit.writes_resumed"
)

// AuditLogEntry is one append-only, hash-chained audit record.
// Sequence is assigned by the store and defines the global chain order.
type AuditLogEntry struct {
	Sequence      int64                  `json:"sequence"`
	Timestamp     time.Time              `json:"timestamp"`
	Actor         string                 `json:"actor"`
	Action        AuditAction            `json:"action"`
	DocumentID    string                 `json:"document_id,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Checksum      string                 `json:"checksum"`
	ChainChecksum string                 `json:"chain_checksum"`
}

// SystemActor is recorded for transitions nobody performed directly,
// such as timer escalations and auto-approvals.
const SystemActor = "system"
