// Package audit computes and verifies the hash chain over audit log entries.
//
// Each entry carries a checksum over its own canonical fields and a chain
// checksum binding it to every entry before it:
//
//	checksum      = sha256(canonical(entry))
//	chainChecksum = sha256(checksum || previous.chainChecksum)
//
// The first entry links to GenesisChecksum.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// GenesisChecksum is the chain checksum the first entry links to.
const GenesisChecksum = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalEntry fixes field order and time format for hashing.
// encoding/json sorts map keys, so Details hashes deterministically.
type canonicalEntry struct {
	Sequence   int64                  `json:"sequence"`
	Timestamp  string                 `json:"timestamp"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	DocumentID string                 `json:"document_id"`
	RequestID  string                 `json:"request_id"`
	Details    map[string]interface{} `json:"details"`
}

// Normalize returns the entry in the form a store hands it back: strings
// are valid UTF-8 and Details holds plain JSON values with numbers as
// json.Number. Hashing the normalized form keeps a checksum stable across a
// round-trip through a JSON column.
func Normalize(e entity.AuditLogEntry) (entity.AuditLogEntry, error) {
	e.Actor = strings.ToValidUTF8(e.Actor, "\uFFFD")
	e.DocumentID = strings.ToValidUTF8(e.DocumentID, "\uFFFD")
	e.RequestID = strings.ToValidUTF8(e.RequestID, "\uFFFD")
	e.Action = entity.AuditAction(strings.ToValidUTF8(string(e.Action), "\uFFFD"))
	if e.Details == nil {
		return e, nil
	}

	raw, err := json.Marshal(e.Details)
	if err != nil {
		return entity.AuditLogEntry{}, fmt.Errorf("failed to encode audit details: %w", err)
	}
	details, err := DecodeDetails(raw)
	if err != nil {
		return entity.AuditLogEntry{}, err
	}
	e.Details = details
	return e, nil
}

// DecodeDetails parses stored audit details, keeping numbers exact
func DecodeDetails(raw []byte) (map[string]interface{}, error) {
	var details map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&details); err != nil {
		return nil, fmt.Errorf("failed to decode audit details: %w", err)
	}
	return details, nil
}

// Canonicalize returns the byte form of the entry's own fields.
func Canonicalize(e entity.AuditLogEntry) ([]byte, error) {
	e, err := Normalize(e)
	if err != nil {
		return nil, err
	}
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	b, err := json.Marshal(canonicalEntry{
		Sequence:   e.Sequence,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:      e.Actor,
		Action:     string(e.Action),
		DocumentID: e.DocumentID,
		RequestID:  e.RequestID,
		Details:    details,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}
	return b, nil
}

// Checksum hashes the entry's own fields.
func Checksum(e entity.AuditLogEntry) (string, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ChainChecksum links checksum to the previous chain checksum.
func ChainChecksum(checksum, previous string) string {
	sum := sha256.Sum256([]byte(checksum + previous))
	return hex.EncodeToString(sum[:])
}

// Seal normalizes the entry and fills Checksum and ChainChecksum for an
// entry appended after previous. Sequence and Timestamp must already be set.
func Seal(e entity.AuditLogEntry, previous string) (entity.AuditLogEntry, error) {
	if previous == "" {
		previous = GenesisChecksum
	}
	e, err := Normalize(e)
	if err != nil {
		return entity.AuditLogEntry{}, err
	}
	cs, err := Checksum(e)
	if err != nil {
		return entity.AuditLogEntry{}, err
	}
	e.Checksum = cs
	e.ChainChecksum = ChainChecksum(cs, previous)
	return e, nil
}

// EntryResult is the verification outcome of one entry.
type EntryResult struct {
	Sequence int64  `json:"sequence"`
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason,omitempty"`
}

// Report is the outcome of verifying a sequence of entries.
type Report struct {
	Valid    bool          `json:"valid"`
	Checked  int           `json:"checked"`
	BrokenAt int           `json:"broken_at"`
	Entries  []EntryResult `json:"entries"`
}

// Verify recomputes the chain from the first entry. Once an entry fails,
// it and every later entry are reported invalid; entries strictly before
// the first failure are reported valid.
func Verify(entries []entity.AuditLogEntry) Report {
	return VerifyFrom(GenesisChecksum, entries)
}

// VerifyFrom verifies entries that follow an already trusted chain checksum.
func VerifyFrom(previous string, entries []entity.AuditLogEntry) Report {
	report := Report{
		Valid:    true,
		Checked:  len(entries),
		BrokenAt: -1,
		Entries:  make([]EntryResult, 0, len(entries)),
	}

	for i, e := range entries {
		res := EntryResult{Sequence: e.Sequence, Valid: true}

		if !report.Valid {
			res.Valid = false
			res.Reason = fmt.Sprintf("follows broken entry %d", entries[report.BrokenAt].Sequence)
		} else if reason := check(e, previous); reason != "" {
			res.Valid = false
			res.Reason = reason
			report.Valid = false
			report.BrokenAt = i
		}

		report.Entries = append(report.Entries, res)
		previous = e.ChainChecksum
	}

	return report
}

func check(e entity.AuditLogEntry, previous string) string {
	cs, err := Checksum(e)
	if err != nil {
		return err.Error()
	}
	if cs != e.Checksum {
		return "checksum mismatch"
	}
	if ChainChecksum(e.Checksum, previous) != e.ChainChecksum {
		return "chain checksum mismatch"
	}
	return ""
}
