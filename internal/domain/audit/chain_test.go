package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/doc-approval/internal/domain/entity"
)

func buildChain(t *testing.T, n int) []entity.AuditLogEntry {
	t.Helper()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	prev := GenesisChecksum
	entries := make([]entity.AuditLogEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := Seal(entity.AuditLogEntry{
			Sequence:   int64(i + 1),
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Actor:      fmt.Sprintf("user-%d", i%3),
			Action:     entity.AuditVoteRecorded,
			DocumentID: "doc-1",
			RequestID:  "req-1",
			Details:    map[string]interface{}{"decision": "approve", "step": i % 2},
		}, prev)
		require.NoError(t, err)
		entries = append(entries, e)
		prev = e.ChainChecksum
	}
	return entries
}

func TestVerify_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 17} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			report := Verify(buildChain(t, n))
			assert.True(t, report.Valid)
			assert.Equal(t, -1, report.BrokenAt)
			assert.Len(t, report.Entries, n)
		})
	}
}

func TestVerify_MutatedChecksumTaintsSuffix(t *testing.T) {
	const n = 8
	for k := 0; k < n; k++ {
		t.Run(fmt.Sprintf("mutate=%d", k), func(t *testing.T) {
			entries := buildChain(t, n)
			entries[k].Checksum = "deadbeef" + entries[k].Checksum[8:]

			report := Verify(entries)
			assert.False(t, report.Valid)
			assert.Equal(t, k, report.BrokenAt)
			for i, res := range report.Entries {
				assert.Equal(t, i < k, res.Valid, "entry %d", i)
			}
		})
	}
}

func TestVerify_MutatedFieldDetected(t *testing.T) {
	entries := buildChain(t, 5)
	entries[2].Details = map[string]interface{}{"decision": "reject", "step": 0}

	report := Verify(entries)
	assert.False(t, report.Valid)
	assert.Equal(t, 2, report.BrokenAt)
	assert.Equal(t, "checksum mismatch", report.Entries[2].Reason)
}

func TestVerify_DeletionDetected(t *testing.T) {
	entries := buildChain(t, 5)
	entries = append(entries[:2], entries[3:]...)

	report := Verify(entries)
	assert.False(t, report.Valid)
	assert.Equal(t, 2, report.BrokenAt)
}

func TestVerify_ReorderDetected(t *testing.T) {
	entries := buildChain(t, 4)
	entries[1], entries[2] = entries[2], entries[1]

	report := Verify(entries)
	assert.False(t, report.Valid)
	assert.Equal(t, 1, report.BrokenAt)
}

func TestChecksum_IgnoresMapOrderAndZone(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 123, time.UTC)
	a := entity.AuditLogEntry{Sequence: 1, Timestamp: ts, Details: map[string]interface{}{"a": 1, "b": 2}}
	b := entity.AuditLogEntry{Sequence: 1, Timestamp: ts.In(time.FixedZone("X", 3600)), Details: map[string]interface{}{"b": 2, "a": 1}}

	ca, err := Checksum(a)
	require.NoError(t, err)
	cb, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestVerifyFrom_ContinuesTrustedTail(t *testing.T) {
	entries := buildChain(t, 6)
	report := VerifyFrom(entries[2].ChainChecksum, entries[3:])
	assert.True(t, report.Valid)

	report = VerifyFrom(GenesisChecksum, entries[3:])
	assert.False(t, report.Valid)
	assert.Equal(t, 0, report.BrokenAt)
}

func TestSeal_HashesStoredForm(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	raw := entity.AuditLogEntry{
		Sequence:  1,
		Timestamp: ts,
		Actor:     "bob",
		Action:    entity.AuditVoteRecorded,
		Details:   map[string]interface{}{"comments": "ok\xff", "step": 2},
	}

	sealed, err := Seal(raw, "")
	require.NoError(t, err)
	assert.Equal(t, "ok\uFFFD", sealed.Details["comments"])

	// what a JSON column hands back after a round-trip
	stored := sealed
	stored.Details, err = DecodeDetails([]byte(`{"comments":"ok\uFFFD","step":2}`))
	require.NoError(t, err)

	assert.True(t, Verify([]entity.AuditLogEntry{stored}).Valid)
	assert.Equal(t, "ok\xff", raw.Details["comments"], "caller's map is untouched")
}

func TestNormalize_KeepsNumbersExact(t *testing.T) {
	e, err := Normalize(entity.AuditLogEntry{
		Details: map[string]interface{}{"big": uint64(1<<63 + 7), "ratio": 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, "9223372036854775815", fmt.Sprint(e.Details["big"]))
	assert.Equal(t, "0.5", fmt.Sprint(e.Details["ratio"]))
}
