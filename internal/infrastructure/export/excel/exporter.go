package excel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/application/port"
	"github.com/garyjia/doc-approval/internal/domain/audit"
	"github.com/garyjia/doc-approval/internal/domain/entity"
)

const (
	trailSheet   = "Audit Trail"
	summarySheet = "Verification"
)

var trailHeader = []string{
	"Sequence", "Timestamp", "Actor", "Action", "Document", "Request",
	"Details", "Checksum", "Chain Checksum", "Valid", "Reason",
}

// AuditExporter renders the audit trail as an xlsx workbook with a
// verification column per entry and a summary sheet.
type AuditExporter struct {
	logger *zap.Logger
}

// NewAuditExporter creates a new spreadsheet exporter
func NewAuditExporter(logger *zap.Logger) *AuditExporter {
	return &AuditExporter{logger: logger}
}

// Export implements port.AuditExporter
func (e *AuditExporter) Export(ctx context.Context, entries []entity.AuditLogEntry, report audit.Report, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", trailSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	invalidStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "#C00000"},
	})
	if err != nil {
		return fmt.Errorf("failed to create invalid style: %w", err)
	}

	for i, title := range trailHeader {
		e.setCell(f, trailSheet, cellName(i+1, 1), title)
	}
	lastHeader := cellName(len(trailHeader), 1)
	if err := f.SetCellStyle(trailSheet, "A1", lastHeader, headerStyle); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	results := make(map[int64]audit.EntryResult, len(report.Entries))
	for _, r := range report.Entries {
		results[r.Sequence] = r
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := i + 2
		res, verified := results[entry.Sequence]

		details := ""
		if len(entry.Details) > 0 {
			raw, err := json.Marshal(entry.Details)
			if err != nil {
				return fmt.Errorf("failed to encode details of entry %d: %w", entry.Sequence, err)
			}
			details = string(raw)
		}

		values := []interface{}{
			entry.Sequence,
			entry.Timestamp.UTC().Format(time.RFC3339Nano),
			entry.Actor,
			string(entry.Action),
			entry.DocumentID,
			entry.RequestID,
			details,
			entry.Checksum,
			entry.ChainChecksum,
			verified && res.Valid,
			res.Reason,
		}
		if !verified {
			values[10] = "not verified"
		}
		for col, v := range values {
			e.setCell(f, trailSheet, cellName(col+1, row), v)
		}

		if !verified || !res.Valid {
			if err := f.SetCellStyle(trailSheet, cellName(1, row), cellName(len(trailHeader), row), invalidStyle); err != nil {
				return fmt.Errorf("failed to style row %d: %w", row, err)
			}
		}
	}

	brokenAt := ""
	if report.BrokenAt >= 0 && report.BrokenAt < len(report.Entries) {
		brokenAt = fmt.Sprintf("%d", report.Entries[report.BrokenAt].Sequence)
	}
	summary := [][]interface{}{
		{"Valid", report.Valid},
		{"Entries checked", report.Checked},
		{"First broken sequence", brokenAt},
	}
	for i, line := range summary {
		e.setCell(f, summarySheet, cellName(1, i+1), line[0])
		e.setCell(f, summarySheet, cellName(2, i+1), line[1])
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	e.logger.Info("Audit trail exported",
		zap.Int("entries", len(entries)),
		zap.Bool("valid", report.Valid))
	return nil
}

// setCell sets a cell value, logging instead of failing the export
func (e *AuditExporter) setCell(f *excelize.File, sheet, cell string, value interface{}) {
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		e.logger.Warn("Failed to set cell value",
			zap.String("sheet", sheet),
			zap.String("cell", cell),
			zap.Error(err))
	}
}

func cellName(col, row int) string {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return "A1"
	}
	return name
}

var _ port.AuditExporter = (*AuditExporter)(nil)
