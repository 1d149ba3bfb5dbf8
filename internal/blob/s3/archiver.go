package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kweston/loopvault/internal/domain"
)

// RiskEventArchiveStore is the slice of the risk event store the archiver
// needs: querying and purging resolved history.
type RiskEventArchiveStore interface {
	ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.RiskEvent, error)
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for records
// older than a cutoff, serializing them to JSONL, uploading the result to
// object storage, and then deleting the archived rows. Deletion happens only
// after the upload has succeeded, so a failed upload leaves the rows in
// place for the next run.
type ArchiveImpl struct {
	writer domain.BlobWriter
	events RiskEventArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl. The audit store doubles as an
// archive source and as the log for archive runs themselves.
func NewArchiver(writer domain.BlobWriter, events RiskEventArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		events: events,
		audit:  audit,
	}
}

// riskEventRecord is the JSONL shape for archived risk events. Health
// factors travel as WAD decimal strings.
type riskEventRecord struct {
	ID           string     `json:"id"`
	PositionID   string     `json:"position_id"`
	Level        string     `json:"level"`
	PrevLevel    string     `json:"prev_level"`
	HealthFactor string     `json:"health_factor"`
	Action       string     `json:"action"`
	UnwindPct    int        `json:"unwind_pct,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// auditRecord is the JSONL shape for archived audit entries.
type auditRecord struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArchiveRiskEvents moves resolved risk events older than the cutoff to
// object storage at archive/risk_events/YYYY-MM.jsonl and deletes them from
// the store. It returns the number of archived events.
func (a *ArchiveImpl) ArchiveRiskEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListResolvedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive risk events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	records := make([]riskEventRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, riskEventRecord{
			ID:           ev.ID,
			PositionID:   ev.PositionID,
			Level:        string(ev.Level),
			PrevLevel:    string(ev.PrevLevel),
			HealthFactor: ev.HealthFactor.String(),
			Action:       string(ev.Action),
			UnwindPct:    ev.UnwindPct,
			Detail:       ev.Detail,
			CreatedAt:    ev.CreatedAt,
			ResolvedAt:   ev.ResolvedAt,
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive risk events marshal: %w", err)
	}

	path := archivePath("risk_events", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive risk events upload: %w", err)
	}

	if _, err := a.events.DeleteResolvedBefore(ctx, before); err != nil {
		return 0, fmt.Errorf("s3blob: archive risk events purge: %w", err)
	}

	count := int64(len(events))

	if err := a.audit.Log(ctx, "archive.risk_events", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive risk events audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit moves audit entries older than the cutoff to object storage
// at archive/audit/YYYY-MM.jsonl and deletes them from the store. The run is
// recorded as a fresh audit entry after the purge, so the record of the
// archive survives it. It returns the number of archived entries.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	records := make([]auditRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, auditRecord{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	if _, err := a.audit.DeleteBefore(ctx, before); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit purge: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/risk_events/2025-07.jsonl
//	archive/audit/2025-07.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
