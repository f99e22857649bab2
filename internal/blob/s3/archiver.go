package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// OrderArchiveStore lists settled orders last updated before a cutoff.
type OrderArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Order, error)
}

// PositionArchiveStore lists positions closed before a cutoff.
type PositionArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// RiskAlertArchiveStore lists risk alerts raised before a cutoff.
type RiskAlertArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.RiskAlert, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for old
// records, serializing them to JSONL, and uploading the result to S3.
//
// Archived rows are not deleted from Postgres here; pruning is a separate step
// run after the archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	orders    OrderArchiveStore
	positions PositionArchiveStore
	alerts    RiskAlertArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	orders OrderArchiveStore,
	positions PositionArchiveStore,
	alerts RiskAlertArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		orders:    orders,
		positions: positions,
		alerts:    alerts,
		audit:     audit,
	}
}

// ArchiveOrders uploads every settled order last updated before the cutoff to
// archive/orders/YYYY-MM.jsonl and returns the number archived.
func (a *ArchiveImpl) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.orders.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	return archive(ctx, a, "orders", before, orders)
}

// ArchivePositions uploads every position closed before the cutoff to
// archive/positions/YYYY-MM.jsonl and returns the number archived.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	return archive(ctx, a, "positions", before, positions)
}

// ArchiveRiskAlerts uploads every risk alert raised before the cutoff to
// archive/risk_alerts/YYYY-MM.jsonl and returns the number archived.
func (a *ArchiveImpl) ArchiveRiskAlerts(ctx context.Context, before time.Time) (int64, error) {
	alerts, err := a.alerts.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive risk alerts query: %w", err)
	}
	return archive(ctx, a, "risk_alerts", before, alerts)
}

// archive writes records as one JSONL object and records the upload in the
// audit log.
func archive[T any](ctx context.Context, a *ArchiveImpl, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if a.audit == nil {
		return count, nil
	}
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/orders/2025-01.jsonl
//	archive/positions/2025-01.jsonl
//	archive/risk_alerts/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
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
