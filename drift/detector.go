// Package drift keeps the index aligned with the current chunking schema
// and embedding model: it detects documents whose index has drifted or
// gone stale and schedules them for rebuilding.
package drift

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docquery_back/ingest"
)

// Reindex priorities. Version mismatches outrank manual requests, which
// outrank plain TTL staleness.
const (
	PriorityMismatch = 10
	PriorityManual   = 8
	PriorityStale    = 5
)

// DefaultStaleTTL is how long a complete document's index stays fresh
// without a rebuild.
const DefaultStaleTTL = 30 * 24 * time.Hour

// Detector scans complete documents for index drift.
type Detector struct {
	db            *gorm.DB
	staleTTL      time.Duration
	modelVersion  string
	schemaVersion string
}

// NewDetector builds a detector that compares stored documents against the
// currently configured embedding model and chunking schema. The stale TTL
// comes from DRIFT_STALE_TTL_DAYS when set.
func NewDetector(db *gorm.DB, modelVersion string) (*Detector, error) {
	if db == nil {
		return nil, errors.New("drift: database connection is required")
	}
	if strings.TrimSpace(modelVersion) == "" {
		return nil, errors.New("drift: embedding model version is required")
	}

	staleTTL := DefaultStaleTTL
	if raw := strings.TrimSpace(os.Getenv("DRIFT_STALE_TTL_DAYS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			staleTTL = time.Duration(parsed) * 24 * time.Hour
		}
	}

	return &Detector{
		db:            db,
		staleTTL:      staleTTL,
		modelVersion:  modelVersion,
		schemaVersion: ingest.ChunkingSchemaVersion,
	}, nil
}

// Scan walks complete documents and enqueues every drifted one. It returns
// how many entries were newly enqueued; documents already queued are left
// alone apart from a possible priority upgrade, so repeated scans never
// duplicate work.
func (d *Detector) Scan(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-d.staleTTL)

	var docs []ingest.Document
	err := d.db.WithContext(ctx).
		Where("status = ?", ingest.StatusComplete).
		Where(
			d.db.Where("chunking_schema_version <> ?", d.schemaVersion).
				Or("embedding_model_version <> ?", d.modelVersion).
				Or("last_indexed_at IS NULL").
				Or("last_indexed_at < ?", cutoff),
		).
		Order("document_id").
		Find(&docs).Error
	if err != nil {
		return 0, fmt.Errorf("drift: scan documents: %w", err)
	}

	enqueued := 0
	for _, doc := range docs {
		reason := d.classify(doc, cutoff)
		if reason == "" {
			continue
		}
		created, err := d.enqueue(ctx, doc.TenantID, doc.DocumentID, reason)
		if err != nil {
			return enqueued, err
		}
		if created {
			enqueued++
		}
	}
	return enqueued, nil
}

func (d *Detector) classify(doc ingest.Document, cutoff time.Time) string {
	if doc.ChunkingSchemaVersion != d.schemaVersion {
		return ingest.ReasonSchemaMismatch
	}
	if doc.EmbeddingModelVersion != d.modelVersion {
		return ingest.ReasonModelMismatch
	}
	if doc.LastIndexedAt == nil || doc.LastIndexedAt.Before(cutoff) {
		return ingest.ReasonStaleTTL
	}
	return ""
}

// EnqueueManual schedules a tenant-requested rebuild. The document must
// exist and belong to the tenant.
func (d *Detector) EnqueueManual(ctx context.Context, tenantID, documentID string) error {
	var doc ingest.Document
	if err := d.db.WithContext(ctx).
		Where("document_id = ? AND tenant_id = ?", documentID, tenantID).
		Take(&doc).Error; err != nil {
		return err
	}
	_, err := d.enqueue(ctx, tenantID, documentID, ingest.ReasonManual)
	return err
}

// enqueue inserts a reindex entry, or upgrades the existing entry's reason
// and priority when the new detection is more urgent. The primary key on
// document_id guarantees at most one live entry per document.
func (d *Detector) enqueue(ctx context.Context, tenantID, documentID, reason string) (bool, error) {
	entry := ingest.ReindexEntry{
		DocumentID: documentID,
		TenantID:   tenantID,
		Reason:     reason,
		Priority:   PriorityFor(reason),
		EnqueuedAt: time.Now().UTC(),
	}

	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoNothing: true,
		}).
		Create(&entry)
	if result.Error != nil {
		return false, fmt.Errorf("drift: enqueue document %s: %w", documentID, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// Already queued: upgrade in place when this detection outranks it.
	err := d.db.WithContext(ctx).Model(&ingest.ReindexEntry{}).
		Where("document_id = ? AND priority < ?", documentID, entry.Priority).
		Updates(map[string]any{"reason": reason, "priority": entry.Priority}).Error
	if err != nil {
		return false, fmt.Errorf("drift: upgrade queue entry %s: %w", documentID, err)
	}
	return false, nil
}

// PriorityFor maps a reindex reason to its queue priority.
func PriorityFor(reason string) int {
	switch reason {
	case ingest.ReasonSchemaMismatch, ingest.ReasonModelMismatch:
		return PriorityMismatch
	case ingest.ReasonManual:
		return PriorityManual
	default:
		return PriorityStale
	}
}
