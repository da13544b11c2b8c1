package drift

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"docquery_back/fault"
	"docquery_back/ingest"
)

// DefaultMaxAttempts caps how often a queued document is retried before it
// is parked for manual inspection.
const DefaultMaxAttempts = 5

// Reindexer drains the reindex queue by replaying documents through the
// ingestion pipeline.
type Reindexer struct {
	db          *gorm.DB
	worker      *ingest.Worker
	defaults    ingest.ChunkConfig
	maxAttempts int
}

// NewReindexer builds a reindexer on top of the ingestion worker. The
// attempt cap comes from DRIFT_MAX_ATTEMPTS when set.
func NewReindexer(db *gorm.DB, worker *ingest.Worker, defaults ingest.ChunkConfig) (*Reindexer, error) {
	if db == nil {
		return nil, errors.New("drift: database connection is required")
	}
	if worker == nil {
		return nil, errors.New("drift: ingestion worker is required")
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	maxAttempts := DefaultMaxAttempts
	if raw := strings.TrimSpace(os.Getenv("DRIFT_MAX_ATTEMPTS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxAttempts = parsed
		}
	}

	return &Reindexer{db: db, worker: worker, defaults: defaults, maxAttempts: maxAttempts}, nil
}

// ReportEntry describes what happened (or would happen) to one queued
// document.
type ReportEntry struct {
	DocumentID string `json:"document_id"`
	TenantID   string `json:"tenant_id"`
	Reason     string `json:"reason"`
	Priority   int    `json:"priority"`
	Attempts   int    `json:"attempts"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// Report summarizes one queue-draining run.
type Report struct {
	DryRun    bool          `json:"dry_run"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Entries   []ReportEntry `json:"entries"`
}

// Run drains up to limit queued documents in priority order. A dry run
// reports what would be rebuilt without touching anything. Entries that
// exhausted their attempts are skipped; a vanished document clears its
// entry.
func (r *Reindexer) Run(ctx context.Context, limit int, dryRun bool) (Report, error) {
	if limit <= 0 {
		limit = 10
	}
	report := Report{DryRun: dryRun}

	var entries []ingest.ReindexEntry
	err := r.db.WithContext(ctx).
		Where("attempts < ?", r.maxAttempts).
		Order("priority DESC, enqueued_at ASC, document_id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return report, fmt.Errorf("drift: load reindex queue: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		item := ReportEntry{
			DocumentID: entry.DocumentID,
			TenantID:   entry.TenantID,
			Reason:     entry.Reason,
			Priority:   entry.Priority,
			Attempts:   entry.Attempts,
		}
		if dryRun {
			item.Outcome = "would_reindex"
			report.Entries = append(report.Entries, item)
			continue
		}

		report.Processed++
		outcome, runErr := r.process(ctx, entry)
		item.Outcome = outcome
		if runErr != nil {
			item.Error = runErr.Error()
			report.Failed++
		} else {
			report.Succeeded++
		}
		report.Entries = append(report.Entries, item)
	}
	return report, nil
}

// process replays one queued document. Success and permanent failures both
// clear the entry (the document row records a permanent failure); transient
// failures bump the attempt counter so the next run retries.
func (r *Reindexer) process(ctx context.Context, entry ingest.ReindexEntry) (string, error) {
	var doc ingest.Document
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND tenant_id = ?", entry.DocumentID, entry.TenantID).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		r.clear(ctx, entry.DocumentID)
		return "document_missing", nil
	}
	if err != nil {
		return "load_failed", r.recordFailure(ctx, entry, err)
	}

	job := ingest.Job{
		Version:     ingest.JobSchemaVersion,
		RequestID:   uuid.NewString(),
		TenantID:    doc.TenantID,
		DocumentID:  doc.DocumentID,
		Filename:    doc.Filename,
		SourceURI:   doc.SourceURI,
		ContentType: doc.ContentType,
		ChunkConfig: r.defaults,
		SubmittedAt: time.Now().UTC(),
		Attributes:  map[string]string{"source": "reindex", "reason": entry.Reason},
	}

	if err := r.worker.Process(ctx, job); err != nil {
		if fault.IsPermanent(err) || errors.Is(err, fault.ErrConsistency) {
			// Terminal: the document row carries the failure state.
			log.Printf("drift: reindex of document %s failed permanently: %v", entry.DocumentID, err)
			r.clear(ctx, entry.DocumentID)
			return "failed_permanent", err
		}
		return "retry_scheduled", r.recordFailure(ctx, entry, err)
	}

	r.clear(ctx, entry.DocumentID)
	log.Printf("drift: document %s reindexed (%s)", entry.DocumentID, entry.Reason)
	return "reindexed", nil
}

func (r *Reindexer) clear(ctx context.Context, documentID string) {
	if err := r.db.WithContext(ctx).
		Delete(&ingest.ReindexEntry{}, "document_id = ?", documentID).Error; err != nil {
		log.Printf("drift: clear queue entry %s failed: %v", documentID, err)
	}
}

func (r *Reindexer) recordFailure(ctx context.Context, entry ingest.ReindexEntry, cause error) error {
	message := cause.Error()
	if len(message) > 512 {
		message = message[:512]
	}
	err := r.db.WithContext(ctx).Model(&ingest.ReindexEntry{}).
		Where("document_id = ?", entry.DocumentID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": message,
		}).Error
	if err != nil {
		log.Printf("drift: record failure for %s failed: %v", entry.DocumentID, err)
	}
	return cause
}
