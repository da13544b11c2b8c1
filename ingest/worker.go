package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"docquery_back/fault"
	"docquery_back/queue"
	"docquery_back/storage"
	"docquery_back/vectorindex"
)

// ObjectDownloader fetches raw document bytes by source URI.
type ObjectDownloader interface {
	Download(ctx context.Context, sourceURI string) ([]byte, error)
}

// VectorWriter is the slice of the vector index the worker needs.
type VectorWriter interface {
	EnsureCollection(ctx context.Context, tenantID string, vectorSize int) error
	Upsert(ctx context.Context, tenantID string, points []vectorindex.Point) error
	Delete(ctx context.Context, tenantID string, pointIDs []string) error
}

// Worker drives one ingestion job at a time through
// download → chunk → embed → persist → index. Embedding calls are the
// bottleneck, so throughput scales by adding worker instances, not by
// parallelising inside one.
type Worker struct {
	db       *gorm.DB
	objects  ObjectDownloader
	embedder Embedder
	vectors  VectorWriter
	defaults ChunkConfig
	extract  func(data []byte) (string, []PageSpan, error)
}

// NewWorker wires a worker over its collaborators.
func NewWorker(db *gorm.DB, objects ObjectDownloader, embedder Embedder, vectors VectorWriter, defaults ChunkConfig) (*Worker, error) {
	if db == nil {
		return nil, errors.New("ingest: database connection is required")
	}
	if objects == nil || embedder == nil || vectors == nil {
		return nil, errors.New("ingest: object storage, embedder and vector index are required")
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Worker{db: db, objects: objects, embedder: embedder, vectors: vectors, defaults: defaults, extract: ExtractPDFText}, nil
}

// HandleMessage adapts Process to the queue contract. Permanent failures
// are absorbed here as terminal document state and acknowledged; transient
// failures signal a retry; undecodable payloads go straight to the
// dead-letter list for inspection.
func (w *Worker) HandleMessage(ctx context.Context, payload []byte, attempts int) (queue.Disposition, string) {
	job, err := ParseJob(payload)
	if err != nil {
		log.Printf("ingest: rejecting job payload: %v", err)
		if errors.Is(err, ErrUnsupportedJobVersion) {
			return queue.DeadLetter, "unsupported_version"
		}
		return queue.DeadLetter, "invalid_payload"
	}

	if err := w.Process(ctx, job); err != nil {
		if errors.Is(err, fault.ErrConsistency) {
			log.Printf("ingest: consistency violation on document %s: %v", job.DocumentID, err)
			return queue.DeadLetter, "consistency_violation"
		}
		if fault.IsPermanent(err) {
			// Document status already records the terminal failure.
			return queue.Ack, ""
		}
		log.Printf("ingest: transient failure on document %s (attempt %d): %v", job.DocumentID, attempts, err)
		return queue.Retry, ""
	}
	return queue.Ack, ""
}

// Process runs the full pipeline for one job. Reprocessing the same
// document is indistinguishable from a single successful run: chunk rows
// are keyed on (document_id, chunk_index) and replaced transactionally, and
// vector records are written under a fresh index version that is activated
// atomically with the relational commit.
func (w *Worker) Process(ctx context.Context, job Job) error {
	chunkCfg := job.ChunkConfig
	if chunkCfg.Validate() != nil {
		chunkCfg = w.defaults
	}

	doc, err := w.claimDocument(ctx, job)
	if err != nil {
		return err
	}

	if err := CheckContentType(job.ContentType); err != nil {
		return w.failDocument(ctx, doc.DocumentID, "unsupported_content_type", err)
	}

	data, err := w.objects.Download(ctx, job.SourceURI)
	if err != nil {
		if fault.IsPermanent(err) {
			return w.failDocument(ctx, doc.DocumentID, "object_not_found", err)
		}
		return err
	}

	text, spans, err := w.extract(data)
	if err != nil {
		return w.failDocument(ctx, doc.DocumentID, "document_parse_error", err)
	}

	segments := SplitText(text, chunkCfg)
	if len(segments) == 0 {
		return w.failDocument(ctx, doc.DocumentID, "empty_document", fault.Permanentf("ingest: document %s produced no chunks", doc.DocumentID))
	}

	texts := make([]string, len(segments))
	for i, segment := range segments {
		texts[i] = segment.Text
	}
	vectors, err := w.embedder.Embed(ctx, texts)
	if err != nil {
		if fault.IsPermanent(err) {
			return w.failDocument(ctx, doc.DocumentID, "embedding_failed", err)
		}
		return err
	}
	if len(vectors) != len(segments) {
		return fault.Transientf("ingest: embedding count mismatch (expected %d, got %d)", len(segments), len(vectors))
	}

	newVersion := doc.IndexVersion + 1
	chunks := make([]Chunk, len(segments))
	points := make([]vectorindex.Point, len(segments))
	newPointIDs := make([]string, len(segments))
	for i, segment := range segments {
		embeddingID := vectorindex.PointID(doc.DocumentID, segment.Index, newVersion)
		newPointIDs[i] = embeddingID
		chunks[i] = Chunk{
			DocumentID:   doc.DocumentID,
			ChunkIndex:   segment.Index,
			TenantID:     doc.TenantID,
			Text:         segment.Text,
			CharStart:    segment.Start,
			CharEnd:      segment.End,
			PageNumber:   PageForOffset(spans, segment.Start),
			EmbeddingID:  embeddingID,
			IndexVersion: newVersion,
		}
		points[i] = vectorindex.Point{
			ID:     embeddingID,
			Vector: vectors[i],
			Payload: map[string]any{
				"tenant_id":     doc.TenantID,
				"document_id":   doc.DocumentID,
				"chunk_index":   segment.Index,
				"index_version": newVersion,
			},
		}
	}

	if err := w.vectors.EnsureCollection(ctx, doc.TenantID, len(vectors[0])); err != nil {
		return err
	}
	// Shadow write: the new version's points are invisible to retrieval
	// until the relational commit flips the document's index version.
	if err := w.vectors.Upsert(ctx, doc.TenantID, points); err != nil {
		w.cleanupPoints(ctx, doc.TenantID, newPointIDs)
		return err
	}

	var stalePointIDs []string
	txErr := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Chunk{}).
			Where("document_id = ?", doc.DocumentID).
			Pluck("embedding_id", &stalePointIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.DocumentID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&chunks).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		return tx.Model(&Document{}).
			Where("document_id = ? AND tenant_id = ?", doc.DocumentID, doc.TenantID).
			Updates(map[string]any{
				"status":                  StatusComplete,
				"error_code":              gorm.Expr("NULL"),
				"chunk_count":             len(chunks),
				"embedding_model_version": w.embedder.ModelVersion(),
				"chunking_schema_version": ChunkingSchemaVersion,
				"index_version":           newVersion,
				"last_indexed_at":         now,
			}).Error
	})
	if txErr != nil {
		w.cleanupPoints(ctx, doc.TenantID, newPointIDs)
		return fault.Transientf("ingest: activate document %s: %w", doc.DocumentID, txErr)
	}

	// Old-version points are unreachable once activation commits; pruning
	// them is best-effort cleanup.
	w.cleanupPoints(ctx, doc.TenantID, stalePointIDs)

	log.Printf("ingest: document %s indexed (%d chunks, version %d)", doc.DocumentID, len(chunks), newVersion)
	return nil
}

// claimDocument creates or refreshes the Document row and moves it to
// processing. A document_id arriving under a different tenant is a
// consistency violation, never a reassignment.
func (w *Worker) claimDocument(ctx context.Context, job Job) (Document, error) {
	var doc Document
	err := w.db.WithContext(ctx).Take(&doc, "document_id = ?", job.DocumentID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		doc = Document{
			DocumentID:  job.DocumentID,
			TenantID:    job.TenantID,
			Filename:    job.Filename,
			SourceURI:   job.SourceURI,
			ContentType: job.ContentType,
			Status:      StatusProcessing,
			Attributes:  attributesToJSON(job.Attributes),
			SubmittedAt: job.SubmittedAt,
		}
		if createErr := w.db.WithContext(ctx).Create(&doc).Error; createErr != nil {
			return Document{}, fault.Transientf("ingest: create document %s: %w", job.DocumentID, createErr)
		}
		return doc, nil
	case err != nil:
		return Document{}, fault.Transientf("ingest: load document %s: %w", job.DocumentID, err)
	}

	if doc.TenantID != job.TenantID {
		return Document{}, fault.Consistency(fmt.Errorf("ingest: document %s belongs to tenant %s, job claims %s", job.DocumentID, doc.TenantID, job.TenantID))
	}

	if err := w.db.WithContext(ctx).Model(&Document{}).
		Where("document_id = ?", doc.DocumentID).
		Updates(map[string]any{"status": StatusProcessing}).Error; err != nil {
		return Document{}, fault.Transientf("ingest: mark document %s processing: %w", doc.DocumentID, err)
	}
	doc.Status = StatusProcessing
	return doc, nil
}

// failDocument records a terminal failure and returns the original error
// marked permanent so the queue acknowledges the message.
func (w *Worker) failDocument(ctx context.Context, documentID, code string, cause error) error {
	if err := w.db.WithContext(ctx).Model(&Document{}).
		Where("document_id = ?", documentID).
		Updates(map[string]any{"status": StatusFailed, "error_code": code}).Error; err != nil {
		// Could not record the failure; retry so the terminal state lands.
		return fault.Transientf("ingest: mark document %s failed: %w", documentID, err)
	}
	log.Printf("ingest: document %s failed permanently (%s): %v", documentID, code, cause)
	if fault.IsPermanent(cause) {
		return cause
	}
	return fault.Permanent(cause)
}

func (w *Worker) cleanupPoints(ctx context.Context, tenantID string, pointIDs []string) {
	if len(pointIDs) == 0 {
		return
	}
	if err := w.vectors.Delete(ctx, tenantID, pointIDs); err != nil {
		log.Printf("ingest: cleanup %d vector points for tenant %s failed: %v", len(pointIDs), tenantID, err)
	}
}

func attributesToJSON(attributes map[string]string) datatypes.JSON {
	if len(attributes) == 0 {
		return datatypes.JSON([]byte("{}"))
	}
	raw, err := json.Marshal(attributes)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

// DocumentRecord is the status view returned by the lookup endpoint.
type DocumentRecord struct {
	DocumentID            string     `json:"document_id"`
	TenantID              string     `json:"tenant_id"`
	Filename              string     `json:"filename"`
	Status                string     `json:"status"`
	ErrorCode             *string    `json:"error_code,omitempty"`
	ChunkCount            int        `json:"chunk_count"`
	EmbeddingModelVersion string     `json:"embedding_model_version,omitempty"`
	ChunkingSchemaVersion string     `json:"chunking_schema_version,omitempty"`
	SubmittedAt           time.Time  `json:"submitted_at"`
	LastIndexedAt         *time.Time `json:"last_indexed_at,omitempty"`
}

// GetDocument returns the status view for a tenant's document.
func GetDocument(ctx context.Context, db *gorm.DB, tenantID, documentID string) (*DocumentRecord, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, errors.New("ingest: tenant_id is required")
	}
	var doc Document
	if err := db.WithContext(ctx).
		Where("document_id = ? AND tenant_id = ?", documentID, tenantID).
		Take(&doc).Error; err != nil {
		return nil, err
	}
	return &DocumentRecord{
		DocumentID:            doc.DocumentID,
		TenantID:              doc.TenantID,
		Filename:              doc.Filename,
		Status:                doc.Status,
		ErrorCode:             doc.ErrorCode,
		ChunkCount:            doc.ChunkCount,
		EmbeddingModelVersion: doc.EmbeddingModelVersion,
		ChunkingSchemaVersion: doc.ChunkingSchemaVersion,
		SubmittedAt:           doc.SubmittedAt,
		LastIndexedAt:         doc.LastIndexedAt,
	}, nil
}

var _ ObjectDownloader = (*storage.DocumentStorage)(nil)
var _ VectorWriter = (*vectorindex.Client)(nil)
