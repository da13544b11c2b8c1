package drift

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"docquery_back/fault"
	"docquery_back/ingest"
	"docquery_back/vectorindex"
)

type stubDownloader struct {
	err error
}

func (s *stubDownloader) Download(context.Context, string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte("raw"), nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}

func (stubEmbedder) ModelVersion() string { return currentModel }

type stubVectorIndex struct{}

func (stubVectorIndex) EnsureCollection(context.Context, string, int) error { return nil }

func (stubVectorIndex) Upsert(context.Context, string, []vectorindex.Point) error { return nil }

func (stubVectorIndex) Delete(context.Context, string, []string) error { return nil }

func testReindexer(t *testing.T, db *gorm.DB, downloader *stubDownloader) *Reindexer {
	t.Helper()
	worker, err := ingest.NewWorker(db, downloader, stubEmbedder{}, stubVectorIndex{}, ingest.ChunkConfig{Size: 40, Overlap: 10})
	require.NoError(t, err)
	reindexer, err := NewReindexer(db, worker, ingest.ChunkConfig{Size: 40, Overlap: 10})
	require.NoError(t, err)
	return reindexer
}

func enqueueEntry(t *testing.T, db *gorm.DB, documentID, reason string, attempts int) {
	t.Helper()
	entry := ingest.ReindexEntry{
		DocumentID: documentID,
		TenantID:   "tenant-a",
		Reason:     reason,
		Priority:   PriorityFor(reason),
		EnqueuedAt: time.Now().UTC(),
		Attempts:   attempts,
	}
	require.NoError(t, db.Create(&entry).Error)
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	db := openTestDB(t)
	seedDocument(t, db, "doc-1", "sliding-window-v0", currentModel, time.Hour)
	enqueueEntry(t, db, "doc-1", ingest.ReasonSchemaMismatch, 0)

	reindexer := testReindexer(t, db, &stubDownloader{})
	report, err := reindexer.Run(context.Background(), 10, true)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Zero(t, report.Processed)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "would_reindex", report.Entries[0].Outcome)
	assert.Len(t, queueEntries(t, db), 1)

	var doc ingest.Document
	require.NoError(t, db.Take(&doc, "document_id = ?", "doc-1").Error)
	assert.Equal(t, "sliding-window-v0", doc.ChunkingSchemaVersion)
}

func TestRunClearsEntryForMissingDocument(t *testing.T) {
	db := openTestDB(t)
	enqueueEntry(t, db, "doc-gone", ingest.ReasonManual, 0)

	reindexer := testReindexer(t, db, &stubDownloader{})
	report, err := reindexer.Run(context.Background(), 10, false)
	require.NoError(t, err)

	require.Len(t, report.Entries, 1)
	assert.Equal(t, "document_missing", report.Entries[0].Outcome)
	assert.Empty(t, queueEntries(t, db))
}

func TestRunRecordsTransientFailure(t *testing.T) {
	db := openTestDB(t)
	seedDocument(t, db, "doc-1", "sliding-window-v0", currentModel, time.Hour)
	enqueueEntry(t, db, "doc-1", ingest.ReasonSchemaMismatch, 0)

	reindexer := testReindexer(t, db, &stubDownloader{err: fault.Transientf("object store unavailable")})
	report, err := reindexer.Run(context.Background(), 10, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	entries := queueEntries(t, db)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	require.NotNil(t, entries[0].LastError)
	assert.Contains(t, *entries[0].LastError, "object store unavailable")
}

func TestRunSkipsExhaustedEntries(t *testing.T) {
	db := openTestDB(t)
	seedDocument(t, db, "doc-1", "sliding-window-v0", currentModel, time.Hour)
	enqueueEntry(t, db, "doc-1", ingest.ReasonSchemaMismatch, DefaultMaxAttempts)

	reindexer := testReindexer(t, db, &stubDownloader{})
	report, err := reindexer.Run(context.Background(), 10, false)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Empty(t, report.Entries)
}

func TestRunOrdersByPriorityThenAge(t *testing.T) {
	db := openTestDB(t)
	seedDocument(t, db, "doc-stale", ingest.ChunkingSchemaVersion, currentModel, time.Hour)
	seedDocument(t, db, "doc-mismatch", "sliding-window-v0", currentModel, time.Hour)

	older := ingest.ReindexEntry{
		DocumentID: "doc-stale",
		TenantID:   "tenant-a",
		Reason:     ingest.ReasonStaleTTL,
		Priority:   PriorityStale,
		EnqueuedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, db.Create(&older).Error)
	enqueueEntry(t, db, "doc-mismatch", ingest.ReasonSchemaMismatch, 0)

	reindexer := testReindexer(t, db, &stubDownloader{})
	report, err := reindexer.Run(context.Background(), 10, true)
	require.NoError(t, err)

	require.Len(t, report.Entries, 2)
	assert.Equal(t, "doc-mismatch", report.Entries[0].DocumentID)
	assert.Equal(t, "doc-stale", report.Entries[1].DocumentID)
}
