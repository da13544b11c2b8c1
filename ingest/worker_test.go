package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docquery_back/fault"
	"docquery_back/queue"
	"docquery_back/vectorindex"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) Download(context.Context, string) ([]byte, error) {
	return f.data, f.err
}

type fakeEmbedder struct {
	model string
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = []float32{float32(len(inputs[i])), 1, 0}
	}
	return vectors, nil
}

func (f *fakeEmbedder) ModelVersion() string {
	if f.model == "" {
		return "test-embed-v1"
	}
	return f.model
}

type fakeVectorIndex struct {
	points    map[string]vectorindex.Point
	upserts   int
	deleted   []string
	upsertErr error
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{points: make(map[string]vectorindex.Point)}
}

func (f *fakeVectorIndex) EnsureCollection(context.Context, string, int) error { return nil }

func (f *fakeVectorIndex) Upsert(_ context.Context, _ string, points []vectorindex.Point) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	for _, point := range points {
		f.points[point.ID] = point
	}
	return nil
}

func (f *fakeVectorIndex) Delete(_ context.Context, _ string, pointIDs []string) error {
	for _, id := range pointIDs {
		delete(f.points, id)
		f.deleted = append(f.deleted, id)
	}
	return nil
}

func testWorker(t *testing.T, db *gorm.DB, vectors *fakeVectorIndex) *Worker {
	t.Helper()
	worker, err := NewWorker(db, &fakeDownloader{data: []byte("raw")}, &fakeEmbedder{}, vectors, ChunkConfig{Size: 40, Overlap: 10})
	require.NoError(t, err)
	worker.extract = func([]byte) (string, []PageSpan, error) {
		text := "Quarterly revenue grew by twelve percent across all regions while costs held flat."
		return text, []PageSpan{{Page: 1, Start: 0, End: len([]rune(text))}}, nil
	}
	return worker
}

func TestProcessIndexesDocument(t *testing.T) {
	db := openTestDB(t)
	vectors := newFakeVectorIndex()
	worker := testWorker(t, db, vectors)
	job := validJob()

	require.NoError(t, worker.Process(context.Background(), job))

	var doc Document
	require.NoError(t, db.Take(&doc, "document_id = ?", job.DocumentID).Error)
	assert.Equal(t, StatusComplete, doc.Status)
	assert.Equal(t, int64(1), doc.IndexVersion)
	assert.Equal(t, "test-embed-v1", doc.EmbeddingModelVersion)
	assert.Equal(t, ChunkingSchemaVersion, doc.ChunkingSchemaVersion)
	assert.NotNil(t, doc.LastIndexedAt)

	var chunks []Chunk
	require.NoError(t, db.Order("chunk_index").Find(&chunks, "document_id = ?", job.DocumentID).Error)
	require.Equal(t, doc.ChunkCount, len(chunks))
	assert.Equal(t, len(chunks), len(vectors.points))
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, job.TenantID, chunk.TenantID)
		assert.Equal(t, 1, chunk.PageNumber)
		assert.Contains(t, vectors.points, chunk.EmbeddingID)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	vectors := newFakeVectorIndex()
	worker := testWorker(t, db, vectors)
	job := validJob()

	require.NoError(t, worker.Process(context.Background(), job))

	var firstChunks []Chunk
	require.NoError(t, db.Order("chunk_index").Find(&firstChunks, "document_id = ?", job.DocumentID).Error)

	// Duplicate delivery of the same job.
	require.NoError(t, worker.Process(context.Background(), job))

	var doc Document
	require.NoError(t, db.Take(&doc, "document_id = ?", job.DocumentID).Error)
	assert.Equal(t, StatusComplete, doc.Status)
	assert.Equal(t, int64(2), doc.IndexVersion)

	var secondChunks []Chunk
	require.NoError(t, db.Order("chunk_index").Find(&secondChunks, "document_id = ?", job.DocumentID).Error)
	require.Equal(t, len(firstChunks), len(secondChunks))
	for i := range firstChunks {
		assert.Equal(t, firstChunks[i].Text, secondChunks[i].Text)
		assert.NotEqual(t, firstChunks[i].EmbeddingID, secondChunks[i].EmbeddingID)
	}

	// The replaced version's vector points were pruned.
	assert.Equal(t, len(secondChunks), len(vectors.points))
	for _, chunk := range firstChunks {
		assert.Contains(t, vectors.deleted, chunk.EmbeddingID)
	}
}

func TestProcessRejectsTenantMismatch(t *testing.T) {
	db := openTestDB(t)
	worker := testWorker(t, db, newFakeVectorIndex())
	job := validJob()
	require.NoError(t, worker.Process(context.Background(), job))

	hijacked := job
	hijacked.TenantID = "tenant-b"
	err := worker.Process(context.Background(), hijacked)
	require.ErrorIs(t, err, fault.ErrConsistency)

	var doc Document
	require.NoError(t, db.Take(&doc, "document_id = ?", job.DocumentID).Error)
	assert.Equal(t, "tenant-a", doc.TenantID)
}

func TestProcessRecordsPermanentFailure(t *testing.T) {
	db := openTestDB(t)
	worker := testWorker(t, db, newFakeVectorIndex())
	job := validJob()
	job.ContentType = "text/plain"

	err := worker.Process(context.Background(), job)
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))

	var doc Document
	require.NoError(t, db.Take(&doc, "document_id = ?", job.DocumentID).Error)
	assert.Equal(t, StatusFailed, doc.Status)
	require.NotNil(t, doc.ErrorCode)
	assert.Equal(t, "unsupported_content_type", *doc.ErrorCode)
}

func TestProcessFailedUpsertLeavesActiveVersion(t *testing.T) {
	db := openTestDB(t)
	vectors := newFakeVectorIndex()
	worker := testWorker(t, db, vectors)
	job := validJob()
	require.NoError(t, worker.Process(context.Background(), job))

	vectors.upsertErr = fault.Transientf("upstream unavailable")
	err := worker.Process(context.Background(), job)
	require.Error(t, err)
	assert.False(t, fault.IsPermanent(err))

	// Version 1 stays active and queryable.
	var doc Document
	require.NoError(t, db.Take(&doc, "document_id = ?", job.DocumentID).Error)
	assert.Equal(t, int64(1), doc.IndexVersion)
	var count int64
	require.NoError(t, db.Model(&Chunk{}).Where("document_id = ?", job.DocumentID).Count(&count).Error)
	assert.Positive(t, count)
}

func TestHandleMessageDispositions(t *testing.T) {
	db := openTestDB(t)
	worker := testWorker(t, db, newFakeVectorIndex())

	disposition, code := worker.HandleMessage(context.Background(), []byte("{bad"), 0)
	assert.Equal(t, queue.DeadLetter, disposition)
	assert.Equal(t, "invalid_payload", code)

	unsupported := validJob()
	unsupported.Version = "v0"
	payload, err := unsupported.Encode()
	require.NoError(t, err)
	disposition, code = worker.HandleMessage(context.Background(), payload, 0)
	assert.Equal(t, queue.DeadLetter, disposition)
	assert.Equal(t, "unsupported_version", code)

	ok := validJob()
	payload, err = ok.Encode()
	require.NoError(t, err)
	disposition, _ = worker.HandleMessage(context.Background(), payload, 0)
	assert.Equal(t, queue.Ack, disposition)
}

func TestHandleMessageRetriesTransient(t *testing.T) {
	db := openTestDB(t)
	vectors := newFakeVectorIndex()
	worker := testWorker(t, db, vectors)
	worker.embedder = &fakeEmbedder{err: fault.Transientf("rate limited")}

	payload, err := validJob().Encode()
	require.NoError(t, err)

	disposition, _ := worker.HandleMessage(context.Background(), payload, 1)
	assert.Equal(t, queue.Retry, disposition)
}

func TestGetDocumentScopesTenant(t *testing.T) {
	db := openTestDB(t)
	worker := testWorker(t, db, newFakeVectorIndex())
	job := validJob()
	require.NoError(t, worker.Process(context.Background(), job))

	record, err := GetDocument(context.Background(), db, job.TenantID, job.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, record.Status)

	_, err = GetDocument(context.Background(), db, "tenant-b", job.DocumentID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestClaimDocumentCreatesMissingRow(t *testing.T) {
	db := openTestDB(t)
	worker := testWorker(t, db, newFakeVectorIndex())
	job := validJob()
	job.DocumentID = fmt.Sprintf("doc-%d", time.Now().UnixNano())

	doc, err := worker.claimDocument(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, doc.Status)
	assert.Equal(t, job.TenantID, doc.TenantID)
}
