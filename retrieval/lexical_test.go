package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docquery_back/ingest"
)

func openTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, ingest.AutoMigrate(db))
	store, err := NewStore(db)
	require.NoError(t, err)
	return store, db
}

func seedChunk(t *testing.T, db *gorm.DB, tenantID, documentID string, index int, text string) ingest.Chunk {
	t.Helper()
	chunk := ingest.Chunk{
		DocumentID:   documentID,
		ChunkIndex:   index,
		TenantID:     tenantID,
		Text:         text,
		CharEnd:      len(text),
		PageNumber:   1,
		EmbeddingID:  documentID + "-" + string(rune('a'+index)),
		IndexVersion: 1,
	}
	require.NoError(t, db.Create(&chunk).Error)
	return chunk
}

func TestSearchLexicalScoresTermMatches(t *testing.T) {
	store, db := openTestStore(t)
	seedChunk(t, db, "tenant-a", "doc-1", 0, "The refund policy allows returns within thirty days.")
	seedChunk(t, db, "tenant-a", "doc-1", 1, "Shipping times vary by region and carrier load.")
	seedChunk(t, db, "tenant-a", "doc-2", 0, "Refund requests for refund-eligible items are processed weekly.")

	hits, err := store.SearchLexical(context.Background(), "tenant-a", "refund policy", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// Both terms match doc-1 chunk 0; only one matches doc-2.
	assert.Equal(t, "doc-1", hits[0].Chunk.DocumentID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchLexicalIsolatesTenants(t *testing.T) {
	store, db := openTestStore(t)
	seedChunk(t, db, "tenant-a", "doc-a", 0, "warranty coverage details for appliances")
	seedChunk(t, db, "tenant-b", "doc-b", 0, "warranty coverage details for vehicles")

	hits, err := store.SearchLexical(context.Background(), "tenant-a", "warranty coverage", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-a", hits[0].Chunk.DocumentID)
}

func TestSearchLexicalEmptyQuery(t *testing.T) {
	store, _ := openTestStore(t)
	hits, err := store.SearchLexical(context.Background(), "tenant-a", "  ! ", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChunksByEmbeddingIDsDropsStaleAndForeign(t *testing.T) {
	store, db := openTestStore(t)
	mine := seedChunk(t, db, "tenant-a", "doc-a", 0, "alpha")
	theirs := seedChunk(t, db, "tenant-b", "doc-b", 0, "beta")

	rows, err := store.ChunksByEmbeddingIDs(context.Background(), "tenant-a",
		[]string{mine.EmbeddingID, theirs.EmbeddingID, "stale-id"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows, mine.EmbeddingID)
}

func TestTokenize(t *testing.T) {
	terms := tokenize("The Quick, quick BROWN fox-trot! a")
	assert.Equal(t, []string{"the", "quick", "brown", "fox", "trot"}, terms)
}
