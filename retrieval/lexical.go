package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"gorm.io/gorm"

	"docquery_back/ingest"
)

// Store reads chunk rows for both retrieval sub-sources: it backs the
// lexical search directly and enriches dense hits with chunk text. Every
// query is scoped by tenant_id.
type Store struct {
	db *gorm.DB
}

// NewStore wraps the relational store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("retrieval: database connection is required")
	}
	return &Store{db: db}, nil
}

// LexicalHit is one scored chunk from the lexical index.
type LexicalHit struct {
	Chunk ingest.Chunk
	Score float64
}

// SearchLexical runs a term-matching search over the tenant's chunk corpus.
// Candidates are pre-filtered in SQL by term containment and scored in
// memory by term frequency damped by chunk length. Ordering is fully
// deterministic: score descending, then document_id, then chunk_index.
func (s *Store) SearchLexical(ctx context.Context, tenantID, query string, limit int) ([]LexicalHit, error) {
	terms := tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	tx := s.db.WithContext(ctx).Model(&ingest.Chunk{}).Where("tenant_id = ?", tenantID)
	conditions := s.db.Session(&gorm.Session{NewDB: true})
	for _, term := range terms {
		conditions = conditions.Or("LOWER(text) LIKE ?", "%"+term+"%")
	}
	tx = tx.Where(conditions)

	// Over-fetch so in-memory scoring has enough candidates to rank.
	var rows []ingest.Chunk
	if err := tx.Order("document_id, chunk_index").Limit(limit * 5).Find(&rows).Error; err != nil {
		return nil, err
	}

	hits := make([]LexicalHit, 0, len(rows))
	for _, row := range rows {
		score := scoreChunk(row.Text, terms)
		if score <= 0 {
			continue
		}
		hits = append(hits, LexicalHit{Chunk: row, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Chunk.DocumentID != hits[j].Chunk.DocumentID {
			return hits[i].Chunk.DocumentID < hits[j].Chunk.DocumentID
		}
		return hits[i].Chunk.ChunkIndex < hits[j].Chunk.ChunkIndex
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ChunksByEmbeddingIDs loads the chunk rows behind dense hits, keyed by
// embedding ID. IDs that match no row — stale vector records from an old
// index version, or another tenant's chunks — are simply absent.
func (s *Store) ChunksByEmbeddingIDs(ctx context.Context, tenantID string, embeddingIDs []string) (map[string]ingest.Chunk, error) {
	if len(embeddingIDs) == 0 {
		return nil, nil
	}
	var rows []ingest.Chunk
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND embedding_id IN ?", tenantID, embeddingIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]ingest.Chunk, len(rows))
	for _, row := range rows {
		byID[row.EmbeddingID] = row
	}
	return byID, nil
}

func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r > 127)
	})
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 2 {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		terms = append(terms, field)
	}
	return terms
}

func scoreChunk(text string, terms []string) float64 {
	lowered := strings.ToLower(text)
	total := 0.0
	matched := 0
	for _, term := range terms {
		count := strings.Count(lowered, term)
		if count == 0 {
			continue
		}
		matched++
		total += float64(count)
	}
	if matched == 0 {
		return 0
	}
	// Reward covering more distinct terms over repeating one, and damp
	// long chunks so term density matters.
	length := float64(len([]rune(lowered)))
	return float64(matched) + total/(1.0+math.Log(1.0+length))
}
