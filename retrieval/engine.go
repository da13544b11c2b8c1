package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"docquery_back/fault"
	"docquery_back/ingest"
	"docquery_back/vectorindex"
)

// Config holds the tuning knobs of a hybrid query.
type Config struct {
	DenseTopN     int
	LexicalTopM   int
	RerankTopK    int
	DenseWeight   float64
	LexicalWeight float64
	RerankTimeout time.Duration
}

// ConfigFromEnv reads RETRIEVAL_* environment variables, falling back to
// the stock hybrid setup.
func ConfigFromEnv() Config {
	cfg := Config{
		DenseTopN:     20,
		LexicalTopM:   20,
		RerankTopK:    8,
		DenseWeight:   0.6,
		LexicalWeight: 0.4,
		RerankTimeout: 10 * time.Second,
	}
	if v := envInt("RETRIEVAL_DENSE_TOP_N"); v > 0 {
		cfg.DenseTopN = v
	}
	if v := envInt("RETRIEVAL_LEXICAL_TOP_M"); v > 0 {
		cfg.LexicalTopM = v
	}
	if v := envInt("RETRIEVAL_RERANK_TOP_K"); v > 0 {
		cfg.RerankTopK = v
	}
	if v := envFloat("RETRIEVAL_DENSE_WEIGHT"); v >= 0 {
		cfg.DenseWeight = v
	}
	if v := envFloat("RETRIEVAL_LEXICAL_WEIGHT"); v >= 0 {
		cfg.LexicalWeight = v
	}
	if v := envInt("RETRIEVAL_RERANK_TIMEOUT_SECONDS"); v > 0 {
		cfg.RerankTimeout = time.Duration(v) * time.Second
	}
	return cfg
}

// Validate rejects configurations that cannot produce a ranking.
func (c Config) Validate() error {
	if c.DenseTopN <= 0 || c.LexicalTopM <= 0 || c.RerankTopK <= 0 {
		return errors.New("retrieval: candidate limits must be positive")
	}
	if c.DenseWeight < 0 || c.LexicalWeight < 0 || c.DenseWeight+c.LexicalWeight <= 0 {
		return errors.New("retrieval: blend weights must be non-negative and sum above zero")
	}
	return nil
}

// DenseIndex is the vector-search side of the hybrid query.
type DenseIndex interface {
	Query(ctx context.Context, tenantID string, vector []float32, topK int) ([]vectorindex.Hit, error)
}

// Candidate is one retrieved chunk with its full scoring trail.
type Candidate struct {
	DocumentID   string   `json:"document_id"`
	ChunkIndex   int      `json:"chunk_index"`
	Text         string   `json:"text"`
	PageNumber   int      `json:"page_number,omitempty"`
	Score        float64  `json:"score"`
	BlendedScore float64  `json:"blended_score"`
	DenseScore   *float64 `json:"dense_score,omitempty"`
	LexicalScore *float64 `json:"lexical_score,omitempty"`
	RerankScore  *float64 `json:"rerank_score,omitempty"`

	denseRank   int
	lexicalRank int
}

// Key identifies the candidate across scoring stages.
func (c Candidate) Key() string {
	return fmt.Sprintf("%s:%d", c.DocumentID, c.ChunkIndex)
}

// Diagnostics reports what each stage of the hybrid query contributed.
type Diagnostics struct {
	DenseHits        int  `json:"dense_hits"`
	LexicalHits      int  `json:"lexical_hits"`
	MergedCandidates int  `json:"merged_candidates"`
	Returned         int  `json:"returned"`
	DenseDegraded    bool `json:"dense_degraded"`
	LexicalDegraded  bool `json:"lexical_degraded"`
	Reranked         bool `json:"reranked"`
}

// Result is the full answer to a hybrid query.
type Result struct {
	TenantID    string      `json:"tenant_id"`
	Query       string      `json:"query"`
	Results     []Candidate `json:"results"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Engine runs the hybrid dense-plus-lexical retrieval pipeline.
type Engine struct {
	store    *Store
	embedder ingest.Embedder
	dense    DenseIndex
	reranker Reranker
	cfg      Config
}

// NewEngine assembles the retrieval pipeline. The reranker may be nil, in
// which case results keep their blended order.
func NewEngine(store *Store, embedder ingest.Embedder, dense DenseIndex, reranker Reranker, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("retrieval: store is required")
	}
	if embedder == nil || dense == nil {
		return nil, errors.New("retrieval: embedder and dense index are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{store: store, embedder: embedder, dense: dense, reranker: reranker, cfg: cfg}, nil
}

// Retrieve answers a tenant query. The dense and lexical sub-queries run
// concurrently; a failing source degrades the result instead of blocking
// the other, and only both failing at once surfaces an error.
func (e *Engine) Retrieve(ctx context.Context, tenantID, query string) (Result, error) {
	result := Result{TenantID: tenantID, Query: query}
	query = strings.TrimSpace(query)
	if tenantID == "" {
		return result, errors.New("retrieval: tenant_id is required")
	}
	if query == "" {
		return result, nil
	}

	type denseOutcome struct {
		hits []vectorindex.Hit
		err  error
	}
	type lexicalOutcome struct {
		hits []LexicalHit
		err  error
	}

	denseCh := make(chan denseOutcome, 1)
	lexicalCh := make(chan lexicalOutcome, 1)

	go func() {
		hits, err := e.queryDense(ctx, tenantID, query)
		denseCh <- denseOutcome{hits: hits, err: err}
	}()
	go func() {
		hits, err := e.store.SearchLexical(ctx, tenantID, query, e.cfg.LexicalTopM)
		lexicalCh <- lexicalOutcome{hits: hits, err: err}
	}()

	dense := <-denseCh
	lexical := <-lexicalCh

	if dense.err != nil {
		log.Printf("retrieval: dense search degraded for tenant %s: %v", tenantID, dense.err)
		result.Diagnostics.DenseDegraded = true
	}
	if lexical.err != nil {
		log.Printf("retrieval: lexical search degraded for tenant %s: %v", tenantID, lexical.err)
		result.Diagnostics.LexicalDegraded = true
	}
	if dense.err != nil && lexical.err != nil {
		return result, fault.Backend("retrieval", errors.Join(dense.err, lexical.err))
	}

	denseCandidates, err := e.resolveDenseHits(ctx, tenantID, dense.hits)
	if err != nil {
		log.Printf("retrieval: dense hit resolution degraded for tenant %s: %v", tenantID, err)
		result.Diagnostics.DenseDegraded = true
		denseCandidates = nil
		if lexical.err != nil {
			return result, fault.Backend("retrieval", err)
		}
	}

	result.Diagnostics.DenseHits = len(denseCandidates)
	result.Diagnostics.LexicalHits = len(lexical.hits)

	merged := mergeCandidates(denseCandidates, lexical.hits)
	result.Diagnostics.MergedCandidates = len(merged)
	if len(merged) == 0 {
		return result, nil
	}

	blendCandidates(merged, e.cfg.DenseWeight, e.cfg.LexicalWeight)
	sortByBlend(merged)

	if len(merged) > e.cfg.RerankTopK {
		merged = merged[:e.cfg.RerankTopK]
	}

	result.Diagnostics.Reranked = e.rerank(ctx, query, merged)
	result.Results = merged
	result.Diagnostics.Returned = len(merged)
	return result, nil
}

func (e *Engine) queryDense(ctx context.Context, tenantID, query string) ([]vectorindex.Hit, error) {
	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("retrieval: query embedding returned %d vectors", len(vectors))
	}
	return e.dense.Query(ctx, tenantID, vectors[0], e.cfg.DenseTopN)
}

// resolveDenseHits maps vector hits back to chunk rows by embedding ID.
// Hits with no matching row belong to a superseded index version and are
// dropped, which keeps reads consistent during a reindex swap.
func (e *Engine) resolveDenseHits(ctx context.Context, tenantID string, hits []vectorindex.Hit) ([]Candidate, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.ID)
	}
	rows, err := e.store.ChunksByEmbeddingIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("retrieval: resolve dense hits: %w", err)
	}

	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		row, ok := rows[hit.ID]
		if !ok {
			continue
		}
		score := hit.Score
		candidates = append(candidates, Candidate{
			DocumentID: row.DocumentID,
			ChunkIndex: row.ChunkIndex,
			Text:       row.Text,
			PageNumber: row.PageNumber,
			DenseScore: &score,
		})
	}
	for i := range candidates {
		candidates[i].denseRank = i + 1
	}
	return candidates, nil
}

// mergeCandidates unions the two candidate sets on (document_id,
// chunk_index), keeping both scores when a chunk appears in both.
func mergeCandidates(dense []Candidate, lexical []LexicalHit) []Candidate {
	merged := make([]Candidate, 0, len(dense)+len(lexical))
	index := make(map[string]int, len(dense)+len(lexical))

	for _, candidate := range dense {
		index[candidate.Key()] = len(merged)
		merged = append(merged, candidate)
	}
	for rank, hit := range lexical {
		score := hit.Score
		key := fmt.Sprintf("%s:%d", hit.Chunk.DocumentID, hit.Chunk.ChunkIndex)
		if pos, ok := index[key]; ok {
			merged[pos].LexicalScore = &score
			merged[pos].lexicalRank = rank + 1
			continue
		}
		index[key] = len(merged)
		merged = append(merged, Candidate{
			DocumentID:   hit.Chunk.DocumentID,
			ChunkIndex:   hit.Chunk.ChunkIndex,
			Text:         hit.Chunk.Text,
			PageNumber:   hit.Chunk.PageNumber,
			LexicalScore: &score,
			lexicalRank:  rank + 1,
		})
	}
	return merged
}

// blendCandidates normalizes each source to [0, 1] and combines them with
// the configured weights. Cosine similarities are already unit-scaled and
// only get clamped; lexical scores are unbounded and get min-max scaled.
// A chunk missing from a source contributes zero for that source.
func blendCandidates(candidates []Candidate, denseWeight, lexicalWeight float64) {
	normLexical := normalizeScores(candidates, func(c Candidate) *float64 { return c.LexicalScore })
	for i := range candidates {
		blended := lexicalWeight * normLexical[i]
		if candidates[i].DenseScore != nil {
			blended += denseWeight * clampUnit(*candidates[i].DenseScore)
		}
		candidates[i].BlendedScore = blended
		candidates[i].Score = blended
	}
}

func clampUnit(value float64) float64 {
	return math.Max(0, math.Min(1, value))
}

// normalizeScores min-max scales the present scores to [0, 1]; when every
// present score is equal they all map to 1. Absent scores map to 0.
func normalizeScores(candidates []Candidate, pick func(Candidate) *float64) []float64 {
	low := math.Inf(1)
	high := math.Inf(-1)
	present := 0
	for _, candidate := range candidates {
		value := pick(candidate)
		if value == nil {
			continue
		}
		present++
		low = math.Min(low, *value)
		high = math.Max(high, *value)
	}

	normalized := make([]float64, len(candidates))
	if present == 0 {
		return normalized
	}
	span := high - low
	for i, candidate := range candidates {
		value := pick(candidate)
		if value == nil {
			continue
		}
		if span == 0 {
			normalized[i] = 1
			continue
		}
		normalized[i] = (*value - low) / span
	}
	return normalized
}

// sortByBlend orders candidates by blended score descending with a fully
// deterministic tie-break: dense rank, then lexical rank, then chunk
// position. Equal inputs always produce byte-identical orderings.
func sortByBlend(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.BlendedScore != b.BlendedScore {
			return a.BlendedScore > b.BlendedScore
		}
		if ra, rb := rankOrMax(a.denseRank), rankOrMax(b.denseRank); ra != rb {
			return ra < rb
		}
		if ra, rb := rankOrMax(a.lexicalRank), rankOrMax(b.lexicalRank); ra != rb {
			return ra < rb
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ChunkIndex < b.ChunkIndex
	})
}

func rankOrMax(rank int) int {
	if rank <= 0 {
		return math.MaxInt
	}
	return rank
}

// rerank asks the reranker to reorder the final candidates. Any failure —
// timeout, transport error, unparseable response — falls back to the
// blended order and reports reranked=false.
func (e *Engine) rerank(ctx context.Context, query string, candidates []Candidate) bool {
	if e.reranker == nil || len(candidates) < 2 {
		return false
	}

	timeout := e.cfg.RerankTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rerankCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scores, err := e.reranker.Rerank(rerankCtx, query, candidates)
	if err != nil {
		log.Printf("retrieval: rerank failed, keeping blended order: %v", err)
		return false
	}

	for i := range candidates {
		score, ok := scores[candidates[i].Key()]
		if !ok {
			// Unscored candidates sink below scored ones but keep their
			// relative blended order.
			continue
		}
		candidates[i].RerankScore = &score
		candidates[i].Score = score
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.RerankScore != nil && b.RerankScore != nil:
			return *a.RerankScore > *b.RerankScore
		case a.RerankScore != nil:
			return true
		case b.RerankScore != nil:
			return false
		default:
			return false
		}
	})
	return true
}

func envInt(name string) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return -1
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return parsed
}

func envFloat(name string) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return -1
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return -1
	}
	return parsed
}
