package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRerankScores(t *testing.T) {
	scores, err := parseRerankScores(`{"scores":[{"id":"doc-1:0","score":0.9},{"id":"doc-2:3","score":0.2}]}`)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, scores["doc-1:0"], 1e-9)
	assert.InDelta(t, 0.2, scores["doc-2:3"], 1e-9)
}

func TestParseRerankScoresToleratesFencesAndProse(t *testing.T) {
	raw := "Sure, here are the scores:\n```json\n{\"scores\":[{\"id\":\"doc-1:0\",\"score\":1.4}]}\n```"
	scores, err := parseRerankScores(raw)
	require.NoError(t, err)
	// Out-of-range scores are clamped.
	assert.InDelta(t, 1.0, scores["doc-1:0"], 1e-9)
}

func TestParseRerankScoresRejectsNonJSON(t *testing.T) {
	_, err := parseRerankScores("I cannot rank these passages.")
	assert.Error(t, err)
}

func TestLLMRerankerBuildsPromptAndFiltersUnknownIDs(t *testing.T) {
	var captured string
	complete := func(_ context.Context, system, user string) (string, error) {
		captured = user
		assert.Contains(t, system, "JSON")
		return `{"scores":[{"id":"doc-1:0","score":0.7},{"id":"hallucinated:9","score":0.9}]}`, nil
	}

	reranker, err := NewLLMReranker(complete)
	require.NoError(t, err)

	candidates := []Candidate{
		{DocumentID: "doc-1", ChunkIndex: 0, Text: strings.Repeat("long passage ", 100)},
	}
	scores, err := reranker.Rerank(context.Background(), "what are the terms?", candidates)
	require.NoError(t, err)

	assert.Contains(t, captured, "what are the terms?")
	assert.Contains(t, captured, "[id=doc-1:0]")
	// Snippets are truncated before prompting.
	assert.Less(t, len(captured), 1500)

	require.Len(t, scores, 1)
	assert.InDelta(t, 0.7, scores["doc-1:0"], 1e-9)
}

func TestLLMRerankerPropagatesCompletionError(t *testing.T) {
	reranker, err := NewLLMReranker(func(context.Context, string, string) (string, error) {
		return "", errors.New("provider unavailable")
	})
	require.NoError(t, err)

	_, err = reranker.Rerank(context.Background(), "q", []Candidate{{DocumentID: "d", ChunkIndex: 0}})
	assert.Error(t, err)
}

func TestLLMRerankerRejectsWhenNoKnownPassageScored(t *testing.T) {
	reranker, err := NewLLMReranker(func(context.Context, string, string) (string, error) {
		return `{"scores":[{"id":"other:1","score":0.5}]}`, nil
	})
	require.NoError(t, err)

	_, err = reranker.Rerank(context.Background(), "q", []Candidate{{DocumentID: "d", ChunkIndex: 0}})
	assert.Error(t, err)
}
