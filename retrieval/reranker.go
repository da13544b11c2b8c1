package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Reranker rescores the top candidates against the query. Scores are keyed
// by Candidate.Key; candidates missing from the map keep their blended
// standing.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) (map[string]float64, error)
}

// CompleteFunc issues one chat completion and returns the raw assistant
// text. Keeping the dependency this narrow lets any LLM client plug in.
type CompleteFunc func(ctx context.Context, system, user string) (string, error)

const rerankSystemPrompt = `You rank document passages by how well they answer a question.
Respond with JSON only, shaped as {"scores": [{"id": "<passage id>", "score": <0.0-1.0>}]}.
Score every passage. Higher means more relevant. No prose, no markdown fences.`

const rerankSnippetLimit = 500

type llmReranker struct {
	complete CompleteFunc
}

// NewLLMReranker builds a reranker that asks a chat model for relevance
// scores in JSON.
func NewLLMReranker(complete CompleteFunc) (Reranker, error) {
	if complete == nil {
		return nil, errors.New("retrieval: completion function is required")
	}
	return &llmReranker{complete: complete}, nil
}

func (r *llmReranker) Rerank(ctx context.Context, query string, candidates []Candidate) (map[string]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var builder strings.Builder
	builder.WriteString("Question: ")
	builder.WriteString(query)
	builder.WriteString("\n\nPassages:\n")
	for _, candidate := range candidates {
		snippet := candidate.Text
		if runes := []rune(snippet); len(runes) > rerankSnippetLimit {
			snippet = string(runes[:rerankSnippetLimit])
		}
		fmt.Fprintf(&builder, "[id=%s]\n%s\n\n", candidate.Key(), snippet)
	}

	raw, err := r.complete(ctx, rerankSystemPrompt, builder.String())
	if err != nil {
		return nil, fmt.Errorf("retrieval: rerank completion: %w", err)
	}

	scores, err := parseRerankScores(raw)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		known[candidate.Key()] = struct{}{}
	}
	for id := range scores {
		if _, ok := known[id]; !ok {
			delete(scores, id)
		}
	}
	if len(scores) == 0 {
		return nil, errors.New("retrieval: rerank response scored no known passages")
	}
	return scores, nil
}

// parseRerankScores tolerates models that wrap the JSON in code fences or
// surrounding prose by extracting the outermost object.
func parseRerankScores(raw string) (map[string]float64, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, errors.New("retrieval: rerank response contains no JSON object")
	}

	var decoded struct {
		Scores []struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		} `json:"scores"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decoded); err != nil {
		return nil, fmt.Errorf("retrieval: decode rerank response: %w", err)
	}

	scores := make(map[string]float64, len(decoded.Scores))
	for _, item := range decoded.Scores {
		if item.ID == "" {
			continue
		}
		scores[item.ID] = clampUnit(item.Score)
	}
	return scores, nil
}
