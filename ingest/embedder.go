package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"docquery_back/fault"
)

// Embedder turns chunk texts into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	ModelVersion() string
}

type httpEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	maxBatch   int
	expectDim  int
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedderFromEnv builds an embedder against an OpenAI-compatible
// /embeddings endpoint using EMBEDDING_* environment variables.
func NewHTTPEmbedderFromEnv() (Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("ingest: embedding API key is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("ingest: invalid embedding base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = "text-embedding-3-small"
	}

	maxBatch := 16
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_BATCH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}

	expectDim := 0
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			expectDim = parsed
		}
	}
	if expectDim == 0 {
		if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				expectDim = parsed
			}
		}
	}

	return &httpEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
		maxBatch:   maxBatch,
		expectDim:  expectDim,
	}, nil
}

func (e *httpEmbedder) ModelVersion() string {
	return e.modelID
}

func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("ingest: embedder is not configured")
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	batchSize := e.maxBatch
	if batchSize <= 0 {
		batchSize = 16
	}

	results := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += batchSize {
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		vectors, err := e.embedBatch(ctx, inputs[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(embeddingRequest{Model: e.modelID, Input: batch}); err != nil {
		return nil, fmt.Errorf("ingest: encode embedding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("ingest: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fault.Transientf("ingest: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("ingest: embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
		// Rate limits, timeouts and provider outages warrant a retry;
		// anything else about this payload never will.
		if resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode >= 500 {
			return nil, fault.Transient(statusErr)
		}
		return nil, fault.Permanent(statusErr)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fault.Transientf("ingest: decode embedding response: %w", err)
	}
	if len(decoded.Data) != len(batch) {
		return nil, fault.Permanentf("ingest: embedding response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))
	}

	vectors := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		if e.expectDim > 0 && len(vector) != e.expectDim {
			return nil, fault.Permanentf("ingest: embedding length %d does not match expected %d", len(vector), e.expectDim)
		}
		vectors[i] = vector
	}
	return vectors, nil
}
