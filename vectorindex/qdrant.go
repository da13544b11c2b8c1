// Package vectorindex talks to Qdrant over HTTP. Every operation is scoped
// to a per-tenant collection so vectors never cross tenant boundaries.
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"docquery_back/fault"
)

// pointNamespace seeds deterministic point IDs so reprocessing a document
// version produces identical vector records.
var pointNamespace = uuid.MustParse("8f3c1a52-7d2e-4b7a-9f0e-2d5c6b1a4e83")

// Point is a single vector record destined for a tenant collection.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Hit is one scored result from a dense query.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Client is a thin Qdrant HTTP client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	vectorSize int
}

// NewClientFromEnv configures the client from QDRANT_* environment variables.
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("vectorindex: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("vectorindex: parse Qdrant URL: %w", err)
	}

	apiKey := strings.TrimSpace(os.Getenv("QDRANT_API_KEY"))

	vectorSize := 0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorSize = parsed
		}
	}

	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		vectorSize: vectorSize,
	}, nil
}

// VectorSize reports the configured embedding dimension.
func (c *Client) VectorSize() int {
	if c == nil {
		return 0
	}
	return c.vectorSize
}

// CollectionName maps a tenant to its namespace collection.
func CollectionName(tenantID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, strings.TrimSpace(tenantID))
	if sanitized == "" {
		sanitized = "default"
	}
	return "tenant_" + sanitized + "_chunks"
}

// PointID derives the deterministic vector record ID for a chunk at a given
// index version. Identical inputs always map to the same UUID.
func PointID(documentID string, chunkIndex int, indexVersion int64) string {
	name := fmt.Sprintf("%s:%d:%d", documentID, chunkIndex, indexVersion)
	return uuid.NewSHA1(pointNamespace, []byte(name)).String()
}

// EnsureCollection creates the tenant collection if it does not exist.
func (c *Client) EnsureCollection(ctx context.Context, tenantID string, vectorSize int) error {
	if c == nil {
		return errors.New("vectorindex: client is not configured")
	}
	size := vectorSize
	if size <= 0 {
		size = c.vectorSize
	}
	if size <= 0 {
		return errors.New("vectorindex: vector size must be positive")
	}

	payload := map[string]any{
		"vectors": map[string]any{
			"size":     size,
			"distance": "Cosine",
		},
	}
	endpoint := fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(CollectionName(tenantID)))
	return c.send(ctx, http.MethodPut, endpoint, payload, nil)
}

// Upsert writes points into the tenant collection.
func (c *Client) Upsert(ctx context.Context, tenantID string, points []Point) error {
	if c == nil {
		return errors.New("vectorindex: client is not configured")
	}
	if len(points) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points", c.baseURL, url.PathEscape(CollectionName(tenantID)))
	return c.send(ctx, http.MethodPut, endpoint, map[string]any{"points": points}, nil)
}

// Delete removes points by ID from the tenant collection.
func (c *Client) Delete(ctx context.Context, tenantID string, pointIDs []string) error {
	if c == nil {
		return errors.New("vectorindex: client is not configured")
	}
	if len(pointIDs) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points", c.baseURL, url.PathEscape(CollectionName(tenantID)))
	return c.send(ctx, http.MethodDelete, endpoint, map[string]any{"points": pointIDs}, nil)
}

// Query runs a cosine-similarity search within the tenant collection. A
// missing collection means the tenant has nothing indexed yet and yields an
// empty result, not an error.
func (c *Client) Query(ctx context.Context, tenantID string, vector []float32, topK int) ([]Hit, error) {
	if c == nil {
		return nil, errors.New("vectorindex: client is not configured")
	}
	if len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	payload := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var decoded struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, url.PathEscape(CollectionName(tenantID)))
	err := c.send(ctx, http.MethodPost, endpoint, payload, &decoded)
	if err != nil {
		var notFound *statusError
		if errors.As(err, &notFound) && notFound.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	hits := make([]Hit, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		hits = append(hits, Hit{
			ID:      stringifyID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return hits, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("vectorindex: status %d: %s", e.code, e.body)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("vectorindex: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("vectorindex: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fault.Transientf("vectorindex: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fault.Transient(statusErr)
		}
		return statusErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("vectorindex: decode response: %w", err)
		}
	}
	return nil
}

func stringifyID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
