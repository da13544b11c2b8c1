package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docquery_back/ingest"
	"docquery_back/retrieval"
	"docquery_back/vectorindex"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, len(inputs))
	for i := range inputs {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}

func (stubEmbedder) ModelVersion() string { return "test-embed-v1" }

type stubDenseIndex struct{}

func (stubDenseIndex) Query(context.Context, string, []float32, int) ([]vectorindex.Hit, error) {
	return nil, nil
}

// newCompletionServer fakes an OpenAI-compatible /chat/completions endpoint.
func newCompletionServer(t *testing.T, reply string, requests *[]map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if requests != nil {
			*requests = append(*requests, body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
}

func newTestOrchestrator(t *testing.T, serverURL string) (*Orchestrator, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, ingest.AutoMigrate(db))

	store, err := retrieval.NewStore(db)
	require.NoError(t, err)

	engine, err := retrieval.NewEngine(store, stubEmbedder{}, stubDenseIndex{}, nil, retrieval.Config{
		DenseTopN:     20,
		LexicalTopM:   20,
		RerankTopK:    8,
		DenseWeight:   0.6,
		LexicalWeight: 0.4,
	})
	require.NoError(t, err)

	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("LLM_BASE_URL", serverURL)
	t.Setenv("LLM_MODEL_ID", "test-model")
	t.Setenv("LLM_FALLBACK_MODEL_IDS", "")
	client, err := NewChatClientFromEnv()
	require.NoError(t, err)

	registry, err := parsePromptRegistry([]byte(testPromptsYAML))
	require.NoError(t, err)

	orchestrator, err := NewOrchestrator(engine, client, registry, GuardConfig{MaxInputChars: 1000}, nil)
	require.NoError(t, err)
	return orchestrator, db
}

func seedChunk(t *testing.T, db *gorm.DB, tenantID, documentID string, text string) {
	t.Helper()
	chunk := ingest.Chunk{
		DocumentID:   documentID,
		ChunkIndex:   0,
		TenantID:     tenantID,
		Text:         text,
		CharEnd:      len(text),
		PageNumber:   1,
		EmbeddingID:  documentID + "-0",
		IndexVersion: 1,
	}
	require.NoError(t, db.Create(&chunk).Error)
}

func TestAskAnswersFromRetrievedContext(t *testing.T) {
	var requests []map[string]any
	server := newCompletionServer(t, "The warranty lasts two years.", &requests)
	defer server.Close()

	orchestrator, db := newTestOrchestrator(t, server.URL)
	seedChunk(t, db, "tenant-a", "doc-1", "The warranty period covers two years from purchase.")

	answer, err := orchestrator.Ask(context.Background(), AskRequest{
		TenantID: "tenant-a",
		Question: "how long is the warranty?",
	})
	require.NoError(t, err)

	assert.Equal(t, "The warranty lasts two years.", answer.Answer)
	assert.Equal(t, "test-model", answer.Model)
	assert.Equal(t, defaultPromptName, answer.PromptName)
	assert.False(t, answer.Refused)
	require.NotEmpty(t, answer.RetrievedContext)

	// The rendered prompt carried the retrieved excerpt.
	require.Len(t, requests, 1)
	payload, err := json.Marshal(requests[0])
	require.NoError(t, err)
	assert.Contains(t, string(payload), "warranty period covers two years")
}

func TestAskRefusesGuardedInput(t *testing.T) {
	var requests []map[string]any
	server := newCompletionServer(t, "should never be called", &requests)
	defer server.Close()

	orchestrator, _ := newTestOrchestrator(t, server.URL)

	answer, err := orchestrator.Ask(context.Background(), AskRequest{
		TenantID: "tenant-a",
		Question: "",
	})
	require.NoError(t, err)
	assert.True(t, answer.Refused)
	assert.Empty(t, requests, "guard refusals must not reach the model")
}

func TestAskWithoutContextDoesNotComplete(t *testing.T) {
	var requests []map[string]any
	server := newCompletionServer(t, "should never be called", &requests)
	defer server.Close()

	orchestrator, _ := newTestOrchestrator(t, server.URL)

	answer, err := orchestrator.Ask(context.Background(), AskRequest{
		TenantID: "tenant-a",
		Question: "anything indexed?",
	})
	require.NoError(t, err)
	assert.False(t, answer.Refused)
	assert.Contains(t, answer.Answer, "couldn't find")
	assert.Empty(t, requests)
}

func TestAskRedactsAnswerPII(t *testing.T) {
	server := newCompletionServer(t, "Contact jane@example.com for refunds.", nil)
	defer server.Close()

	orchestrator, db := newTestOrchestrator(t, server.URL)
	seedChunk(t, db, "tenant-a", "doc-1", "Refund contacts are listed in the appendix.")

	answer, err := orchestrator.Ask(context.Background(), AskRequest{
		TenantID: "tenant-a",
		Question: "who do I contact for refunds?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Contact [REDACTED] for refunds.", answer.Answer)
}

func TestAskRequiresTenant(t *testing.T) {
	server := newCompletionServer(t, "x", nil)
	defer server.Close()

	orchestrator, _ := newTestOrchestrator(t, server.URL)
	_, err := orchestrator.Ask(context.Background(), AskRequest{Question: "q"})
	assert.Error(t, err)
}

func TestChatClientFallsBackToSecondaryModel(t *testing.T) {
	var models []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		models = append(models, body.Model)
		if body.Model == "primary" {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "from backup"}},
			},
		})
	}))
	defer server.Close()

	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("LLM_BASE_URL", server.URL)
	t.Setenv("LLM_MODEL_ID", "primary")
	t.Setenv("LLM_FALLBACK_MODEL_IDS", "backup")
	client, err := NewChatClientFromEnv()
	require.NoError(t, err)

	result, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "from backup", result.Content)
	assert.Equal(t, "backup", result.Model)
	assert.Equal(t, []string{"primary", "backup"}, models)
}
