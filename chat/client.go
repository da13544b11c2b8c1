// Package chat answers tenant questions over their indexed documents: it
// guards the input, retrieves supporting chunks, renders a versioned prompt
// and completes it against a chat model with a fallback chain.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModelID = "gpt-4o-mini"
)

// ChatClient wraps an OpenAI-compatible chat completions API.
type ChatClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	fallbacks  []string
}

// NewChatClientFromEnv constructs a ChatClient using environment variables.
//
// Expected variables:
//   - LLM_API_KEY: required API key for the provider
//   - LLM_BASE_URL: optional override for the API base URL
//   - LLM_MODEL_ID: optional primary model (defaults to defaultModelID)
//   - LLM_FALLBACK_MODEL_IDS: optional comma-separated fallback models
func NewChatClientFromEnv() (*ChatClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("chat: LLM_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("chat: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	var fallbacks []string
	for _, candidate := range strings.Split(os.Getenv("LLM_FALLBACK_MODEL_IDS"), ",") {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" && trimmed != modelID {
			fallbacks = append(fallbacks, trimmed)
		}
	}

	return &ChatClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
		fallbacks:  fallbacks,
	}, nil
}

// ModelID reports the primary model.
func (c *ChatClient) ModelID() string {
	return c.modelID
}

// FallbackModels reports the configured fallback chain.
func (c *ChatClient) FallbackModels() []string {
	return c.fallbacks
}

// ChatMessage represents a single turn in a chat conversation payload.
type ChatMessage struct {
	Role    string
	Content string
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string                  `json:"model"`
	Stream   bool                    `json:"stream"`
	Messages []chatCompletionMessage `json:"messages"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

// ChatStreamDelta is one increment of a streamed completion.
type ChatStreamDelta struct {
	Content      string
	FullContent  string
	FinishReason string
	Done         bool
}

// ChatUsage captures token usage metrics returned by the provider.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult represents the content and usage information for a completion.
type ChatResult struct {
	Content string
	Model   string
	Usage   *ChatUsage
}

// Complete sends a system and user prompt through the default model chain
// and returns the assistant text.
func (c *ChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	result, err := c.Chat(ctx, []ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// Chat runs the messages through the primary model and then each fallback
// until one answers.
func (c *ChatClient) Chat(ctx context.Context, messages []ChatMessage) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("chat: client is nil")
	}

	var lastErr error
	for _, model := range append([]string{c.modelID}, c.fallbacks...) {
		result, err := c.ChatWithModel(ctx, model, messages)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return ChatResult{}, lastErr
}

// ChatWithModel sends the messages to one specific model.
func (c *ChatClient) ChatWithModel(ctx context.Context, model string, messages []ChatMessage) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("chat: client is nil")
	}
	payload, err := buildPayload(model, false, messages)
	if err != nil {
		return ChatResult{}, err
	}

	resp, err := c.post(ctx, payload, false)
	if err != nil {
		return ChatResult{}, err
	}
	defer resp.Body.Close()

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChatResult{}, fmt.Errorf("chat: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ChatResult{}, errors.New("chat: response contains no choices")
	}

	return ChatResult{
		Content: strings.TrimSpace(decoded.Choices[0].Message.Content),
		Model:   model,
		Usage:   convertUsage(decoded.Usage),
	}, nil
}

// ChatStream sends the messages with streaming enabled and invokes handler
// for each delta. Only the primary model streams; callers fall back to Chat
// on error.
func (c *ChatClient) ChatStream(ctx context.Context, messages []ChatMessage, handler func(ChatStreamDelta) error) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("chat: client is nil")
	}
	payload, err := buildPayload(c.modelID, true, messages)
	if err != nil {
		return ChatResult{}, err
	}

	resp, err := c.post(ctx, payload, true)
	if err != nil {
		return ChatResult{}, err
	}
	defer resp.Body.Close()

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.Contains(contentType, "application/json") {
		var decoded chatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return ChatResult{}, fmt.Errorf("chat: decode response: %w", err)
		}
		if len(decoded.Choices) == 0 {
			return ChatResult{}, errors.New("chat: response contains no choices")
		}
		full := strings.TrimSpace(decoded.Choices[0].Message.Content)
		if handler != nil {
			if full != "" {
				if err := handler(ChatStreamDelta{Content: full, FullContent: full}); err != nil {
					return ChatResult{}, err
				}
			}
			if err := handler(ChatStreamDelta{FullContent: full, Done: true}); err != nil {
				return ChatResult{}, err
			}
		}
		return ChatResult{Content: full, Model: c.modelID, Usage: convertUsage(decoded.Usage)}, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var builder strings.Builder
	var usage *chatCompletionUsage

	flushDelta := func(delta ChatStreamDelta) error {
		if handler == nil {
			return nil
		}
		return handler(delta)
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			if err := flushDelta(ChatStreamDelta{FullContent: builder.String(), Done: true}); err != nil {
				return ChatResult{}, err
			}
			return ChatResult{Content: builder.String(), Model: c.modelID, Usage: convertUsage(usage)}, nil
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			deltaText := choice.Delta.Content
			if deltaText != "" {
				builder.WriteString(deltaText)
				if err := flushDelta(ChatStreamDelta{
					Content:      deltaText,
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return ChatResult{}, err
				}
			}
			if deltaText == "" && choice.FinishReason != "" {
				if err := flushDelta(ChatStreamDelta{
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return ChatResult{}, err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return ChatResult{}, fmt.Errorf("chat: read stream: %w", err)
	}

	if err := flushDelta(ChatStreamDelta{FullContent: builder.String(), Done: true}); err != nil {
		return ChatResult{}, err
	}
	return ChatResult{Content: builder.String(), Model: c.modelID, Usage: convertUsage(usage)}, nil
}

func buildPayload(model string, stream bool, messages []ChatMessage) (chatCompletionRequest, error) {
	payload := chatCompletionRequest{
		Model:    model,
		Stream:   stream,
		Messages: make([]chatCompletionMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload.Messages = append(payload.Messages, chatCompletionMessage{Role: role, Content: content})
	}
	if len(payload.Messages) == 0 {
		return chatCompletionRequest{}, errors.New("chat: messages contain no content")
	}
	return payload, nil
}

func (c *ChatClient) post(ctx context.Context, payload chatCompletionRequest, stream bool) (*http.Response, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, fmt.Errorf("chat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat: execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("chat: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func convertUsage(raw *chatCompletionUsage) *ChatUsage {
	if raw == nil {
		return nil
	}
	return &ChatUsage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
	}
}
