package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"docquery_back/retrieval"
)

// AskRequest is one chat turn against a tenant's documents.
type AskRequest struct {
	TenantID      string        `json:"tenant_id"`
	Question      string        `json:"question"`
	History       []HistoryTurn `json:"history,omitempty"`
	PromptName    string        `json:"prompt_name,omitempty"`
	PromptVersion int           `json:"prompt_version,omitempty"`
}

// Answer is the orchestrated response.
type Answer struct {
	Answer           string                  `json:"answer"`
	Model            string                  `json:"model,omitempty"`
	PromptName       string                  `json:"prompt_name"`
	PromptVersion    int                     `json:"prompt_version"`
	Refused          bool                    `json:"refused,omitempty"`
	Cached           bool                    `json:"cached,omitempty"`
	RetrievedContext []retrieval.Candidate   `json:"retrieved_context,omitempty"`
	Diagnostics      retrieval.Diagnostics   `json:"diagnostics"`
}

// Orchestrator sequences guardrails, retrieval, prompting and completion.
type Orchestrator struct {
	engine   *retrieval.Engine
	client   *ChatClient
	registry *PromptRegistry
	guard    GuardConfig
	answers  *answerCache
}

// NewOrchestrator wires the chat pipeline. The Redis client may be nil, in
// which case answers are simply not cached.
func NewOrchestrator(engine *retrieval.Engine, client *ChatClient, registry *PromptRegistry, guard GuardConfig, redisClient *redis.Client) (*Orchestrator, error) {
	if engine == nil || client == nil || registry == nil {
		return nil, errors.New("chat: retrieval engine, chat client and prompt registry are required")
	}
	return &Orchestrator{
		engine:   engine,
		client:   client,
		registry: registry,
		guard:    guard,
		answers:  newAnswerCache(redisClient),
	}, nil
}

// Ask answers one question. Guardrail refusals short-circuit before any
// backend is touched; every outbound answer passes through PII redaction.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) (Answer, error) {
	prompt := o.registry.Lookup(req.PromptName, req.PromptVersion)
	answer := Answer{PromptName: prompt.Name, PromptVersion: prompt.Version}

	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return answer, errors.New("chat: tenant_id is required")
	}

	guarded := o.guard.CheckInput(req.Question)
	if !guarded.Allowed {
		answer.Answer = "I can't help with that: " + guarded.Reason + "."
		answer.Refused = true
		return answer, nil
	}
	question := guarded.Sanitized

	cacheKey := o.answers.key(tenantID, question, prompt.Name, prompt.Version)
	if o.answers != nil {
		if cached, err := o.answers.get(ctx, cacheKey); err == nil && cached != nil {
			cached.Cached = true
			return *cached, nil
		} else if err != nil && !errors.Is(err, redis.Nil) {
			log.Printf("chat: answer cache lookup failed: %v", err)
		}
	}

	retrieved, err := o.engine.Retrieve(ctx, tenantID, question)
	if err != nil {
		return answer, fmt.Errorf("chat: retrieve context: %w", err)
	}
	answer.Diagnostics = retrieved.Diagnostics
	answer.RetrievedContext = retrieved.Results

	if len(retrieved.Results) == 0 {
		answer.Answer = "I couldn't find anything in your documents that answers this."
		return answer, nil
	}

	system, user := prompt.Render(question, formatContext(retrieved.Results), SummarizeHistory(req.History))
	result, err := o.client.Chat(ctx, []ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil {
		return answer, fmt.Errorf("chat: complete answer: %w", err)
	}

	answer.Answer = RedactPII(result.Content)
	answer.Model = result.Model
	if o.answers != nil {
		o.answers.store(ctx, cacheKey, answer)
	}
	return answer, nil
}

// AskStream behaves like Ask but delivers the completion incrementally.
// Each delta is PII-redacted before it reaches the handler; a streaming
// failure falls back to a buffered completion delivered as one delta.
func (o *Orchestrator) AskStream(ctx context.Context, req AskRequest, handler func(ChatStreamDelta) error) (Answer, error) {
	prompt := o.registry.Lookup(req.PromptName, req.PromptVersion)
	answer := Answer{PromptName: prompt.Name, PromptVersion: prompt.Version}

	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return answer, errors.New("chat: tenant_id is required")
	}

	guarded := o.guard.CheckInput(req.Question)
	if !guarded.Allowed {
		answer.Answer = "I can't help with that: " + guarded.Reason + "."
		answer.Refused = true
		return answer, emitWhole(handler, answer.Answer)
	}
	question := guarded.Sanitized

	retrieved, err := o.engine.Retrieve(ctx, tenantID, question)
	if err != nil {
		return answer, fmt.Errorf("chat: retrieve context: %w", err)
	}
	answer.Diagnostics = retrieved.Diagnostics
	answer.RetrievedContext = retrieved.Results

	if len(retrieved.Results) == 0 {
		answer.Answer = "I couldn't find anything in your documents that answers this."
		return answer, emitWhole(handler, answer.Answer)
	}

	system, user := prompt.Render(question, formatContext(retrieved.Results), SummarizeHistory(req.History))
	messages := []ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	redacting := func(delta ChatStreamDelta) error {
		if handler == nil {
			return nil
		}
		delta.Content = RedactPII(delta.Content)
		delta.FullContent = RedactPII(delta.FullContent)
		return handler(delta)
	}

	result, err := o.client.ChatStream(ctx, messages, redacting)
	if err != nil {
		log.Printf("chat: streaming fallback to buffered completion: %v", err)
		result, err = o.client.Chat(ctx, messages)
		if err != nil {
			return answer, fmt.Errorf("chat: complete answer: %w", err)
		}
		if emitErr := emitWhole(handler, RedactPII(result.Content)); emitErr != nil {
			return answer, emitErr
		}
	}

	answer.Answer = RedactPII(result.Content)
	answer.Model = result.Model
	if answer.Model == "" {
		answer.Model = o.client.ModelID()
	}
	if o.answers != nil {
		o.answers.store(ctx, o.answers.key(tenantID, question, prompt.Name, prompt.Version), answer)
	}
	return answer, nil
}

func emitWhole(handler func(ChatStreamDelta) error, content string) error {
	if handler == nil {
		return nil
	}
	if content != "" {
		if err := handler(ChatStreamDelta{Content: content, FullContent: content}); err != nil {
			return err
		}
	}
	return handler(ChatStreamDelta{FullContent: content, Done: true})
}

// formatContext renders retrieved chunks into the prompt's excerpt block.
func formatContext(candidates []retrieval.Candidate) string {
	var builder strings.Builder
	for i, candidate := range candidates {
		if i > 0 {
			builder.WriteString("\n\n")
		}
		fmt.Fprintf(&builder, "[%d] document %s, chunk %d", i+1, candidate.DocumentID, candidate.ChunkIndex)
		if candidate.PageNumber > 0 {
			fmt.Fprintf(&builder, ", page %d", candidate.PageNumber)
		}
		builder.WriteString("\n")
		builder.WriteString(strings.TrimSpace(candidate.Text))
	}
	return builder.String()
}
