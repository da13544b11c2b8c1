package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Module exposes the chat surface over HTTP, SSE and websockets.
type Module struct {
	orchestrator *Orchestrator
	upgrader     websocket.Upgrader
}

// NewModule wraps the orchestrator for serving.
func NewModule(orchestrator *Orchestrator) (*Module, error) {
	if orchestrator == nil {
		return nil, errors.New("chat: orchestrator is required")
	}
	return &Module{
		orchestrator: orchestrator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// RegisterRoutes mounts POST /chat and GET /chat/ws.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	router.POST("/chat", m.handleChat)
	router.GET("/chat/ws", m.handleChatSocket)
}

// wantsEventStream determines if the client requested a streaming response.
func wantsEventStream(c *gin.Context) bool {
	accept := strings.ToLower(strings.TrimSpace(c.GetHeader("Accept")))
	if strings.Contains(accept, "text/event-stream") {
		return true
	}
	if header := strings.TrimSpace(c.GetHeader("X-Stream")); header != "" {
		if strings.EqualFold(header, "1") || strings.EqualFold(header, "true") || strings.EqualFold(header, "yes") {
			return true
		}
	}
	if q := strings.TrimSpace(c.Query("stream")); q != "" {
		if strings.EqualFold(q, "1") || strings.EqualFold(q, "true") || strings.EqualFold(q, "yes") {
			return true
		}
	}
	return false
}

func (m *Module) handleChat(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if tenantID := strings.TrimSpace(c.GetHeader("X-Tenant-ID")); tenantID != "" {
		req.TenantID = tenantID
	}
	if strings.TrimSpace(req.TenantID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	if wantsEventStream(c) {
		m.handleChatStream(c, req)
		return
	}

	answer, err := m.orchestrator.Ask(c.Request.Context(), req)
	if err != nil {
		log.Printf("chat: answer for tenant %s failed: %v", req.TenantID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "unable to answer right now"})
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (m *Module) handleChatStream(c *gin.Context, req AskRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		answer, err := m.orchestrator.Ask(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "unable to answer right now"})
			return
		}
		c.JSON(http.StatusOK, answer)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := newSafeSSEWriter(c.Writer, flusher)
	flusher.Flush()

	handler := func(delta ChatStreamDelta) error {
		if delta.Done {
			return nil
		}
		payload := gin.H{"full": delta.FullContent}
		if delta.Content != "" {
			payload["delta"] = delta.Content
		}
		return writer.Send("answer_delta", payload)
	}

	answer, err := m.orchestrator.AskStream(c.Request.Context(), req, handler)
	if err != nil {
		log.Printf("chat: streamed answer for tenant %s failed: %v", req.TenantID, err)
		_ = writer.Send("error", gin.H{"error": "unable to answer right now"})
		return
	}
	if err := writer.Send("answer", answer); err != nil {
		return
	}
	_ = writer.Send("done", gin.H{})
}

// handleChatSocket answers one question per websocket message, streaming
// deltas as JSON frames.
func (m *Module) handleChatSocket(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	headerTenant := strings.TrimSpace(c.GetHeader("X-Tenant-ID"))

	for {
		var req AskRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("chat: websocket read failed: %v", err)
			}
			return
		}
		if headerTenant != "" {
			req.TenantID = headerTenant
		}

		handler := func(delta ChatStreamDelta) error {
			if delta.Done || delta.Content == "" {
				return nil
			}
			return conn.WriteJSON(gin.H{"type": "answer_delta", "delta": delta.Content, "full": delta.FullContent})
		}

		answer, err := m.orchestrator.AskStream(c.Request.Context(), req, handler)
		if err != nil {
			if writeErr := conn.WriteJSON(gin.H{"type": "error", "error": "unable to answer right now"}); writeErr != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(gin.H{"type": "answer", "answer": answer}); err != nil {
			return
		}
	}
}

// streamEvent writes a single Server-Sent Event to the response writer.
func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type safeSSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSafeSSEWriter(w gin.ResponseWriter, flusher http.Flusher) *safeSSEWriter {
	return &safeSSEWriter{writer: w, flusher: flusher}
}

func (w *safeSSEWriter) Send(event string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return streamEvent(w.writer, w.flusher, event, payload)
}
