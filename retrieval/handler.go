package retrieval

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Module exposes the retrieval endpoint.
type Module struct {
	engine *Engine
}

// NewModule wraps the engine for HTTP serving.
func NewModule(engine *Engine) (*Module, error) {
	if engine == nil {
		return nil, errors.New("retrieval: engine is required")
	}
	return &Module{engine: engine}, nil
}

// RegisterRoutes mounts POST /ask.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	router.POST("/ask", m.handleAsk)
}

type askRequest struct {
	TenantID string `json:"tenant_id"`
	Query    string `json:"query"`
}

func (m *Module) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	tenantID := strings.TrimSpace(c.GetHeader("X-Tenant-ID"))
	if tenantID == "" {
		tenantID = strings.TrimSpace(req.TenantID)
	}
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	result, err := m.engine.Retrieve(c.Request.Context(), tenantID, req.Query)
	if err != nil {
		log.Printf("retrieval: query for tenant %s failed: %v", tenantID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "retrieval backends are unavailable"})
		return
	}
	c.JSON(http.StatusOK, result)
}
