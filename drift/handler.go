package drift

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"docquery_back/ingest"
)

// Module exposes the reindex admin surface.
type Module struct {
	db        *gorm.DB
	detector  *Detector
	reindexer *Reindexer
}

// NewModule wires the admin endpoints.
func NewModule(db *gorm.DB, detector *Detector, reindexer *Reindexer) (*Module, error) {
	if db == nil || detector == nil || reindexer == nil {
		return nil, errors.New("drift: database, detector and reindexer are required")
	}
	return &Module{db: db, detector: detector, reindexer: reindexer}, nil
}

// RegisterRoutes mounts the admin reindex endpoints.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/admin/reindex")
	group.GET("", m.handleList)
	group.POST("", m.handleReindex)
}

type reindexRequest struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
	DryRun     bool   `json:"dry_run"`
	Limit      int    `json:"limit"`
}

// handleReindex serves two admin actions: with a document_id it enqueues a
// manual rebuild for that document; without one it drains the queue now,
// optionally as a dry run.
func (m *Module) handleReindex(c *gin.Context) {
	var req reindexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if documentID := strings.TrimSpace(req.DocumentID); documentID != "" {
		tenantID := strings.TrimSpace(c.GetHeader("X-Tenant-ID"))
		if tenantID == "" {
			tenantID = strings.TrimSpace(req.TenantID)
		}
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
			return
		}
		if err := m.detector.EnqueueManual(c.Request.Context(), tenantID, documentID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
				return
			}
			log.Printf("drift: manual enqueue of %s failed: %v", documentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to enqueue document"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"document_id": documentID, "status": "queued"})
		return
	}

	report, err := m.reindexer.Run(c.Request.Context(), req.Limit, req.DryRun)
	if err != nil {
		log.Printf("drift: admin-triggered run failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reindex run failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleList returns the pending reindex queue in processing order.
func (m *Module) handleList(c *gin.Context) {
	var entries []ingest.ReindexEntry
	query := m.db.WithContext(c.Request.Context()).
		Order("priority DESC, enqueued_at ASC, document_id ASC")
	if tenantID := strings.TrimSpace(c.GetHeader("X-Tenant-ID")); tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if err := query.Find(&entries).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to load reindex queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
