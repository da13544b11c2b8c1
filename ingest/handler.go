package ingest

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"docquery_back/queue"
	"docquery_back/storage"
)

// Module wires the ingestion HTTP surface: document upload acceptance and
// status lookup.
type Module struct {
	db       *gorm.DB
	objects  *storage.DocumentStorage
	jobs     *queue.Queue
	defaults ChunkConfig
}

// NewModule builds the ingestion module.
func NewModule(db *gorm.DB, objects *storage.DocumentStorage, jobs *queue.Queue, defaults ChunkConfig) (*Module, error) {
	if db == nil {
		return nil, errors.New("ingest: database connection is required")
	}
	if objects == nil || jobs == nil {
		return nil, errors.New("ingest: object storage and job queue are required")
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Module{db: db, objects: objects, jobs: jobs, defaults: defaults}, nil
}

// RegisterRoutes mounts the ingestion endpoints under /documents.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/documents")
	group.POST("", m.handleAccept)
	group.GET("/:document_id", m.handleStatus)
}

// handleAccept stores the upload, enqueues the ingestion job and returns
// immediately. Processing failures surface later through document status,
// never through this call.
func (m *Module) handleAccept(c *gin.Context) {
	tenantID := tenantFromRequest(c)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	contentType := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	if err := CheckContentType(contentType); err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only application/pdf uploads are supported"})
		return
	}

	documentID := strings.TrimSpace(c.PostForm("document_id"))
	if documentID == "" {
		documentID = uuid.NewString()
	}
	requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
	if requestID == "" {
		requestID = uuid.NewString()
	}

	submittedAt := time.Now().UTC()
	key := storage.ObjectKey(tenantID, documentID, fileHeader.Filename, submittedAt)

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read upload"})
		return
	}
	defer src.Close()

	ctx := c.Request.Context()
	sourceURI, err := m.objects.Upload(ctx, key, src, fileHeader.Size, contentType)
	if err != nil {
		log.Printf("ingest: upload of document %s failed: %v", documentID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "unable to store document"})
		return
	}

	job := Job{
		Version:     JobSchemaVersion,
		RequestID:   requestID,
		TenantID:    tenantID,
		DocumentID:  documentID,
		Filename:    fileHeader.Filename,
		SourceURI:   sourceURI,
		ContentType: contentType,
		ChunkConfig: m.defaults,
		SubmittedAt: submittedAt,
		Attributes:  map[string]string{"source": "api"},
	}

	doc := Document{
		DocumentID:  documentID,
		TenantID:    tenantID,
		Filename:    fileHeader.Filename,
		SourceURI:   sourceURI,
		ContentType: contentType,
		Status:      StatusPending,
		Attributes:  attributesToJSON(job.Attributes),
		SubmittedAt: submittedAt,
	}
	if err := m.db.WithContext(ctx).Create(&doc).Error; err != nil {
		log.Printf("ingest: record document %s failed: %v", documentID, err)
		c.JSON(http.StatusConflict, gin.H{"error": "document_id already exists"})
		return
	}

	payload, err := job.Encode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to enqueue ingestion job"})
		return
	}
	if err := m.jobs.Publish(ctx, payload); err != nil {
		log.Printf("ingest: enqueue document %s failed: %v", documentID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "unable to enqueue ingestion job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"document_id": documentID,
		"status":      "accepted",
	})
}

func (m *Module) handleStatus(c *gin.Context) {
	tenantID := tenantFromRequest(c)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	record, err := GetDocument(c.Request.Context(), m.db, tenantID, c.Param("document_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to load document"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func tenantFromRequest(c *gin.Context) string {
	tenantID := strings.TrimSpace(c.GetHeader("X-Tenant-ID"))
	if tenantID == "" {
		tenantID = strings.TrimSpace(c.Query("tenant_id"))
	}
	if tenantID == "" {
		tenantID = strings.TrimSpace(c.PostForm("tenant_id"))
	}
	return tenantID
}
