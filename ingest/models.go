package ingest

import (
	"time"

	"gorm.io/datatypes"
)

// Document lifecycle states. A document is never physically deleted; the
// worker and reindex runner are its only mutators after acceptance.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// Document is the durable record of an uploaded tenant document and its
// indexing state. DocumentID is caller-assigned and immutable; TenantID
// never changes once set.
type Document struct {
	DocumentID            string         `gorm:"primaryKey;size:64" json:"document_id"`
	TenantID              string         `gorm:"size:128;not null;index" json:"tenant_id"`
	Filename              string         `gorm:"size:255;not null" json:"filename"`
	SourceURI             string         `gorm:"size:512;not null" json:"source_uri"`
	ContentType           string         `gorm:"size:128;not null" json:"content_type"`
	Status                string         `gorm:"size:16;not null;default:'pending'" json:"status"`
	ErrorCode             *string        `gorm:"size:64" json:"error_code,omitempty"`
	ChunkCount            int            `gorm:"not null;default:0" json:"chunk_count"`
	EmbeddingModelVersion string         `gorm:"size:128" json:"embedding_model_version"`
	ChunkingSchemaVersion string         `gorm:"size:64" json:"chunking_schema_version"`
	IndexVersion          int64          `gorm:"not null;default:0" json:"index_version"`
	Attributes            datatypes.JSON `gorm:"type:json" json:"attributes,omitempty"`
	SubmittedAt           time.Time      `json:"submitted_at"`
	LastIndexedAt         *time.Time     `json:"last_indexed_at,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// Chunk is one retrieval unit of a document. The composite key
// (document_id, chunk_index) makes replays overwrite instead of append.
// TenantID is denormalized so every read path can enforce isolation without
// a join.
type Chunk struct {
	DocumentID   string    `gorm:"primaryKey;size:64" json:"document_id"`
	ChunkIndex   int       `gorm:"primaryKey;autoIncrement:false" json:"chunk_index"`
	TenantID     string    `gorm:"size:128;not null;index" json:"tenant_id"`
	Text         string    `gorm:"type:text;not null" json:"text"`
	CharStart    int       `gorm:"not null" json:"char_start"`
	CharEnd      int       `gorm:"not null" json:"char_end"`
	PageNumber   int       `gorm:"not null;default:0" json:"page_number"`
	EmbeddingID  string    `gorm:"size:64;not null;uniqueIndex" json:"embedding_id"`
	IndexVersion int64     `gorm:"not null;default:0" json:"index_version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// Reindex queue reasons, ordered by urgency.
const (
	ReasonStaleTTL       = "stale_ttl"
	ReasonSchemaMismatch = "schema_mismatch"
	ReasonModelMismatch  = "model_mismatch"
	ReasonManual         = "manual"
)

// ReindexEntry is a pending reindex request. The primary key on DocumentID
// enforces at most one live entry per document; repeated detections update
// reason and priority in place.
type ReindexEntry struct {
	DocumentID string    `gorm:"primaryKey;size:64" json:"document_id"`
	TenantID   string    `gorm:"size:128;not null;index" json:"tenant_id"`
	Reason     string    `gorm:"size:32;not null" json:"reason"`
	Priority   int       `gorm:"not null;default:0" json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `gorm:"not null;default:0" json:"attempts"`
	LastError  *string   `gorm:"size:512" json:"last_error,omitempty"`
}

func (ReindexEntry) TableName() string {
	return "reindex_queue"
}
