package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"docquery_back/fault"
)

// JobSchemaVersion marks the current ingestion message contract. Consumers
// reject any other value as a permanent failure; schema evolution never
// retries old payloads into new workers.
const JobSchemaVersion = "v1"

// ErrUnsupportedJobVersion rejects unknown message schema versions.
var ErrUnsupportedJobVersion = errors.New("ingest: unsupported job schema version")

// ChunkConfig controls the sliding window used for chunking. It travels on
// the job message so a replay reproduces the original windows.
type ChunkConfig struct {
	Size    int `json:"size"`
	Overlap int `json:"overlap"`
}

// Validate checks the window invariants: overlap must leave a positive
// stride, otherwise chunking would never advance.
func (c ChunkConfig) Validate() error {
	if c.Size <= 0 {
		return errors.New("ingest: chunk size must be positive")
	}
	if c.Overlap < 0 {
		return errors.New("ingest: chunk overlap cannot be negative")
	}
	if c.Overlap >= c.Size {
		return errors.New("ingest: chunk overlap must be smaller than chunk size")
	}
	return nil
}

// Stride is the character distance between consecutive chunk starts.
func (c ChunkConfig) Stride() int {
	return c.Size - c.Overlap
}

// ChunkConfigFromEnv reads CHUNK_SIZE and CHUNK_OVERLAP, falling back to
// the stock 1000/200 window.
func ChunkConfigFromEnv() ChunkConfig {
	cfg := ChunkConfig{Size: 1000, Overlap: 200}
	if raw := strings.TrimSpace(os.Getenv("CHUNK_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.Size = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("CHUNK_OVERLAP")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			cfg.Overlap = parsed
		}
	}
	if cfg.Validate() != nil {
		cfg = ChunkConfig{Size: 1000, Overlap: 200}
	}
	return cfg
}

// Job is the ingestion queue message. The Document row, not the message,
// is the durable record of intent.
type Job struct {
	Version     string            `json:"version"`
	RequestID   string            `json:"request_id"`
	TenantID    string            `json:"tenant_id"`
	DocumentID  string            `json:"document_id"`
	Filename    string            `json:"filename"`
	SourceURI   string            `json:"object_storage_uri"`
	ContentType string            `json:"content_type"`
	ChunkConfig ChunkConfig       `json:"chunk_config"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Encode serialises the job for the queue.
func (j Job) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("ingest: encode job: %w", err)
	}
	return data, nil
}

// ParseJob decodes and validates a queue payload. Malformed JSON, missing
// required fields and unsupported schema versions are all permanent: the
// message can never become processable by retrying.
func ParseJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fault.Permanentf("ingest: decode job payload: %w", err)
	}
	if job.Version != JobSchemaVersion {
		return Job{}, fault.Permanentf("%w: %q", ErrUnsupportedJobVersion, job.Version)
	}

	missing := make([]string, 0, 4)
	for field, value := range map[string]string{
		"request_id":         job.RequestID,
		"tenant_id":          job.TenantID,
		"document_id":        job.DocumentID,
		"object_storage_uri": job.SourceURI,
		"content_type":       job.ContentType,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Job{}, fault.Permanentf("ingest: job payload missing fields: %s", strings.Join(missing, ", "))
	}
	return job, nil
}
