package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docquery_back/fault"
)

func validJob() Job {
	return Job{
		Version:     JobSchemaVersion,
		RequestID:   "req-1",
		TenantID:    "tenant-a",
		DocumentID:  "doc-1",
		Filename:    "report.pdf",
		SourceURI:   "s3://documents/tenant-a/2026/01/02/doc-1.pdf",
		ContentType: "application/pdf",
		ChunkConfig: ChunkConfig{Size: 1000, Overlap: 200},
		SubmittedAt: time.Now().UTC(),
	}
}

func TestParseJobRoundTrip(t *testing.T) {
	payload, err := validJob().Encode()
	require.NoError(t, err)

	parsed, err := ParseJob(payload)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", parsed.DocumentID)
	assert.Equal(t, "tenant-a", parsed.TenantID)
	assert.Equal(t, 1000, parsed.ChunkConfig.Size)
}

func TestParseJobRejectsUnsupportedVersion(t *testing.T) {
	job := validJob()
	job.Version = "v99"
	payload, err := job.Encode()
	require.NoError(t, err)

	_, err = ParseJob(payload)
	require.ErrorIs(t, err, ErrUnsupportedJobVersion)
	assert.True(t, fault.IsPermanent(err))
}

func TestParseJobRejectsMalformedPayload(t *testing.T) {
	_, err := ParseJob([]byte("{not json"))
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))
}

func TestParseJobRejectsMissingFields(t *testing.T) {
	job := validJob()
	job.TenantID = ""
	job.SourceURI = " "
	payload, err := job.Encode()
	require.NoError(t, err)

	_, err = ParseJob(payload)
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))
	assert.Contains(t, err.Error(), "tenant_id")
	assert.Contains(t, err.Error(), "object_storage_uri")
}

func TestChunkConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "")
	t.Setenv("CHUNK_OVERLAP", "")
	cfg := ChunkConfigFromEnv()
	assert.Equal(t, 1000, cfg.Size)
	assert.Equal(t, 200, cfg.Overlap)

	t.Setenv("CHUNK_SIZE", "100")
	t.Setenv("CHUNK_OVERLAP", "400")
	cfg = ChunkConfigFromEnv()
	// Overlap >= size is invalid and falls back wholesale.
	assert.Equal(t, 1000, cfg.Size)
	assert.Equal(t, 200, cfg.Overlap)
}
