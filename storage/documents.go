package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docquery_back/fault"
)

const maxDocumentBytes int64 = 50 * 1024 * 1024

// ErrObjectNotFound indicates the referenced object no longer exists in the
// bucket. Ingestion treats it as a permanent failure.
var ErrObjectNotFound = errors.New("storage: object not found")

// DocumentStorage stores raw uploaded documents in MinIO/S3.
type DocumentStorage struct {
	client *minio.Client
	bucket string
}

// NewDocumentStorageFromEnv initialises DocumentStorage using MINIO_* environment variables.
func NewDocumentStorageFromEnv() (*DocumentStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, errors.New("storage: MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET are required")
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &DocumentStorage{client: client, bucket: bucket}, nil
}

// ObjectKey builds the deterministic object path for an uploaded document:
// tenant_id/YYYY/MM/DD/document_id.<ext>. Both the accept handler (write)
// and the worker (read) rely on this layout.
func ObjectKey(tenantID, documentID, filename string, submittedAt time.Time) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".pdf"
	}
	day := submittedAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s%s",
		sanitizeSegment(tenantID), day.Year(), day.Month(), day.Day(), sanitizeSegment(documentID), ext)
}

func sanitizeSegment(value string) string {
	cleaned := strings.Trim(strings.TrimSpace(value), "/")
	cleaned = strings.ReplaceAll(cleaned, "/", "-")
	if cleaned == "" {
		cleaned = "unknown"
	}
	return cleaned
}

// Upload stores the document bytes under key and returns the canonical
// s3://bucket/key URI recorded on the Document row.
func (s *DocumentStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: document storage not configured")
	}
	if size > maxDocumentBytes {
		return "", fault.Permanentf("storage: document size %d exceeds %d bytes", size, maxDocumentBytes)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fault.Transientf("storage: upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Download fetches the full object referenced by an s3://bucket/key URI.
// A missing object is permanent; transport failures are transient.
func (s *DocumentStorage) Download(ctx context.Context, sourceURI string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: document storage not configured")
	}
	bucket, key, err := ParseURI(sourceURI)
	if err != nil {
		return nil, fault.Permanent(err)
	}

	downloadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	object, err := s.client.GetObject(downloadCtx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fault.Transientf("storage: get %s: %w", sourceURI, err)
	}
	defer object.Close()

	var buffer bytes.Buffer
	if _, err := io.Copy(&buffer, io.LimitReader(object, maxDocumentBytes+1)); err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return nil, fault.Permanentf("%w: %s", ErrObjectNotFound, sourceURI)
		}
		return nil, fault.Transientf("storage: read %s: %w", sourceURI, err)
	}
	if int64(buffer.Len()) > maxDocumentBytes {
		return nil, fault.Permanentf("storage: object %s exceeds %d bytes", sourceURI, maxDocumentBytes)
	}
	return buffer.Bytes(), nil
}

// Remove deletes the object referenced by an s3://bucket/key URI.
func (s *DocumentStorage) Remove(ctx context.Context, sourceURI string) error {
	if s == nil || s.client == nil {
		return nil
	}
	bucket, key, err := ParseURI(sourceURI)
	if err != nil {
		return err
	}
	removeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return s.client.RemoveObject(removeCtx, bucket, key, minio.RemoveObjectOptions{})
}

// ParseURI splits an s3://bucket/key URI into bucket and key.
func ParseURI(sourceURI string) (string, string, error) {
	trimmed := strings.TrimSpace(sourceURI)
	if !strings.HasPrefix(trimmed, "s3://") {
		return "", "", fmt.Errorf("storage: invalid object URI %q", sourceURI)
	}
	rest := strings.TrimPrefix(trimmed, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("storage: malformed object URI %q", sourceURI)
	}
	return parts[0], parts[1], nil
}
