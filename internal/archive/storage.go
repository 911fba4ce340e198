// Package archive exports dead-lettered queue records to S3-compatible object
// storage so operators can inspect or replay them outside the database.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/FieldLedger/internal/config"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

// Storage wraps MinIO/S3 interactions for the failed-record bucket.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	if cfg.S3Endpoint == "" {
		return nil, errors.New("S3_ENDPOINT is not set")
	}
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{client: client, bucket: cfg.S3Bucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the archive bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Upload writes the records as one JSON Lines object and returns its key.
func (s *Storage) Upload(ctx context.Context, records []model.QueueRecord, now time.Time) (string, error) {
	data, err := EncodeRecords(records)
	if err != nil {
		return "", err
	}
	key := ObjectKey(now, uuid.NewString())
	opts := minio.PutObjectOptions{ContentType: "application/x-ndjson"}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("upload archive object: %w", err)
	}
	return key, nil
}

// ObjectKey lays objects out by UTC day, e.g.
// failed/2025/03/01/20250301T093000Z-<id>.jsonl.
func ObjectKey(now time.Time, id string) string {
	now = now.UTC()
	return fmt.Sprintf("failed/%s/%s-%s.jsonl", now.Format("2006/01/02"), now.Format("20060102T150405Z"), id)
}

// archivedRecord keeps the payload as embedded JSON rather than base64.
type archivedRecord struct {
	ID        int64              `json:"id"`
	Status    model.RecordStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	RetryOf   *int64             `json:"retry_of,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Payload   json.RawMessage    `json:"payload"`
}

// EncodeRecords renders one JSON object per line. Payloads that are not valid
// JSON are stored as a JSON string.
func EncodeRecords(records []model.QueueRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		payload := json.RawMessage(rec.Payload)
		if !json.Valid(rec.Payload) {
			quoted, err := json.Marshal(string(rec.Payload))
			if err != nil {
				return nil, fmt.Errorf("quote payload of %d: %w", rec.ID, err)
			}
			payload = quoted
		}
		if err := enc.Encode(archivedRecord{
			ID:        rec.ID,
			Status:    rec.Status,
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
			RetryOf:   rec.RetryOf,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
			Payload:   payload,
		}); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", rec.ID, err)
		}
	}
	return buf.Bytes(), nil
}
