package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/conductor-labs/conductor-go/internal/domain"
)

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func EnsureBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := ensureBucket(ctx, client, cfg.BucketDeadLetter, cfg.Region); err != nil {
		return fmt.Errorf("ensure dead letter bucket: %w", err)
	}
	return nil
}

func CheckBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	exists, err := client.BucketExists(ctx, cfg.BucketDeadLetter)
	if err != nil {
		return fmt.Errorf("dead letter bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("dead letter bucket missing: %s", cfg.BucketDeadLetter)
	}
	return nil
}

// Archive persists a dead-letter entry's original trigger payload as a JSON
// object so the run stays replayable after row retention expires.
type Archive struct {
	client *minio.Client
	cfg    Config
}

func NewArchive(client *minio.Client, cfg Config) *Archive {
	if client == nil {
		return nil
	}
	return &Archive{client: client, cfg: cfg}
}

func (a *Archive) ArchivePayload(ctx context.Context, entry domain.DeadLetterEntry) error {
	if a == nil || a.client == nil {
		return fmt.Errorf("archive not initialized")
	}
	doc := map[string]any{
		"entry_id":        entry.ID,
		"execution_id":    entry.ExecutionID,
		"tenant_id":       entry.TenantID,
		"event_type":      entry.EventType,
		"idempotency_key": entry.IdempotencyKey,
		"payload":         entry.Payload,
		"reason":          entry.Reason,
		"failed_step":     entry.FailedStep,
		"created_at":      entry.CreatedAt.UTC(),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal archive doc: %w", err)
	}

	key := path.Join(entry.TenantID, entry.ID+".json")
	_, err = a.client.PutObject(
		ctx,
		a.cfg.BucketDeadLetter,
		key,
		bytes.NewReader(body),
		int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("put archive object: %w", err)
	}
	return nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
