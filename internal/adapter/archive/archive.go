// Package archive stores raw forecast documents in S3-compatible object
// storage so a run's inputs can be replayed.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/couchcryptid/jma-forecast-etl/internal/config"
)

const contentType = "application/json"

// objectStore is the subset of *minio.Client the archiver uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// minioStore adapts *minio.Client, whose PutObject takes an io.Reader.
type minioStore struct {
	client *minio.Client
}

func (m minioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.client.BucketExists(ctx, bucket)
}

func (m minioStore) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	return m.client.MakeBucket(ctx, bucket, opts)
}

func (m minioStore) PutObject(ctx context.Context, bucket, key string, r *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.client.PutObject(ctx, bucket, key, r, size, opts)
}

// Archiver writes one object per fetched forecast document.
type Archiver struct {
	store  objectStore
	bucket string
	region string
	logger *slog.Logger

	mu          sync.Mutex
	bucketReady bool
}

// New connects to the configured endpoint. Scheme prefixes on the endpoint
// override ARCHIVE_USE_SSL.
func New(cfg *config.Config, logger *slog.Logger) (*Archiver, error) {
	endpoint, secure := sanitizeEndpoint(cfg.ArchiveEndpoint, cfg.ArchiveUseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, ""),
		Secure:       secure,
		Region:       cfg.ArchiveRegion,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("init archive client: %w", err)
	}
	return &Archiver{
		store:  minioStore{client: client},
		bucket: cfg.ArchiveBucket,
		region: cfg.ArchiveRegion,
		logger: logger.With("component", "archive"),
	}, nil
}

// Archive stores raw under <runID>/<areaCode>.json.
func (a *Archiver) Archive(ctx context.Context, runID uuid.UUID, areaCode string, raw []byte) error {
	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("archive bucket %s: %w", a.bucket, err)
	}
	key := ObjectKey(runID, areaCode)
	_, err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType:      contentType,
		DisableMultipart: true,
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	a.logger.Debug("raw forecast archived", "key", key, "bytes", len(raw))
	return nil
}

// ObjectKey is the archive key for one area's document in one run.
func ObjectKey(runID uuid.UUID, areaCode string) string {
	return runID.String() + "/" + areaCode + ".json"
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bucketReady {
		return nil
	}

	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err == nil && !exists {
		err = a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
		if err != nil && minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			err = nil
		}
	}
	if err != nil {
		return err
	}
	a.bucketReady = true
	return nil
}

// sanitizeEndpoint strips scheme and path, which minio.New rejects.
func sanitizeEndpoint(raw string, secure bool) (string, bool) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "https://"):
		raw, secure = raw[len("https://"):], true
	case strings.HasPrefix(lower, "http://"):
		raw, secure = raw[len("http://"):], false
	}
	if i := strings.Index(raw, "/"); i >= 0 {
		raw = raw[:i]
	}
	return raw, secure
}
