package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"godown-edge-go/internal/config"
	"godown-edge-go/internal/models"
)

// SnapshotStore uploads event snapshots and returns their URL
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// MinioStore keeps event snapshots in an S3-compatible bucket
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL *url.URL
	useSSL  bool
	log     zerolog.Logger
}

// NewMinioStore connects to the configured endpoint and makes sure the bucket exists
func NewMinioStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*MinioStore, error) {
	cli, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := cli.BucketExists(ctx, cfg.MinioBucket)
		if existsErr != nil || !exists {
			return nil, fmt.Errorf("failed to create or verify bucket %s: %w", cfg.MinioBucket, err)
		}
	}

	var base *url.URL
	if cfg.MinioPublicBaseURL != "" {
		base, err = url.Parse(cfg.MinioPublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid MINIO_PUBLIC_BASE_URL: %w", err)
		}
	}

	logger.Info().
		Str("endpoint", cfg.MinioEndpoint).
		Str("bucket", cfg.MinioBucket).
		Msg("Connected to MinIO")

	return &MinioStore{
		client:  cli,
		bucket:  cfg.MinioBucket,
		baseURL: base,
		useSSL:  cfg.MinioUseSSL,
		log:     logger,
	}, nil
}

func (s *MinioStore) SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return s.objectURL(key), nil
}

func (s *MinioStore) objectURL(key string) string {
	if s.baseURL != nil {
		u := *s.baseURL
		u.Path = "/" + path.Join(strings.Trim(u.Path, "/"), key)
		return u.String()
	}
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, key)
}

// SnapshotKey names the object for an event: {godown}/{camera}/{yyyy/mm/dd}/{event id}.jpg
func SnapshotKey(ev models.Event, at time.Time) string {
	return path.Join(ev.GodownID, ev.CameraID, at.UTC().Format("2006/01/02"), ev.EventID+".jpg")
}
