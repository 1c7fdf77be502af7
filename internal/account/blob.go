package account

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/joshp123/schluter-go/internal/config"
)

var ErrBlobNotFound = errors.New("account blob not found")

// BlobStore mirrors entry state to object storage.
type BlobStore interface {
	Load(ctx context.Context, entryID string) ([]byte, error)
	Save(ctx context.Context, entryID string, data []byte) error
}

type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Store(cfg config.BlobConfig) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("missing blob configuration")
	}

	host, secure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if cfg.UseSSL != nil {
		secure = *cfg.UseSSL
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "schluterd/entries"
	}

	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) Load(ctx context.Context, entryID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(entryID), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return nil, s.wrapError(err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *S3Store) Save(ctx context.Context, entryID string, data []byte) error {
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.bucket, s.key(entryID), reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return s.wrapError(err)
	}
	return nil
}

func (s *S3Store) key(entryID string) string {
	return path.Join(s.prefix, entryID+".json")
}

func (s *S3Store) wrapError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return ErrBlobNotFound
	}
	return err
}

func parseEndpoint(raw string) (string, bool, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("parse endpoint: %w", err)
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint: %q", raw)
		}
		return u.Host, u.Scheme == "https", nil
	}
	return raw, true, nil
}
