// Package storage persists raw uploads and derived artifacts in S3 under
// deterministic, GUID-prefixed keys so the job reconciler and downstream
// stages can locate output without a side channel.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// deletedMarker is written under a dataset prefix instead of removing objects,
// so retired datasets remain auditable from the bucket alone.
const deletedMarker = "_DELETED"

// Config describes the environment-scoped bucket the registry writes to.
type Config struct {
	Region string
	Bucket string
}

// S3API is the subset of the S3 client the store uses; test doubles implement it.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store writes registry artifacts to object storage.
type Store struct {
	client S3API
	bucket string
}

// New builds a Store over a live S3 client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("storage: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	return &Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
	}, nil
}

// NewWithClient builds a Store over a caller-supplied client, used in tests.
func NewWithClient(client S3API, bucket string) (*Store, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("storage: bucket is required")
	}
	return &Store{client: client, bucket: bucket}, nil
}

// RawKey returns the object key of a dataset's raw upload.
func RawKey(datasetID, filename string) string {
	return path.Join(datasetID, "raw", path.Base(filename))
}

// URI renders an s3:// location for a key in this store's bucket.
func (s *Store) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// PutRawUpload streams the raw summary-statistics file to its canonical key
// and returns the s3:// path recorded on the dataset.
func (s *Store) PutRawUpload(ctx context.Context, datasetID, filename string, body io.Reader) (string, error) {
	key := RawKey(datasetID, filename)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return "", fmt.Errorf("storage: put raw upload: %w", err)
	}
	return s.URI(key), nil
}

// MarkRetired drops a delete marker under the dataset prefix. Objects are
// never removed; the marker is the bucket-side record of retirement.
func (s *Store) MarkRetired(ctx context.Context, datasetID string) error {
	key := path.Join(datasetID, deletedMarker)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: mark retired: %w", err)
	}
	return nil
}

// SplitURI breaks an s3://bucket/key location into its parts.
func SplitURI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	if trimmed == uri {
		return "", "", fmt.Errorf("storage: not an s3 uri: %q", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("storage: malformed s3 uri: %q", uri)
	}
	return parts[0], parts[1], nil
}
