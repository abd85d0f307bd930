package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver mirrors stored blobs to an external archive. Implementations
// must be safe for concurrent use.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte, mime string) error
}

// S3Config holds configuration for the S3 archiver backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// S3Archiver copies blobs to an S3 bucket as they are stored.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver using the AWS SDK default
// credential chain (env vars, shared config, IAM role).
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsConfig),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive implements Archiver by uploading the blob under
// <prefix>/<key>.
func (a *S3Archiver) Archive(ctx context.Context, key string, data []byte, mime string) error {
	fullKey := key
	if a.prefix != "" {
		fullKey = path.Join(a.prefix, key)
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &fullKey,
		Body:        bytes.NewReader(data),
		ContentType: &mime,
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", fullKey, err)
	}
	return nil
}

var _ Archiver = (*S3Archiver)(nil)
