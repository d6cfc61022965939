package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

var (
	_ ObjectStore = (*S3Store)(nil)
	_ Checker     = (*S3Store)(nil)
)

// S3Config configures an [S3Store].
type S3Config struct {
	// Endpoint is the S3 endpoint URL. Empty means AWS. MinIO and other
	// self-hosted endpoints need ForcePathStyle.
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// S3Store puts objects into one bucket.
type S3Store struct {
	client s3iface.S3API
	bucket string
}

// NewS3Store builds an S3 client from cfg. Static credentials are used when
// both keys are set; otherwise the SDK's default chain applies.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.DisableSSL = aws.Bool(strings.HasPrefix(cfg.Endpoint, "http://"))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create s3 session: %w", err)
	}
	return NewS3StoreWithClient(s3.New(sess), cfg.Bucket), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client s3iface.S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Bucket returns the target bucket.
func (s *S3Store) Bucket() string { return s.bucket }

// Put uploads body under key.
func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 put %s: %w", key, err)
	}
	return nil
}

// Check verifies the bucket is reachable.
func (s *S3Store) Check(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("storage: s3 head bucket %s: %w", s.bucket, err)
	}
	return nil
}
