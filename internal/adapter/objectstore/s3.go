// Package objectstore implements domain.ObjectStore against an S3-compatible
// backend (AWS S3, MinIO) via aws-sdk-go.
package objectstore

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// Store implements domain.ObjectStore against a single S3-compatible bucket.
type Store struct {
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
}

// Config carries the connection parameters for New.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// New constructs a Store, establishing an AWS session against cfg.Endpoint
// (an empty endpoint targets real AWS S3; a non-empty one targets a
// MinIO-compatible deployment, per §6's "external object store" contract).
func New(cfg Config) (*Store, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(cfg.PathStyle)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("op=objectstore.New: %w", err)
	}

	return &Store{
		bucket:   cfg.Bucket,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

// Put uploads data to path within the configured bucket.
func (s *Store) Put(ctx domain.Context, path string, data []byte, contentType string) error {
	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("op=objectstore.Put: %w: %v", domain.ErrStorage, err)
	}
	return nil
}

// Get retrieves the object at path.
func (s *Store) Get(ctx domain.Context, path string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("op=objectstore.Get: %w: %v", domain.ErrStorage, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=objectstore.Get.read_body: %w: %v", domain.ErrStorage, err)
	}
	return data, nil
}

// Sign produces a pre-signed GET URL for path, valid for expirySeconds.
func (s *Store) Sign(ctx domain.Context, path string, expirySeconds int) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	url, err := req.Presign(time.Duration(expirySeconds) * time.Second)
	if err != nil {
		return "", fmt.Errorf("op=objectstore.Sign: %w: %v", domain.ErrStorage, err)
	}
	return url, nil
}
