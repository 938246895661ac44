package keystore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// S3Store persists sealed key blobs in Amazon S3 or a compatible object
// store, one object per label.
type S3Store struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates an S3-backed store. Credentials are required; sealed key
// blobs are never written with public ACLs.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Fetch retrieves the sealed blob stored under label.
func (s *S3Store) Fetch(ctx context.Context, label string) ([]byte, error) {
	start := time.Now()
	key := s.objectKey(label)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, interfaces.ErrBlobNotFound
		}
		s.log.Error("Failed to get key blob from S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer result.Body.Close()

	blob, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read key blob body: %w", err)
	}

	s.log.Debug("Fetched key blob from S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", key),
		slog.Int("size", len(blob)),
		slog.Duration("duration", time.Since(start)))

	return blob, nil
}

// Store persists the sealed blob under label.
func (s *S3Store) Store(ctx context.Context, label string, blob []byte) error {
	key := s.objectKey(label)

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to upload key blob: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored key blob in S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", key),
		slog.Int("size", len(blob)))

	return nil
}

// Available checks if the bucket is accessible.
func (s *S3Store) Available(ctx context.Context) bool {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	if err != nil {
		s.log.Warn("S3 key store unavailable",
			slog.String("bucket", s.bucketName),
			"err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

// LocationURI returns the URI that identifies this store.
func (s *S3Store) LocationURI() string {
	return s.locationURI
}

// objectKey maps a label to its S3 object key.
func (s *S3Store) objectKey(label string) string {
	name := sanitizeLabel(label) + ".blob"
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}
