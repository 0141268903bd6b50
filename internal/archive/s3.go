// Package archive copies expired audit entries to S3-compatible object
// storage before retention deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/tracing"
)

// ContentType of archived objects.
const ContentType = "application/x-ndjson"

// DefaultPrefix is the key prefix used when Config.Prefix is empty.
const DefaultPrefix = "audit-archive"

// Configuration errors.
var (
	ErrMissingBucket      = errors.New("archive bucket is required")
	ErrMissingCredentials = errors.New("archive access key ID and secret access key are required")
	ErrMissingEndpoint    = errors.New("archive endpoint is required")
)

// ObjectAPI is the subset of the S3 client used by S3Archiver.
type ObjectAPI interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, input *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Config holds the object storage settings.
type Config struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string // Default: "auto"
	Prefix          string // Default: DefaultPrefix
}

// S3Archiver writes each batch of expired entries as one JSON Lines object.
type S3Archiver struct {
	client ObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewS3Archiver creates an archiver with an R2/S3-compatible client.
func NewS3Archiver(cfg Config, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})
	return NewS3ArchiverWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3ArchiverWithClient creates an archiver over an existing client.
func NewS3ArchiverWithClient(client ObjectAPI, bucket, prefix string, logger *slog.Logger) *S3Archiver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
}

// ObjectKey returns the key under which a purge at cutoff is archived.
// Keys sort by archive date.
func (a *S3Archiver) ObjectKey(cutoff time.Time) string {
	now := a.now()
	return fmt.Sprintf("%s/%s/before-%s-%s.jsonl",
		a.prefix,
		now.Format("2006/01/02"),
		cutoff.UTC().Format("20060102T150405Z"),
		a.newID(),
	)
}

// Archive uploads entries as JSON Lines. Nothing is uploaded when entries is
// empty. Any error, including one yielded by entries, aborts the upload.
func (a *S3Archiver) Archive(ctx context.Context, cutoff time.Time, entries iter.Seq2[*audit.Entry, error]) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "archive.s3.put")
	defer func() { endSpan(err) }()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	n := 0
	for e, iterErr := range entries {
		if iterErr != nil {
			return fmt.Errorf("read entries: %w", iterErr)
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		n++
	}
	if n == 0 {
		return nil
	}

	key := a.ObjectKey(cutoff)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String(ContentType),
		ContentLength: aws.Int64(int64(buf.Len())),
		Metadata: map[string]string{
			"cutoff":      cutoff.UTC().Format(time.RFC3339),
			"entry-count": fmt.Sprint(n),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	a.logger.InfoContext(ctx, "archived expired audit entries",
		"bucket", a.bucket,
		"key", key,
		"entries", n,
		"bytes", buf.Len(),
	)
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (a *S3Archiver) HealthCheck(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", a.bucket, err)
	}
	return nil
}
