// Package s3 implements storage.Backend on an S3-compatible object store.
//
// Every key is one object under an optional key prefix. Partial reads use
// ranged GetObject; partial writes are read-modify-write of the whole object,
// which suits the small records and modest file sizes of a brick.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/storage"
)

// Client is the subset of the S3 API the backend uses. *s3.Client satisfies
// it.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures an S3Backend.
type Config struct {
	// Client is the configured S3 client
	Client Client

	// Bucket is the bucket holding the brick
	Bucket string

	// KeyPrefix is prepended to every key (e.g. "brick0/")
	KeyPrefix string
}

// S3Backend implements storage.Backend on S3.
//
// Read-modify-write puts of the same key are serialized by a striped lock so
// two concurrent partial writes from this process cannot lose each other's
// bytes. Writers in other processes are not coordinated.
type S3Backend struct {
	client    Client
	bucket    string
	keyPrefix string

	stripes [64]sync.Mutex
}

var _ storage.Backend = (*S3Backend)(nil)

// NewS3Backend creates a backend for the given bucket.
func NewS3Backend(ctx context.Context, cfg Config) (*S3Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("s3 backend: client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend: bucket is required")
	}

	logger.Debug("S3 backend created: bucket=%s prefix=%q", cfg.Bucket, cfg.KeyPrefix)
	return &S3Backend{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func (s *S3Backend) objectKey(key string) string {
	return s.keyPrefix + key
}

func (s *S3Backend) stripe(key string) *sync.Mutex {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &s.stripes[h%uint32(len(s.stripes))]
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func (s *S3Backend) size(ctx context.Context, key string) (int64, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("head %s: %w", key, storage.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to head object: %w", err)
	}
	if result.ContentLength == nil {
		return 0, nil
	}
	return *result.ContentLength, nil
}

func (s *S3Backend) Get(ctx context.Context, key string, offset int64, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 1: Clamp the requested window to the object size
	// ========================================================================

	size, err := s.size(ctx, key)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= size {
		return []byte{}, nil
	}
	end := size
	if length >= 0 && offset+int64(length) < end {
		end = offset + int64(length)
	}
	if end == offset {
		return []byte{}, nil
	}

	// ========================================================================
	// Step 2: Ranged read
	// ========================================================================

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, end-1)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (s *S3Backend) Put(ctx context.Context, key string, offset int64, data []byte, truncate bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	// Whole-object replacement needs no read.
	var old []byte
	if offset != 0 || !truncate {
		current, err := s.Get(ctx, key, 0, -1)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		old = current
	}

	value := storage.Splice(old, offset, data, truncate)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
	})
	if err != nil {
		return fmt.Errorf("failed to put object to S3: %w", err)
	}
	return nil
}

func (s *S3Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// S3 deletes are idempotent, so existence is checked first.
	if _, err := s.size(ctx, key); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (s *S3Backend) Iterate(ctx context.Context, prefix, from string, fn func(key string, size int64) bool) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	}
	if from != "" {
		input.StartAfter = aws.String(s.objectKey(from))
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			key := (*obj.Key)[len(s.keyPrefix):]
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			if !fn(key, size) {
				return nil
			}
		}
	}
	return nil
}

func (s *S3Backend) Stat(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.Iterate(ctx, "", "", func(_ string, size int64) bool {
		stats.Keys++
		stats.Bytes += uint64(size)
		return true
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *S3Backend) Close() error {
	return nil
}
