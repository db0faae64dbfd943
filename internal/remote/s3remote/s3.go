// Package s3remote implements a remote tier on AWS S3 or an S3-compatible
// service such as MinIO. Each key is one object; expiry travels in the
// object's user metadata.
package s3remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/remote"
	"github.com/discochess/tiercache/internal/remote/envelope"
)

// Compile-time check that Store implements remote.Cache.
var _ remote.Cache = (*Store)(nil)

// API is the subset of the S3 client used by Store.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Compile-time check that the SDK client satisfies API.
var _ API = (*s3.Client)(nil)

// Store is an S3-backed remote cache.
type Store struct {
	client   API
	bucket   string
	prefix   string
	codec    codec.Codec
	region   string
	endpoint string
	now      func() time.Time
}

// New creates a new S3 store.
// The bucket must already exist.
// The codec handles compression/decompression.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	s := &Store{
		bucket: bucketName,
		codec:  c,
		now:    time.Now,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.client == nil {
		var loadOpts []func(*config.LoadOptions) error
		if s.region != "" {
			loadOpts = append(loadOpts, config.WithRegion(s.region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if s.endpoint != "" {
				o.BaseEndpoint = aws.String(s.endpoint)
				o.UsePathStyle = true
			}
		})
	}

	return s, nil
}

// Option configures a Store.
type Option func(*Store) error

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *Store) error {
		s.prefix = strings.TrimSuffix(prefix, "/")
		if s.prefix != "" {
			s.prefix += "/"
		}
		return nil
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(s *Store) error {
		s.region = region
		return nil
	}
}

// WithEndpoint sets a custom endpoint (for S3-compatible services like MinIO).
func WithEndpoint(endpoint string) Option {
	return func(s *Store) error {
		if endpoint == "" {
			return errors.New("s3remote: empty endpoint")
		}
		s.endpoint = endpoint
		return nil
	}
}

// WithClient uses an existing client instead of loading the default AWS
// configuration.
func WithClient(client API) Option {
	return func(s *Store) error {
		s.client = client
		return nil
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) error {
		s.now = now
		return nil
	}
}

// Get downloads and decompresses the object for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting object: %w", err)
	}
	defer result.Body.Close()

	expiresAt, err := envelope.ParseExpiry(result.Metadata[envelope.MetadataKey])
	if err != nil {
		return nil, false, err
	}
	if envelope.Expired(expiresAt, s.now()) {
		// Best effort. IfMatch leaves a value a concurrent writer just put.
		_ = s.deleteIfMatch(ctx, key, result.ETag)
		return nil, false, nil
	}

	value, err := codec.Decode(s.codec, result.Body)
	if err != nil {
		return nil, false, fmt.Errorf("decoding object: %w", err)
	}
	return value, true, nil
}

// SetWithTTL compresses and uploads value.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	body, err := codec.Encode(s.codec, value)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(body),
		Metadata: map[string]string{
			envelope.MetadataKey: envelope.FormatExpiry(envelope.Expiry(s.now(), ttl)),
		},
	})
	if err != nil {
		return fmt.Errorf("putting object: %w", err)
	}
	return nil
}

// Delete removes the object for key. S3 deletes are idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.deleteIfMatch(ctx, key, nil)
}

// deleteIfMatch removes the object for key. A non-nil etag makes the delete
// conditional on the object still having that ETag.
func (s *Store) deleteIfMatch(ctx context.Context, key string, etag *string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(s.objectKey(key)),
		IfMatch: etag,
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// TTL reads the expiry from the object's metadata without downloading it.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("heading object: %w", err)
	}

	expiresAt, err := envelope.ParseExpiry(head.Metadata[envelope.MetadataKey])
	if err != nil {
		return 0, false, err
	}
	rem, known := envelope.Remaining(expiresAt, s.now())
	return rem, known, nil
}

// Close releases resources.
func (s *Store) Close() error {
	// S3 client doesn't need explicit closing.
	return nil
}

// objectKey returns the full object key for a cache key.
func (s *Store) objectKey(key string) string {
	return s.prefix + "entries/" + envelope.ObjectName(key, s.codec.Extension())
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
