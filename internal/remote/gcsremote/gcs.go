// Package gcsremote implements a remote tier on Google Cloud Storage. Each
// key is one object; expiry travels in the object's custom metadata.
package gcsremote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/remote"
	"github.com/discochess/tiercache/internal/remote/envelope"
)

// Compile-time check that Store implements remote.Cache.
var _ remote.Cache = (*Store)(nil)

// Store is a Google Cloud Storage remote cache.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	codec  codec.Codec
	now    func() time.Time
}

// New creates a new GCS store.
// The bucket must already exist.
// The codec handles compression/decompression.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	s := &Store{
		codec: c,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating GCS client: %w", err)
		}
		s.client = client
	}
	s.bucket = s.client.Bucket(bucketName)

	return s, nil
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.TrimSuffix(prefix, "/")
		if s.prefix != "" {
			s.prefix += "/"
		}
	}
}

// WithClient uses an existing client, e.g. one built with emulator or
// credential options. Close still closes it.
func WithClient(client *storage.Client) Option {
	return func(s *Store) { s.client = client }
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Get reads and decompresses the object for key. The read is pinned to the
// generation whose metadata was checked, so a concurrent overwrite cannot
// pair one object's expiry with another's body.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	obj := s.bucket.Object(s.objectName(key))

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading attrs: %w", err)
	}

	expiresAt, err := envelope.ParseExpiry(attrs.Metadata[envelope.MetadataKey])
	if err != nil {
		return nil, false, err
	}
	if envelope.Expired(expiresAt, s.now()) {
		_ = obj.Generation(attrs.Generation).Delete(ctx)
		return nil, false, nil
	}

	reader, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("creating reader: %w", err)
	}
	defer reader.Close()

	value, err := codec.Decode(s.codec, reader)
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

	w := s.bucket.Object(s.objectName(key)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{
		envelope.MetadataKey: envelope.FormatExpiry(envelope.Expiry(s.now(), ttl)),
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing object: %w", err)
	}
	return nil
}

// Delete removes the object for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// TTL reads the expiry from the object's metadata.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	attrs, err := s.bucket.Object(s.objectName(key)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading attrs: %w", err)
	}

	expiresAt, err := envelope.ParseExpiry(attrs.Metadata[envelope.MetadataKey])
	if err != nil {
		return 0, false, err
	}
	rem, known := envelope.Remaining(expiresAt, s.now())
	return rem, known, nil
}

// Purge deletes every expired object under the store's prefix and returns
// how many were removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.entriesPrefix()})
	now := s.now()
	removed := 0

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("listing objects: %w", err)
		}

		expiresAt, err := envelope.ParseExpiry(attrs.Metadata[envelope.MetadataKey])
		if err != nil || !envelope.Expired(expiresAt, now) {
			continue
		}
		err = s.bucket.Object(attrs.Name).Generation(attrs.Generation).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return removed, fmt.Errorf("deleting %s: %w", attrs.Name, err)
		}
		removed++
	}
	return removed, nil
}

// Close releases resources.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) entriesPrefix() string {
	return s.prefix + "entries/"
}

// objectName returns the full object name for a cache key.
func (s *Store) objectName(key string) string {
	return s.entriesPrefix() + envelope.ObjectName(key, s.codec.Extension())
}
