// Package diskremote implements a remote tier on a shared filesystem. Every
// process pointed at the same directory sees the same entries.
//
// Layout: <root>/shards/<nnnnn>/<base64url(key)>.<ext>, each file holding an
// 8-byte expiry header followed by the codec-compressed value. Long keys are
// named ~<sha256(key)>.<ext> and their files carry the key, length-prefixed,
// between the header and the value.
package diskremote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/remote"
	"github.com/discochess/tiercache/internal/remote/envelope"
	"github.com/discochess/tiercache/internal/shard"
	"github.com/discochess/tiercache/internal/shard/fnvshard"
)

// Compile-time check that Store implements remote.Cache.
var _ remote.Cache = (*Store)(nil)

// DefaultShards is the default number of shard directories.
const DefaultShards = 256

// Store is a disk-based remote cache.
type Store struct {
	root     string
	codec    codec.Codec
	strategy shard.Strategy
	shards   int
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithShards sets the number of shard directories. Changing it for an
// existing directory orphans previously written entries.
func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = n
		}
	}
}

// WithStrategy sets the key-to-shard strategy. Default is FNV-1a.
func WithStrategy(strategy shard.Strategy) Option {
	return func(s *Store) { s.strategy = strategy }
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a disk store rooted at the given directory.
// The directory must exist. The codec handles compression/decompression.
func New(root string, c codec.Codec, opts ...Option) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	s := &Store{
		root:     root,
		codec:    c,
		strategy: fnvshard.New(),
		shards:   DefaultShards,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get reads and decompresses the value for key. Expired entries are removed.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	// Check for cancellation before starting I/O.
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	path := s.entryPath(key)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading entry: %w", err)
	}

	r := bytes.NewReader(raw)
	expiresAt, err := envelope.ReadHeader(r)
	if err != nil {
		return nil, false, err
	}
	if envelope.Expired(expiresAt, s.now()) {
		_ = os.Remove(path)
		return nil, false, nil
	}
	if envelope.Digested(key) {
		stored, err := envelope.ReadKey(r)
		if err != nil {
			return nil, false, err
		}
		if stored != key {
			return nil, false, nil
		}
	}

	value, err := codec.Decode(s.codec, r)
	if err != nil {
		return nil, false, fmt.Errorf("decoding entry: %w", err)
	}
	return value, true, nil
}

// SetWithTTL writes value atomically: a temp file in the shard directory is
// renamed over the entry.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := codec.Encode(s.codec, value)
	if err != nil {
		return err
	}
	data := envelope.AppendHeader(make([]byte, 0, envelope.HeaderSize+len(body)), envelope.Expiry(s.now(), ttl))
	if envelope.Digested(key) {
		data = envelope.AppendKey(data, key)
	}
	data = append(data, body...)

	path := s.entryPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing entry: %w", err)
	}
	return nil
}

// TTL reads only the expiry header of key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	f, err := os.Open(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("opening entry: %w", err)
	}
	defer f.Close()

	expiresAt, err := envelope.ReadHeader(f)
	if err != nil {
		return 0, false, err
	}
	rem, known := envelope.Remaining(expiresAt, s.now())
	return rem, known, nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	return nil
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string {
	return s.root
}

// EntryInfo describes one entry file.
type EntryInfo struct {
	Key       string
	Path      string
	Size      int64
	ExpiresAt time.Time
	Expired   bool
}

// Walk calls fn for every entry file. Files that cannot be parsed are
// reported through fn with a non-nil err and a zero EntryInfo.Key.
func (s *Store) Walk(ctx context.Context, fn func(info EntryInfo, err error) error) error {
	shardsDir := filepath.Join(s.root, "shards")
	now := s.now()

	return filepath.WalkDir(shardsDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && path == shardsDir {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}

		info := EntryInfo{Path: path}
		key, nameErr := envelope.KeyFromName(d.Name(), s.codec.Extension())
		if nameErr != nil && !errors.Is(nameErr, envelope.ErrDigestName) {
			return fn(info, nameErr)
		}
		fi, err := d.Info()
		if err != nil {
			return fn(info, err)
		}
		f, err := os.Open(path)
		if err != nil {
			return fn(info, err)
		}
		expiresAt, err := envelope.ReadHeader(f)
		if err == nil && nameErr != nil {
			key, err = envelope.ReadKey(f)
		}
		f.Close()
		if err != nil {
			return fn(info, err)
		}

		info.Key = key
		info.Size = fi.Size()
		info.ExpiresAt = expiresAt
		info.Expired = envelope.Expired(expiresAt, now)
		return fn(info, nil)
	})
}

// Purge removes every expired entry and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	removed := 0
	err := s.Walk(ctx, func(info EntryInfo, err error) error {
		if err != nil || !info.Expired {
			return nil
		}
		if rmErr := os.Remove(info.Path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return rmErr
		}
		removed++
		return nil
	})
	return removed, err
}

// entryPath returns the filesystem path for key.
func (s *Store) entryPath(key string) string {
	shardID := s.strategy.ShardID(key, s.shards)
	return filepath.Join(s.root, "shards", fmt.Sprintf("%05d", shardID), envelope.ObjectName(key, s.codec.Extension()))
}
