// Package envelope holds the naming and expiry encoding shared by the
// object-per-key remote tiers (disk, S3, GCS).
package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// MetadataKey is the object metadata key carrying the expiry.
const MetadataKey = "expires-at"

// HeaderSize is the size of the expiry header prefixed to disk entries.
const HeaderSize = 8

// ErrMalformed is returned for names or headers that were not produced by
// this package.
var ErrMalformed = errors.New("envelope: malformed entry")

// ErrDigestName is returned by KeyFromName for names derived from a key
// digest. The key itself is stored in the entry; see AppendKey.
var ErrDigestName = errors.New("envelope: name is a key digest")

// maxEncodedName bounds the encoded key part of a name so that names stay
// under the common 255-byte file name limit with room for an extension.
const maxEncodedName = 200

// digestPrefix marks digest names. It is outside the base64url alphabet.
const digestPrefix = "~"

// maxStoredKey caps the key length accepted by ReadKey.
const maxStoredKey = 1 << 20

// ObjectName returns the file or object name for key. Keys are base64url
// encoded so arbitrary bytes are safe in paths and object keys. Keys whose
// encoding would be too long are named by their SHA-256 digest instead.
func ObjectName(key, ext string) string {
	var name string
	if Digested(key) {
		sum := sha256.Sum256([]byte(key))
		name = digestPrefix + hex.EncodeToString(sum[:])
	} else {
		name = base64.RawURLEncoding.EncodeToString([]byte(key))
	}
	if ext != "" {
		name += "." + ext
	}
	return name
}

// KeyFromName reverses ObjectName.
func KeyFromName(name, ext string) (string, error) {
	if ext != "" {
		trimmed, ok := strings.CutSuffix(name, "."+ext)
		if !ok {
			return "", fmt.Errorf("%w: %q lacks extension %q", ErrMalformed, name, ext)
		}
		name = trimmed
	}
	if strings.HasPrefix(name, digestPrefix) {
		return "", ErrDigestName
	}
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(raw), nil
}

// Digested reports whether ObjectName names key by digest.
func Digested(key string) bool {
	return base64.RawURLEncoding.EncodedLen(len(key)) > maxEncodedName
}

// Expiry converts a ttl into an absolute expiry. A zero ttl yields the zero
// time, meaning no expiry.
func Expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Expired reports whether expiresAt has passed. The zero time never expires.
func Expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !expiresAt.After(now)
}

// Remaining returns the time left before expiresAt; known is false for
// entries without expiry or already expired.
func Remaining(expiresAt, now time.Time) (time.Duration, bool) {
	if expiresAt.IsZero() || Expired(expiresAt, now) {
		return 0, false
	}
	return expiresAt.Sub(now), true
}

// FormatExpiry encodes expiresAt for object metadata.
func FormatExpiry(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return "0"
	}
	return strconv.FormatInt(expiresAt.UnixNano(), 10)
}

// ParseExpiry decodes a FormatExpiry value. Missing metadata means no expiry.
func ParseExpiry(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expiry %q", ErrMalformed, s)
	}
	return time.Unix(0, n), nil
}

// AppendHeader appends the disk expiry header to dst.
func AppendHeader(dst []byte, expiresAt time.Time) []byte {
	var n int64
	if !expiresAt.IsZero() {
		n = expiresAt.UnixNano()
	}
	return binary.BigEndian.AppendUint64(dst, uint64(n))
}

// ReadHeader reads the disk expiry header from r.
func ReadHeader(r io.Reader) (time.Time, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return time.Time{}, fmt.Errorf("%w: short header: %v", ErrMalformed, err)
	}
	n := int64(binary.BigEndian.Uint64(buf[:]))
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, n), nil
}

// AppendKey appends key, length-prefixed, to dst. Disk entries with digest
// names carry their key this way, right after the expiry header.
func AppendKey(dst []byte, key string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(key)))
	return append(dst, key...)
}

// ReadKey reads a key written by AppendKey.
func ReadKey(r io.Reader) (string, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", fmt.Errorf("%w: short key length: %v", ErrMalformed, err)
	}
	n := binary.BigEndian.Uint32(buf[:])
	if n > maxStoredKey {
		return "", fmt.Errorf("%w: key length %d", ErrMalformed, n)
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("%w: short key: %v", ErrMalformed, err)
	}
	return string(key), nil
}
