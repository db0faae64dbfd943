// Package codecs resolves codecs by their configuration name.
package codecs

import (
	"compress/gzip"
	"fmt"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/codec/gzipcodec"
	"github.com/discochess/tiercache/internal/codec/noopcodec"
	"github.com/discochess/tiercache/internal/codec/zstdcodec"
)

// Default is the codec name used when none is configured.
const Default = "zstd"

// ByName returns the codec registered under name. An empty name selects
// Default.
func ByName(name string) (codec.Codec, error) {
	switch name {
	case "", "zstd":
		return zstdcodec.New(), nil
	case "gzip":
		return gzipcodec.New(gzip.DefaultCompression), nil
	case "none":
		return noopcodec.New(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want zstd, gzip or none)", name)
	}
}
