// Package shard defines how cache keys are spread across a fixed number of
// buckets, e.g. directories of a disk-backed remote tier.
package shard

// Strategy maps cache keys to shard IDs.
type Strategy interface {
	// Name returns a human-readable name for this strategy.
	Name() string

	// ShardID computes the shard ID for key.
	// The returned value is in the range [0, totalShards).
	ShardID(key string, totalShards int) int
}
