package router

import "github.com/cespare/xxhash/v2"

// ShardIndex computes shard(v) = H(v) mod n, using xxhash for H — fast,
// well-distributed, and already part of the dependency graph via the
// Prometheus client's label hashing, so no new hash algorithm is
// introduced for this single purpose.
func ShardIndex(value string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	h := xxhash.Sum64String(value)
	return int(h % uint64(shardCount))
}
