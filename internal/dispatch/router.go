// Package dispatch fans a parsed command out to the shard(s) that own its
// keys or channels and merges their replies back into one frame.
package dispatch

import "github.com/cespare/xxhash/v2"

// Router maps keys and channel names to a shard index. Routing is a pure
// function of the byte content and the shard count: the same key always
// lands on the same shard for a given topology, which is what makes
// per-key ordering guarantees possible despite sharding.
type Router struct {
	shardCount int
}

func NewRouter(shardCount int) *Router {
	if shardCount <= 0 {
		shardCount = 1
	}
	return &Router{shardCount: shardCount}
}

// ShardFor hashes b with xxhash64 and reduces it modulo the shard count.
func (r *Router) ShardFor(b []byte) int {
	return int(xxhash.Sum64(b) % uint64(r.shardCount))
}

func (r *Router) ShardCount() int { return r.shardCount }
