package router

import (
	"fmt"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

// hasher implements consistent.Hasher using xxhash
type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// shardMember implements consistent.Member
type shardMember int

func (m shardMember) String() string {
	return fmt.Sprintf("shard-%d", int(m))
}

// ConsistentRouter places keys on a bounded-load hash ring.
type ConsistentRouter struct {
	ring   *consistent.Consistent
	shards int
}

func NewConsistentRouter(shards int) *ConsistentRouter {
	members := make([]consistent.Member, shards)
	for i := range members {
		members[i] = shardMember(i)
	}
	ring := consistent.New(members, consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	})
	return &ConsistentRouter{ring: ring, shards: shards}
}

func (r *ConsistentRouter) Route(key Key) int {
	return int(r.ring.LocateKey(key[:]).(shardMember))
}

func (r *ConsistentRouter) Shards() int {
	return r.shards
}
