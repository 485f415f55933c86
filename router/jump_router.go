package router

import (
	"hash/fnv"

	"github.com/dgryski/go-jump"
)

// JumpRouter spreads keys over a fixed number of shards with jump
// consistent hashing.
type JumpRouter struct {
	shards int
}

func NewJumpRouter(shards int) *JumpRouter {
	return &JumpRouter{shards: shards}
}

func keyToUint64(k Key) uint64 {
	hasher := fnv.New64a()
	hasher.Write(k[:])
	return hasher.Sum64()
}

func (r *JumpRouter) Route(key Key) int {
	return int(jump.Hash(keyToUint64(key), r.shards))
}

func (r *JumpRouter) Shards() int {
	return r.shards
}
