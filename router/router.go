package router

import (
	"crypto/sha1"
	"fmt"
)

// Key is the caller supplied request key. It only selects a shard; replies
// are matched by position, never by key.
type Key [20]byte

// KeyOf derives a Key from a string key.
func KeyOf(key string) Key {
	return sha1.Sum([]byte(key))
}

// Router maps a key to a shard index in [0, Shards()). Implementations are
// deterministic and never move a key while a client is running.
type Router interface {
	Route(key Key) int
	Shards() int
}

// New builds the placement policy called name for n shards.
func New(name string, n int) (Router, error) {
	if n < 1 {
		return nil, fmt.Errorf("router needs at least one shard, got %d", n)
	}
	switch name {
	case "", "jump":
		if n == 1 {
			return &DirectRouter{}, nil
		}
		return NewJumpRouter(n), nil
	case "direct":
		if n != 1 {
			return nil, fmt.Errorf("direct placement supports a single shard, got %d", n)
		}
		return &DirectRouter{}, nil
	case "consistent":
		return NewConsistentRouter(n), nil
	default:
		return nil, fmt.Errorf("unknown placement %q (direct, jump, consistent)", name)
	}
}
