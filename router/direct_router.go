package router

// DirectRouter sends every key to shard 0.
type DirectRouter struct{}

func (r *DirectRouter) Route(key Key) int {
	return 0
}

func (r *DirectRouter) Shards() int {
	return 1
}
