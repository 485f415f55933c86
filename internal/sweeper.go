package internal

import "github.com/jsp-lqk/metapipe-redis/internal/eventloop"

// sweep is the context's timer. It ages every pending request by one tick
// and keeps itself armed until the context closes.
func (c *Context) sweep() int64 {
	if c.closed {
		return eventloop.NoMore
	}
	for _, s := range c.shards {
		s.sweep(c.cfg.MaxAge)
		if c.closed {
			return eventloop.NoMore
		}
	}
	return c.cfg.TickMs
}

// sweep fails pending requests older than maxAge ticks with ErrTimeout.
// Each one leaves an orphan: its reply is still on the way and must be
// skipped. Requests enter pending in write order and age together, so the
// expired ones are always the oldest and their replies come first.
func (s *Shard) sweep(maxAge int) {
	if s.err != nil {
		return
	}
	var expired []*QueuedRequest
	for i, n := 0, s.pending.Len(); i < n; i++ {
		r := s.pending.PopFront()
		r.age++
		if r.age > maxAge {
			expired = append(expired, r)
			continue
		}
		s.pending.PushBack(r)
	}
	s.orphans += len(expired)
	for _, r := range expired {
		plog.Debugf("shard %d: request timed out after %d ticks", s.index, r.age)
		s.metrics.timedOut.Inc()
		r.fail(ErrTimeout)
	}
}
