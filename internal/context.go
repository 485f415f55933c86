package internal

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"

	"github.com/jsp-lqk/metapipe-redis/internal/eventloop"
	"github.com/jsp-lqk/metapipe-redis/router"
)

const (
	DefaultTickMs         int64 = 100
	DefaultMaxAge               = 10
	DefaultReadBufferSize       = 16 << 10
)

// Config tunes a Context. Zero fields take the defaults above;
// MaxOutstanding zero means no limit.
type Config struct {
	TickMs         int64
	MaxAge         int
	MaxOutstanding int
	ReadBufferSize int
}

func (c Config) withDefaults() Config {
	if c.TickMs <= 0 {
		c.TickMs = DefaultTickMs
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	return c
}

// Context is the pipeline a caller talks to: the shard table, the router
// that picks a shard per key and the sweep timer. It is not safe for
// concurrent use; every method must run on the loop goroutine.
type Context struct {
	loop    eventloop.Loop
	router  router.Router
	cfg     Config
	shards  []*Shard
	closed  bool
	metrics *metrics.Set
}

// NewContext binds a context to loop and arms its sweep timer. Shards are
// attached with AddShard, one per router slot.
func NewContext(loop eventloop.Loop, r router.Router, cfg Config) (*Context, error) {
	c := &Context{
		loop:    loop,
		router:  r,
		cfg:     cfg.withDefaults(),
		metrics: metrics.NewSet(),
	}
	if _, err := loop.RegisterTimer(c.cfg.TickMs, c.sweep); err != nil {
		return nil, fmt.Errorf("failed to register sweep timer: %w", err)
	}
	return c, nil
}

// AddShard attaches a connected socket as the next shard and starts
// watching it for replies.
func (c *Context) AddShard(sock Socket) (*Shard, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if len(c.shards) >= c.router.Shards() {
		return nil, fmt.Errorf("router %T has %d shards, all attached", c.router, c.router.Shards())
	}
	s := newShard(c, len(c.shards), sock)
	if err := c.loop.RegisterFile(sock.Fd(), eventloop.Readable, s.handleEvent); err != nil {
		return nil, fmt.Errorf("failed to register shard %d: %w", s.index, err)
	}
	c.shards = append(c.shards, s)
	plog.Infof("shard %d attached on fd %d", s.index, sock.Fd())
	return s, nil
}

func (c *Context) Shards() []*Shard {
	return c.shards
}

func (c *Context) Closed() bool {
	return c.closed
}

// ShardFor returns the shard that owns key, or nil if that shard has not
// been attached.
func (c *Context) ShardFor(key router.Key) *Shard {
	i := c.router.Route(key)
	if i < 0 || i >= len(c.shards) {
		return nil
	}
	return c.shards[i]
}

// Submit queues cmd on the shard owning key and returns its handle. Every
// outcome, including refusal, is reported through cmd's callbacks.
func (c *Context) Submit(key router.Key, cmd Command) *QueuedRequest {
	r := &QueuedRequest{key: key, command: cmd}
	if c.closed {
		r.fail(ErrClosed)
		return r
	}
	s := c.ShardFor(key)
	if s == nil {
		r.fail(fmt.Errorf("%w: shard %d not attached", ErrConnectionLost, c.router.Route(key)))
		return r
	}
	c.submitTo(s, r)
	return r
}

// SubmitShard queues cmd on shard i directly, for commands that address a
// connection rather than a key.
func (c *Context) SubmitShard(i int, cmd Command) *QueuedRequest {
	r := &QueuedRequest{command: cmd}
	if c.closed {
		r.fail(ErrClosed)
		return r
	}
	if i < 0 || i >= len(c.shards) {
		r.fail(fmt.Errorf("%w: shard %d not attached", ErrConnectionLost, i))
		return r
	}
	c.submitTo(c.shards[i], r)
	return r
}

func (c *Context) submitTo(s *Shard, r *QueuedRequest) {
	r.shard = s
	switch {
	case len(r.command.Bytes) == 0:
		r.fail(ErrEmptyCommand)
	case s.err != nil:
		r.fail(s.err)
	case c.cfg.MaxOutstanding > 0 && s.Outstanding() >= c.cfg.MaxOutstanding:
		r.fail(ErrConnectionOverloaded)
	default:
		s.metrics.submitted.Inc()
		s.enqueue(r)
	}
}

// Cancel drops a request that has not started writing. No callback fires
// for it. Requests with bytes on the wire cannot be recalled, so Cancel
// reports false for them and for anything already finished.
func (c *Context) Cancel(r *QueuedRequest) bool {
	if r == nil || r.shard == nil || r.state != stateWaiting {
		return false
	}
	s := r.shard
	if s.err != nil {
		return false
	}
	if head, _ := s.waiting.Front(); head == r && s.writeOffset > 0 {
		return false
	}
	if !s.remove(r) {
		return false
	}
	r.state = stateCancelled
	s.metrics.cancelled.Inc()
	plog.Debugf("shard %d: request cancelled", s.index)
	return true
}

// Close fails every outstanding request with ErrClosed and releases the
// sockets. The sweep timer stops at its next tick.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, s := range c.shards {
		s.close()
	}
}
