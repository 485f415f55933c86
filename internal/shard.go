package internal

import (
	"github.com/edwingeng/deque/v2"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/jsp-lqk/metapipe-redis/internal/eventloop"
	"github.com/jsp-lqk/metapipe-redis/internal/protocol"
)

var plog = logger.GetLogger("pipeline")

// Shard is one connection with its request queues. Requests enter waiting,
// move to pending once their last byte is written, and leave pending when
// their reply arrives or they time out. writeOffset counts the bytes of the
// waiting head already on the wire.
type Shard struct {
	index int
	ctx   *Context
	sock  Socket

	waiting     *deque.Deque[*QueuedRequest]
	pending     *deque.Deque[*QueuedRequest]
	writeOffset int
	// replies still owed to timed out requests, discarded before correlating
	orphans int

	decoder       *protocol.Decoder
	readBuf       []byte
	writeInterest bool
	released      bool
	err           error

	metrics *shardMetrics
}

func newShard(ctx *Context, index int, sock Socket) *Shard {
	return &Shard{
		index:   index,
		ctx:     ctx,
		sock:    sock,
		waiting: deque.NewDeque[*QueuedRequest](),
		pending: deque.NewDeque[*QueuedRequest](),
		decoder: protocol.NewDecoder(),
		readBuf: make([]byte, ctx.cfg.ReadBufferSize),
		metrics: newShardMetrics(ctx.metrics, index),
	}
}

func (s *Shard) Index() int {
	return s.index
}

// Waiting is the number of requests not yet fully written.
func (s *Shard) Waiting() int {
	return s.waiting.Len()
}

// Pending is the number of written requests awaiting a reply.
func (s *Shard) Pending() int {
	return s.pending.Len()
}

func (s *Shard) Outstanding() int {
	return s.waiting.Len() + s.pending.Len()
}

func (s *Shard) WriteOffset() int {
	return s.writeOffset
}

func (s *Shard) Orphans() int {
	return s.orphans
}

// Err is nil while the shard is usable. Once it failed or was closed it
// reports why.
func (s *Shard) Err() error {
	return s.err
}

func (s *Shard) enqueue(r *QueuedRequest) {
	r.state = stateWaiting
	s.waiting.PushBack(r)
	if s.waiting.Len() == 1 {
		s.enableWrites()
	}
}

func (s *Shard) remove(r *QueuedRequest) bool {
	found := false
	for i, n := 0, s.waiting.Len(); i < n; i++ {
		q := s.waiting.PopFront()
		if q == r {
			found = true
			continue
		}
		s.waiting.PushBack(q)
	}
	if found && s.waiting.Len() == 0 {
		s.disableWrites()
	}
	return found
}

func (s *Shard) handleEvent(fd int, mask eventloop.Mask) {
	if mask&eventloop.Readable != 0 {
		s.drainReads()
	}
	if s.err == nil && mask&eventloop.Writable != 0 {
		s.flushWrites()
	}
}

func (s *Shard) enableWrites() {
	if s.writeInterest || s.err != nil {
		return
	}
	if err := s.ctx.loop.SetInterest(s.sock.Fd(), eventloop.Readable|eventloop.Writable); err != nil {
		s.failConnection(wrapLost("set write interest", err))
		return
	}
	s.writeInterest = true
}

func (s *Shard) disableWrites() {
	if !s.writeInterest || s.err != nil {
		return
	}
	if err := s.ctx.loop.SetInterest(s.sock.Fd(), eventloop.Readable); err != nil {
		s.failConnection(wrapLost("clear write interest", err))
		return
	}
	s.writeInterest = false
}

// failConnection makes the shard unusable and fails everything it holds
// with err, which wraps ErrConnectionLost.
func (s *Shard) failConnection(err error) {
	if s.err != nil {
		return
	}
	plog.Warningf("shard %d: %v, failing %d pending and %d waiting requests",
		s.index, err, s.pending.Len(), s.waiting.Len())
	s.shutdown(err)
}

func (s *Shard) close() {
	if s.err != nil {
		return
	}
	plog.Debugf("shard %d: closing with %d pending and %d waiting requests",
		s.index, s.pending.Len(), s.waiting.Len())
	s.shutdown(ErrClosed)
}

func (s *Shard) shutdown(err error) {
	s.err = err
	for s.pending.Len() > 0 {
		r := s.pending.PopFront()
		s.metrics.failed.Inc()
		r.fail(err)
	}
	for s.waiting.Len() > 0 {
		r := s.waiting.PopFront()
		s.metrics.failed.Inc()
		r.fail(err)
	}
	s.writeOffset = 0
	s.orphans = 0
	s.decoder.Reset()
	s.release()
}

func (s *Shard) release() {
	if s.released {
		return
	}
	s.released = true
	s.writeInterest = false
	fd := s.sock.Fd()
	if err := s.ctx.loop.UnregisterFile(fd); err != nil {
		plog.Debugf("shard %d: unregister fd %d: %v", s.index, fd, err)
	}
	if err := s.sock.Close(); err != nil {
		plog.Debugf("shard %d: close socket: %v", s.index, err)
	}
}
