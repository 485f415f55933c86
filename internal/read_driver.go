package internal

import (
	"errors"
	"fmt"
	"io"

	"github.com/jsp-lqk/metapipe-redis/internal/protocol"
)

// drainReads reads until the socket would block, handing every complete
// reply to the request at the head of pending.
func (s *Shard) drainReads() {
	for s.err == nil {
		n, err := s.sock.Read(s.readBuf)
		if n > 0 {
			s.metrics.bytesRead.Add(n)
			s.decoder.Feed(s.readBuf[:n])
			s.dispatchReplies()
		}
		switch {
		case s.err != nil:
			return
		case err == nil && n == 0, errors.Is(err, io.EOF):
			s.failConnection(fmt.Errorf("%w: peer closed the connection", ErrConnectionLost))
			return
		case err == nil:
		case isRetryable(err):
			return
		default:
			s.failConnection(wrapLost("read", err))
			return
		}
	}
}

func (s *Shard) dispatchReplies() {
	for s.err == nil {
		v, err := s.decoder.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			return
		}
		if err != nil {
			plog.Errorf("shard %d: %v", s.index, err)
			s.failConnection(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
		if s.orphans > 0 {
			s.orphans--
			s.metrics.orphaned.Inc()
			plog.Debugf("shard %d: discarded reply of timed out request, %d left", s.index, s.orphans)
			continue
		}
		if s.pending.Len() == 0 {
			plog.Errorf("shard %d: unexpected reply %s", s.index, protocol.String(v))
			s.failConnection(ErrProtocolViolation)
			return
		}
		r := s.pending.PopFront()
		s.metrics.replied.Inc()
		s.metrics.replyAge.Update(float64(r.age))
		r.reply(v)
	}
}
