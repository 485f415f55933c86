package internal

import (
	"fmt"
)

func wrapLost(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectionLost, op, err)
}

// flushWrites writes waiting requests in order until the socket stops
// accepting bytes. A request moves to pending the moment its last byte is
// written. Write interest is dropped once waiting is empty.
func (s *Shard) flushWrites() {
	for s.err == nil && s.waiting.Len() > 0 {
		head, _ := s.waiting.Front()
		remainder := head.command.Bytes[s.writeOffset:]
		n, err := s.sock.Write(remainder)
		if n > len(remainder) {
			s.failConnection(fmt.Errorf("%w: socket reported %d bytes written of %d", ErrConnectionLost, n, len(remainder)))
			return
		}
		if n > 0 {
			s.writeOffset += n
			s.metrics.bytesWritten.Add(n)
			if n == len(remainder) {
				s.waiting.PopFront()
				s.writeOffset = 0
				head.state = statePending
				s.pending.PushBack(head)
			}
		}
		if err != nil {
			if isRetryable(err) {
				return
			}
			s.failConnection(wrapLost("write", err))
			return
		}
		if n == 0 {
			s.failConnection(fmt.Errorf("%w: zero-byte write", ErrConnectionLost))
			return
		}
	}
	if s.waiting.Len() == 0 {
		s.disableWrites()
	}
}
