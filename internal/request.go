package internal

import (
	"errors"
	"fmt"

	"github.com/jsp-lqk/metapipe-redis/internal/protocol"
	"github.com/jsp-lqk/metapipe-redis/router"
)

var (
	// ErrWouldBlock and ErrInterrupted are returned by a Socket when no
	// progress is possible right now. They never reach a caller.
	ErrWouldBlock  = errors.New("operation would block")
	ErrInterrupted = errors.New("interrupted system call")

	ErrConnectionLost = errors.New("connection lost")
	// ErrProtocolViolation fails a shard whose stream can no longer be
	// correlated. It matches ErrConnectionLost under errors.Is.
	ErrProtocolViolation    = fmt.Errorf("%w: reply without pending request", ErrConnectionLost)
	ErrTimeout              = errors.New("timeout")
	ErrClosed               = errors.New("closed")
	ErrConnectionOverloaded = errors.New("connection overloaded")
	ErrEmptyCommand         = errors.New("empty command")
)

func isRetryable(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrInterrupted)
}

// Command is an encoded request plus its completion callbacks. Either
// callback may be nil.
type Command struct {
	Bytes     []byte
	OnReply   func(protocol.Value)
	OnFailure func(error)
}

type requestState int

const (
	stateWaiting requestState = iota
	statePending
	stateDone
	stateCancelled
)

func (s requestState) String() string {
	switch s {
	case stateWaiting:
		return "waiting"
	case statePending:
		return "pending"
	case stateDone:
		return "done"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// QueuedRequest is a submitted Command while a shard owns it. The pointer
// returned by Context.Submit is the handle for Context.Cancel.
type QueuedRequest struct {
	key     router.Key
	command Command
	age     int
	state   requestState
	shard   *Shard
}

func (r *QueuedRequest) Key() router.Key {
	return r.key
}

// Age is the number of sweeps the request has survived while pending.
func (r *QueuedRequest) Age() int {
	return r.age
}

// Done reports whether a callback has fired or the request was cancelled.
func (r *QueuedRequest) Done() bool {
	return r.state == stateDone || r.state == stateCancelled
}

func (r *QueuedRequest) reply(v protocol.Value) {
	if r.Done() {
		return
	}
	r.state = stateDone
	if r.command.OnReply != nil {
		r.command.OnReply(v)
	}
}

func (r *QueuedRequest) fail(err error) {
	if r.Done() {
		return
	}
	r.state = stateDone
	if r.command.OnFailure != nil {
		r.command.OnFailure(err)
	}
}
