package client

import (
	"errors"

	"github.com/jsp-lqk/metapipe-redis/internal"
)

type MutationResult int

const (
	Success MutationResult = iota
	Error
	Exists
	NotFound
	NotStored
)

func (r MutationResult) String() string {
	switch r {
	case Success:
		return "success"
	case Error:
		return "error"
	case Exists:
		return "exists"
	case NotFound:
		return "not found"
	case NotStored:
		return "not stored"
	default:
		return "unknown"
	}
}

var (
	ErrConnectionLost       = internal.ErrConnectionLost
	ErrProtocolViolation    = internal.ErrProtocolViolation
	ErrConnectionOverloaded = internal.ErrConnectionOverloaded
	ErrRequestTimeout       = internal.ErrTimeout
	ErrClosed               = internal.ErrClosed
	ErrEmptyCommand         = internal.ErrEmptyCommand
	ErrCancelled            = errors.New("cancelled")
	ErrUnexpectedReply      = errors.New("unexpected reply")
)

// ServerError is an error reply sent by the server, such as
// "ERR wrong number of arguments".
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Client is a pipelined Redis client. Every method is safe for concurrent
// use; commands sent to the same shard are written and answered in the
// order they were issued.
type Client interface {
	Add(key string, value []byte, ttl int) (MutationResult, error)
	Delete(key string) (MutationResult, error)
	Get(key string) ([]byte, error)
	GetMany(keys []string) (map[string][]byte, error)
	LLen(key string) (int64, error)
	Ping() error
	Replace(key string, value []byte, ttl int) (MutationResult, error)
	Set(key string, value []byte, ttl int) (MutationResult, error)
	Touch(key string, ttl int) (MutationResult, error)
	Do(key string, verb string, args ...[]byte) *Call
	Cancel(call *Call) bool
	Shutdown()
}
