package client

import (
	"fmt"

	"github.com/jsp-lqk/metapipe-redis/internal/protocol"
)

// Response is the outcome of one command: a decoded reply or an error.
// Server error replies arrive as a protocol.Error value with Err unset.
type Response struct {
	Value protocol.Value
	Err   error
}

// Call is the handle of a command issued through Do or Dispatch.
type Call struct {
	id   uint64
	done chan struct{}
	resp Response
}

func newCall(id uint64) *Call {
	return &Call{id: id, done: make(chan struct{})}
}

func (c *Call) complete(r Response) {
	c.resp = r
	close(c.done)
}

// Done is closed once the call has an outcome.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Response blocks until the call completes and returns its raw outcome.
func (c *Call) Response() Response {
	<-c.done
	return c.resp
}

// Wait blocks until the call completes. A server error reply is returned
// as a *ServerError alongside the value.
func (c *Call) Wait() (protocol.Value, error) {
	r := c.Response()
	if r.Err != nil {
		return nil, r.Err
	}
	if e, ok := r.Value.(protocol.Error); ok {
		return r.Value, &ServerError{Message: string(e)}
	}
	return r.Value, nil
}

func unexpected(v protocol.Value) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedReply, protocol.String(v))
}
