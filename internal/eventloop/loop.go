// Package eventloop defines the readiness/timer surface the pipeline core
// consumes, and an epoll implementation of it.
package eventloop

import "github.com/lni/dragonboat/v4/logger"

var plog = logger.GetLogger("eventloop")

// Mask selects readiness events on a file descriptor.
type Mask int

const (
	Readable Mask = 1 << iota
	Writable
)

// NoMore is returned by a TimerProc to cancel its timer.
const NoMore int64 = -1

// FileProc is called on the loop goroutine when fd becomes ready for any
// event in mask.
type FileProc func(fd int, mask Mask)

// TimerProc is called when its timer fires and returns the number of
// milliseconds until the next call, or NoMore.
type TimerProc func() int64

// Loop is the cooperative event loop the pipeline runs on. All methods are
// called from the loop goroutine.
type Loop interface {
	RegisterFile(fd int, mask Mask, proc FileProc) error
	SetInterest(fd int, mask Mask) error
	UnregisterFile(fd int) error
	RegisterTimer(intervalMs int64, proc TimerProc) (int64, error)
}
