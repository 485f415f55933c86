//go:build linux

package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type fileEvent struct {
	mask Mask
	proc FileProc
}

type timerEvent struct {
	id   int64
	when time.Time
	proc TimerProc
}

// EpollLoop is a level-triggered epoll loop. Files and timers are only
// touched from the goroutine running Run; other goroutines hand work over
// with Post.
type EpollLoop struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	files       map[int]*fileEvent
	timers      []*timerEvent
	nextTimerID int64

	mu       sync.Mutex
	posted   []func()
	stopping bool
}

func NewEpollLoop() (*EpollLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl wakefd: %w", err)
	}
	return &EpollLoop{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 128),
		files:  make(map[int]*fileEvent),
	}, nil
}

func toEpoll(mask Mask) uint32 {
	var ev uint32
	if mask&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (l *EpollLoop) RegisterFile(fd int, mask Mask, proc FileProc) error {
	if _, ok := l.files[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	l.files[fd] = &fileEvent{mask: mask, proc: proc}
	return nil
}

func (l *EpollLoop) SetInterest(fd int, mask Mask) error {
	fe, ok := l.files[fd]
	if !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	if fe.mask == mask {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod %d: %w", fd, err)
	}
	fe.mask = mask
	return nil
}

func (l *EpollLoop) UnregisterFile(fd int) error {
	if _, ok := l.files[fd]; !ok {
		return nil
	}
	delete(l.files, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

func (l *EpollLoop) RegisterTimer(intervalMs int64, proc TimerProc) (int64, error) {
	if intervalMs < 0 {
		return 0, fmt.Errorf("invalid timer interval %d", intervalMs)
	}
	l.nextTimerID++
	l.timers = append(l.timers, &timerEvent{
		id:   l.nextTimerID,
		when: time.Now().Add(time.Duration(intervalMs) * time.Millisecond),
		proc: proc,
	})
	return l.nextTimerID, nil
}

// Post queues f to run on the loop goroutine. It returns false once Stop
// has been called; f will not run in that case.
func (l *EpollLoop) Post(f func()) bool {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return false
	}
	l.posted = append(l.posted, f)
	l.wake()
	l.mu.Unlock()
	return true
}

// Stop makes Run return after it has executed everything posted so far.
func (l *EpollLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return
	}
	l.stopping = true
	l.wake()
}

// wake is called with mu held so it never races release.
func (l *EpollLoop) wake() {
	if l.wakefd < 0 {
		return
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		plog.Warningf("failed to wake event loop: %v", err)
	}
}

// Run dispatches events until Stop is called. The loop's descriptors are
// closed on return; registered file descriptors are left to their owners.
func (l *EpollLoop) Run() error {
	defer l.exit()
	for {
		stopping := l.runPosted()
		if stopping {
			return nil
		}
		n, err := unix.EpollWait(l.epfd, l.events, l.waitTimeout())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := l.events[i]
			fd := int(ev.Fd)
			if fd == l.wakefd {
				l.drainWake()
				continue
			}
			fe, ok := l.files[fd]
			if !ok {
				continue
			}
			var mask Mask
			if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
				mask |= Readable
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				mask |= Writable
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				// let the owner see the error through its next read or write
				mask |= fe.mask
			}
			mask &= fe.mask
			if mask != 0 {
				fe.proc(fd, mask)
			}
		}
		l.fireTimers(time.Now())
	}
}

func (l *EpollLoop) runPosted() bool {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	stopping := l.stopping
	l.mu.Unlock()
	// once stopping is set Post refuses new work, so this batch is the last
	for _, f := range posted {
		f()
	}
	return stopping
}

func (l *EpollLoop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// waitTimeout returns the epoll_wait timeout in ms until the nearest timer,
// -1 when there are none.
func (l *EpollLoop) waitTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}
	nearest := l.timers[0].when
	for _, t := range l.timers[1:] {
		if t.when.Before(nearest) {
			nearest = t.when
		}
	}
	d := time.Until(nearest)
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (l *EpollLoop) fireTimers(now time.Time) {
	due := make([]*timerEvent, 0, len(l.timers))
	for _, t := range l.timers {
		if !now.Before(t.when) {
			due = append(due, t)
		}
	}
	for _, t := range due {
		next := t.proc()
		if next == NoMore {
			l.removeTimer(t.id)
			continue
		}
		t.when = now.Add(time.Duration(next) * time.Millisecond)
	}
}

func (l *EpollLoop) removeTimer(id int64) {
	for i, t := range l.timers {
		if t.id == id {
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			return
		}
	}
}

// exit refuses further Post calls, runs whatever was accepted before and
// closes the loop's descriptors. It runs however Run returns, so a failed
// loop never strands posted work.
func (l *EpollLoop) exit() {
	l.mu.Lock()
	l.stopping = true
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()
	if len(posted) > 0 {
		plog.Debugf("running %d functions posted before exit", len(posted))
	}
	for _, f := range posted {
		f()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	unix.Close(l.wakefd)
	unix.Close(l.epfd)
	l.wakefd = -1
}
