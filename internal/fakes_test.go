package internal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jsp-lqk/metapipe-redis/internal/eventloop"
	"github.com/jsp-lqk/metapipe-redis/internal/protocol"
	"github.com/jsp-lqk/metapipe-redis/router"
)

// fakeLoop records registrations and lets a test fire events and ticks by
// hand.
type fakeLoop struct {
	files        map[int]*fakeFile
	timers       []*fakeTimer
	interestSets int
}

type fakeFile struct {
	mask eventloop.Mask
	proc eventloop.FileProc
}

type fakeTimer struct {
	interval int64
	proc     eventloop.TimerProc
	stopped  bool
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{files: make(map[int]*fakeFile)}
}

func (l *fakeLoop) RegisterFile(fd int, mask eventloop.Mask, proc eventloop.FileProc) error {
	if _, ok := l.files[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	l.files[fd] = &fakeFile{mask: mask, proc: proc}
	return nil
}

func (l *fakeLoop) SetInterest(fd int, mask eventloop.Mask) error {
	f, ok := l.files[fd]
	if !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	l.interestSets++
	f.mask = mask
	return nil
}

func (l *fakeLoop) UnregisterFile(fd int) error {
	if _, ok := l.files[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	delete(l.files, fd)
	return nil
}

func (l *fakeLoop) RegisterTimer(intervalMs int64, proc eventloop.TimerProc) (int64, error) {
	l.timers = append(l.timers, &fakeTimer{interval: intervalMs, proc: proc})
	return int64(len(l.timers)), nil
}

func (l *fakeLoop) mask(fd int) eventloop.Mask {
	if f, ok := l.files[fd]; ok {
		return f.mask
	}
	return 0
}

func (l *fakeLoop) registered(fd int) bool {
	_, ok := l.files[fd]
	return ok
}

func (l *fakeLoop) fire(fd int, mask eventloop.Mask) {
	if f, ok := l.files[fd]; ok {
		f.proc(fd, mask)
	}
}

func (l *fakeLoop) writable(fd int) {
	l.fire(fd, eventloop.Writable)
}

func (l *fakeLoop) readable(fd int) {
	l.fire(fd, eventloop.Readable)
}

func (l *fakeLoop) tick() {
	for _, t := range l.timers {
		if t.stopped {
			continue
		}
		next := t.proc()
		if next == eventloop.NoMore {
			t.stopped = true
			continue
		}
		t.interval = next
	}
}

const (
	wouldBlock  = -1
	interrupted = -2
)

// fakeSocket plays back scripted write acceptance and read chunks. Each
// entry in writes is how many bytes the next Write accepts, or wouldBlock /
// interrupted; once the script runs out every Write takes everything. Reads
// return queued chunks and then would-block, or EOF when eof is set.
type fakeSocket struct {
	fd       int
	written  bytes.Buffer
	writes   []int
	writeErr error
	reads    [][]byte
	readErr  error
	eof      bool
	closed   int
}

func (s *fakeSocket) Fd() int {
	return s.fd
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if len(s.writes) > 0 {
		k := s.writes[0]
		s.writes = s.writes[1:]
		switch {
		case k == wouldBlock:
			return 0, ErrWouldBlock
		case k == interrupted:
			return 0, ErrInterrupted
		case k > len(p):
			k = len(p)
		}
		s.written.Write(p[:k])
		return k, nil
	}
	s.written.Write(p)
	return len(p), nil
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.reads) > 0 {
		c := s.reads[0]
		n := copy(p, c)
		if n < len(c) {
			s.reads[0] = c[n:]
		} else {
			s.reads = s.reads[1:]
		}
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

func (s *fakeSocket) Close() error {
	s.closed++
	if s.closed > 1 {
		return errors.New("already closed")
	}
	return nil
}

func (s *fakeSocket) feed(chunks ...string) {
	for _, c := range chunks {
		s.reads = append(s.reads, []byte(c))
	}
}

// outcome is what one command's callbacks reported.
type outcome struct {
	id    int
	value protocol.Value
	err   error
}

type recorder struct {
	outcomes []outcome
}

func (rec *recorder) command(id int, parts ...string) Command {
	return Command{
		Bytes: protocol.EncodeStrings(parts...),
		OnReply: func(v protocol.Value) {
			rec.outcomes = append(rec.outcomes, outcome{id: id, value: v})
		},
		OnFailure: func(err error) {
			rec.outcomes = append(rec.outcomes, outcome{id: id, err: err})
		},
	}
}

func (rec *recorder) of(id int) []outcome {
	var out []outcome
	for _, o := range rec.outcomes {
		if o.id == id {
			out = append(out, o)
		}
	}
	return out
}

type harness struct {
	ctx   *Context
	loop  *fakeLoop
	socks []*fakeSocket
	rec   *recorder
}

func newHarness(t *testing.T, shards int, cfg Config) *harness {
	t.Helper()
	r, err := router.New("", shards)
	require.NoError(t, err)
	loop := newFakeLoop()
	ctx, err := NewContext(loop, r, cfg)
	require.NoError(t, err)
	h := &harness{ctx: ctx, loop: loop, rec: &recorder{}}
	for i := 0; i < shards; i++ {
		sock := &fakeSocket{fd: 100 + i}
		_, err := ctx.AddShard(sock)
		require.NoError(t, err)
		h.socks = append(h.socks, sock)
	}
	return h
}

func (h *harness) sock() *fakeSocket {
	return h.socks[0]
}

func (h *harness) shard() *Shard {
	return h.ctx.Shards()[0]
}

func (h *harness) submit(id int, parts ...string) *QueuedRequest {
	return h.ctx.Submit(router.KeyOf(fmt.Sprint(id)), h.rec.command(id, parts...))
}

// keyFor finds a key the router sends to shard.
func (h *harness) keyFor(t *testing.T, shard int) router.Key {
	t.Helper()
	for i := 0; i < 10000; i++ {
		k := router.KeyOf(fmt.Sprintf("key-%d", i))
		if h.ctx.router.Route(k) == shard {
			return k
		}
	}
	t.Fatalf("no key routes to shard %d", shard)
	return router.Key{}
}
