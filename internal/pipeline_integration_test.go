//go:build linux

package internal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsp-lqk/metapipe-redis/internal/eventloop"
	"github.com/jsp-lqk/metapipe-redis/internal/fakeredis"
	"github.com/jsp-lqk/metapipe-redis/internal/protocol"
	"github.com/jsp-lqk/metapipe-redis/router"
)

type liveResult struct {
	id    int
	value protocol.Value
	err   error
}

type livePipeline struct {
	loop    *eventloop.EpollLoop
	ctx     *Context
	results chan liveResult
	done    chan error
}

func startLivePipeline(t *testing.T, addr string, cfg Config) *livePipeline {
	t.Helper()
	loop, err := eventloop.NewEpollLoop()
	require.NoError(t, err)
	p := &livePipeline{loop: loop, results: make(chan liveResult, 1024), done: make(chan error, 1)}
	go func() { p.done <- loop.Run() }()
	t.Cleanup(func() {
		if p.ctx != nil {
			p.onLoop(t, func() { p.ctx.Close() })
		}
		loop.Stop()
		<-p.done
	})

	sock, err := Dial(addr, DialOptions{Timeout: time.Second, TCPNoDelay: true})
	require.NoError(t, err)
	r, err := router.New("", 1)
	require.NoError(t, err)
	p.onLoop(t, func() {
		p.ctx, err = NewContext(loop, r, cfg)
		if err == nil {
			_, err = p.ctx.AddShard(sock)
		}
	})
	require.NoError(t, err)
	return p
}

// onLoop runs f on the loop goroutine and waits for it.
func (p *livePipeline) onLoop(t *testing.T, f func()) {
	t.Helper()
	ran := make(chan struct{})
	require.True(t, p.loop.Post(func() {
		defer close(ran)
		f()
	}))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not run posted work")
	}
}

func (p *livePipeline) submit(t *testing.T, id int, parts ...string) {
	p.onLoop(t, func() {
		p.ctx.Submit(router.KeyOf(fmt.Sprint(id)), Command{
			Bytes:     protocol.EncodeStrings(parts...),
			OnReply:   func(v protocol.Value) { p.results <- liveResult{id: id, value: v} },
			OnFailure: func(err error) { p.results <- liveResult{id: id, err: err} },
		})
	})
}

func (p *livePipeline) next(t *testing.T) liveResult {
	t.Helper()
	select {
	case r := <-p.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
		return liveResult{}
	}
}

func TestLivePipelinePreservesOrder(t *testing.T) {
	srv, err := fakeredis.Start()
	require.NoError(t, err)
	defer srv.Close()
	p := startLivePipeline(t, srv.Addr(), Config{ReadBufferSize: 64})

	const n = 500
	for i := 0; i < n; i++ {
		p.submit(t, i, "ECHO", fmt.Sprintf("msg-%d", i))
	}
	for i := 0; i < n; i++ {
		r := p.next(t)
		require.NoError(t, r.err)
		assert.Equal(t, i, r.id)
		assert.Equal(t, protocol.Bulk([]byte(fmt.Sprintf("msg-%d", i))), r.value)
	}
}

func TestLivePipelineSetGet(t *testing.T) {
	srv, err := fakeredis.Start()
	require.NoError(t, err)
	defer srv.Close()
	p := startLivePipeline(t, srv.Addr(), Config{})

	p.submit(t, 1, "SET", "k", "v\r\nwith crlf")
	p.submit(t, 2, "GET", "k")
	p.submit(t, 3, "GET", "missing")
	p.submit(t, 4, "NOPE")

	assert.Equal(t, protocol.SimpleString("OK"), p.next(t).value)
	assert.Equal(t, protocol.Bulk([]byte("v\r\nwith crlf")), p.next(t).value)
	assert.Equal(t, protocol.NullBulk, p.next(t).value)
	assert.IsType(t, protocol.Error(""), p.next(t).value)
}

func TestLivePipelineSkipsLateReply(t *testing.T) {
	srv, err := fakeredis.Start()
	require.NoError(t, err)
	defer srv.Close()
	p := startLivePipeline(t, srv.Addr(), Config{TickMs: 10, MaxAge: 3})

	p.submit(t, 1, "SLEEP", "150")
	r := p.next(t)
	assert.Equal(t, 1, r.id)
	assert.ErrorIs(t, r.err, ErrTimeout)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var orphans int
		p.onLoop(t, func() { orphans = p.ctx.Shards()[0].Orphans() })
		if orphans == 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "late reply never arrived")
		time.Sleep(10 * time.Millisecond)
	}

	p.submit(t, 2, "PING")
	r = p.next(t)
	assert.Equal(t, 2, r.id)
	require.NoError(t, r.err)
	assert.Equal(t, protocol.SimpleString("PONG"), r.value)
}

func TestLivePipelinePeerClose(t *testing.T) {
	srv, err := fakeredis.Start()
	require.NoError(t, err)
	defer srv.Close()
	p := startLivePipeline(t, srv.Addr(), Config{})

	p.submit(t, 1, "PING")
	p.submit(t, 2, "QUIT")
	assert.Equal(t, protocol.SimpleString("PONG"), p.next(t).value)
	r := p.next(t)
	assert.Equal(t, 2, r.id)
	assert.ErrorIs(t, r.err, ErrConnectionLost)

	p.submit(t, 3, "PING")
	assert.ErrorIs(t, p.next(t).err, ErrConnectionLost)
}
