package client

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jsp-lqk/metapipe-redis/internal"
	"github.com/jsp-lqk/metapipe-redis/internal/eventloop"
	"github.com/jsp-lqk/metapipe-redis/internal/protocol"
	"github.com/jsp-lqk/metapipe-redis/router"
)

var plog = logger.GetLogger("client")

// PipelineClient runs the pipeline on its own event loop goroutine. Public
// methods hand work to the loop and wait on a Call.
type PipelineClient struct {
	config ClientConfig
	router router.Router
	loop   *eventloop.EpollLoop
	ctx    *internal.Context
	calls  *xsync.MapOf[uint64, *internal.QueuedRequest]
	nextID atomic.Uint64
	closed atomic.Bool
	done   chan error
}

// DefaultClient connects to a single endpoint ("host:port") with default
// limits.
func DefaultClient(endpoint string) (*PipelineClient, error) {
	t, err := ParseTarget(endpoint)
	if err != nil {
		return nil, err
	}
	return SingleTargetClient(t)
}

func SingleTargetClient(target ConnectionTarget) (*PipelineClient, error) {
	return NewPipelineClient(ClientConfig{
		Targets:        []ConnectionTarget{target},
		TimeoutMs:      target.TimeoutMs,
		MaxOutstanding: target.MaxOutstandingRequests,
		TCPNoDelay:     true,
	})
}

// ShardedClient spreads keys over targets with jump hashing.
func ShardedClient(targets ...ConnectionTarget) (*PipelineClient, error) {
	return NewPipelineClient(ClientConfig{
		Targets:    targets,
		Placement:  "jump",
		TCPNoDelay: true,
	})
}

func NewPipelineClient(config ClientConfig) (*PipelineClient, error) {
	config = config.withDefaults()
	if len(config.Targets) == 0 {
		return nil, errors.New("no targets configured")
	}
	r, err := router.New(config.Placement, len(config.Targets))
	if err != nil {
		return nil, err
	}

	socks := make([]*internal.FdSocket, 0, len(config.Targets))
	closeAll := func() {
		for _, s := range socks {
			s.Close()
		}
	}
	for _, t := range config.Targets {
		s, err := internal.Dial(t.Endpoint(), internal.DialOptions{
			Timeout:      time.Duration(config.DialTimeoutMs) * time.Millisecond,
			TCPNoDelay:   config.TCPNoDelay,
			KeepAliveSec: config.KeepAliveSec,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		socks = append(socks, s)
	}

	loop, err := eventloop.NewEpollLoop()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}
	c := &PipelineClient{
		config: config,
		router: r,
		loop:   loop,
		calls:  xsync.NewMapOf[uint64, *internal.QueuedRequest](),
		done:   make(chan error, 1),
	}
	go func() {
		err := loop.Run()
		if err != nil {
			// the loop is gone, so this goroutine is the only one left
			// touching the context
			plog.Errorf("event loop failed, failing outstanding calls: %v", err)
			c.closed.Store(true)
			if c.ctx != nil {
				c.ctx.Close()
			}
		}
		c.done <- err
	}()

	setup := make(chan error, 1)
	posted := loop.Post(func() {
		ctx, err := internal.NewContext(loop, r, internal.Config{
			TickMs:         int64(config.TickMs),
			MaxAge:         config.maxAge(),
			MaxOutstanding: config.MaxOutstanding,
			ReadBufferSize: config.ReadBufferSize,
		})
		if err != nil {
			setup <- err
			return
		}
		for _, s := range socks {
			if _, err := ctx.AddShard(s); err != nil {
				ctx.Close()
				setup <- err
				return
			}
		}
		c.ctx = ctx
		setup <- nil
	})
	if !posted {
		err := <-c.done
		closeAll()
		return nil, fmt.Errorf("event loop stopped before setup: %w", err)
	}
	if err := <-setup; err != nil {
		loop.Stop()
		<-c.done
		closeAll()
		return nil, err
	}
	plog.Infof("pipeline client started with %d shards, %d ms timeout", len(socks), config.TimeoutMs)
	return c, nil
}

// Config returns the effective configuration, defaults applied.
func (c *PipelineClient) Config() ClientConfig {
	return c.config
}

// WritePrometheus writes this client's per-shard request, byte and reply age
// metrics in Prometheus text format.
func (c *PipelineClient) WritePrometheus(w io.Writer) {
	c.ctx.WritePrometheus(w)
}

// Outstanding is the number of calls queued or in flight.
func (c *PipelineClient) Outstanding() int {
	return c.calls.Size()
}

// Dispatch sends an encoded command to the shard owning key.
func (c *PipelineClient) Dispatch(key string, command []byte) *Call {
	k := router.KeyOf(key)
	return c.submit(func(cmd internal.Command) *internal.QueuedRequest {
		return c.ctx.Submit(k, cmd)
	}, command)
}

// Do encodes verb and args and sends them to the shard owning key.
func (c *PipelineClient) Do(key string, verb string, args ...[]byte) *Call {
	return c.Dispatch(key, protocol.EncodeCommand(verb, args...))
}

func (c *PipelineClient) submit(send func(internal.Command) *internal.QueuedRequest, command []byte) *Call {
	call := newCall(c.nextID.Add(1))
	if c.closed.Load() {
		call.complete(Response{Err: ErrClosed})
		return call
	}
	posted := c.loop.Post(func() {
		h := send(internal.Command{
			Bytes: command,
			OnReply: func(v protocol.Value) {
				c.calls.Delete(call.id)
				call.complete(Response{Value: v})
			},
			OnFailure: func(err error) {
				c.calls.Delete(call.id)
				call.complete(Response{Err: err})
			},
		})
		if !h.Done() {
			c.calls.Store(call.id, h)
		}
	})
	if !posted {
		call.complete(Response{Err: ErrClosed})
	}
	return call
}

// Cancel withdraws a call that has not started writing. A cancelled call
// completes with ErrCancelled. It returns false when the command is already
// on the wire or finished.
func (c *PipelineClient) Cancel(call *Call) bool {
	select {
	case <-call.done:
		return false
	default:
	}
	res := make(chan bool, 1)
	posted := c.loop.Post(func() {
		h, ok := c.calls.Load(call.id)
		if !ok || !c.ctx.Cancel(h) {
			res <- false
			return
		}
		c.calls.Delete(call.id)
		call.complete(Response{Err: ErrCancelled})
		res <- true
	})
	if !posted {
		return false
	}
	return <-res
}

// Ping sends PING to every shard.
func (c *PipelineClient) Ping() error {
	calls := make([]*Call, c.router.Shards())
	for i := range calls {
		calls[i] = c.submit(func(cmd internal.Command) *internal.QueuedRequest {
			return c.ctx.SubmitShard(i, cmd)
		}, protocol.EncodeStrings("PING"))
	}
	for i, call := range calls {
		v, err := call.Wait()
		if err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
		if v != protocol.SimpleString("PONG") {
			return fmt.Errorf("shard %d: %w", i, unexpected(v))
		}
	}
	return nil
}

func (c *PipelineClient) Get(key string) ([]byte, error) {
	v, err := c.Do(key, "GET", []byte(key)).Wait()
	if err != nil {
		return nil, fmt.Errorf("operation failed: %w", err)
	}
	return bulkValue(v)
}

// GetMany groups keys by shard and sends one MGET per shard. Missing keys
// are left out of the result.
func (c *PipelineClient) GetMany(keys []string) (map[string][]byte, error) {
	groups := make(map[int][]string)
	for _, k := range keys {
		i := c.router.Route(router.KeyOf(k))
		groups[i] = append(groups[i], k)
	}
	type batch struct {
		keys []string
		call *Call
	}
	batches := make([]batch, 0, len(groups))
	for _, group := range groups {
		args := make([][]byte, len(group))
		for i, k := range group {
			args[i] = []byte(k)
		}
		batches = append(batches, batch{keys: group, call: c.Do(group[0], "MGET", args...)})
	}

	result := make(map[string][]byte, len(keys))
	var firstErr error
	for _, b := range batches {
		v, err := b.call.Wait()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("operation failed: %w", err)
			}
			continue
		}
		arr, ok := v.(protocol.Array)
		if !ok || len(arr.Values) != len(b.keys) {
			if firstErr == nil {
				firstErr = unexpected(v)
			}
			continue
		}
		for i, e := range arr.Values {
			val, err := bulkValue(e)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if val != nil {
				result[b.keys[i]] = val
			}
		}
	}
	return result, firstErr
}

func (c *PipelineClient) Set(key string, value []byte, ttl int) (MutationResult, error) {
	return c.store(key, value, ttl, "")
}

// Add stores value only if key does not exist yet.
func (c *PipelineClient) Add(key string, value []byte, ttl int) (MutationResult, error) {
	return c.store(key, value, ttl, "NX")
}

// Replace stores value only if key already exists.
func (c *PipelineClient) Replace(key string, value []byte, ttl int) (MutationResult, error) {
	return c.store(key, value, ttl, "XX")
}

func (c *PipelineClient) store(key string, value []byte, ttl int, condition string) (MutationResult, error) {
	args := [][]byte{[]byte(key), value}
	if ttl > 0 {
		args = append(args, []byte("EX"), []byte(strconv.Itoa(ttl)))
	}
	if condition != "" {
		args = append(args, []byte(condition))
	}
	v, err := c.Do(key, "SET", args...).Wait()
	if err != nil {
		return Error, fmt.Errorf("operation failed: %w", err)
	}
	switch r := v.(type) {
	case protocol.SimpleString:
		if r == "OK" {
			return Success, nil
		}
	case protocol.BulkString:
		if r.IsNull {
			return NotStored, nil
		}
	}
	return Error, unexpected(v)
}

func (c *PipelineClient) Delete(key string) (MutationResult, error) {
	return c.counted(c.Do(key, "DEL", []byte(key)))
}

// Touch sets a new time to live in seconds on key.
func (c *PipelineClient) Touch(key string, ttl int) (MutationResult, error) {
	return c.counted(c.Do(key, "EXPIRE", []byte(key), []byte(strconv.Itoa(ttl))))
}

func (c *PipelineClient) counted(call *Call) (MutationResult, error) {
	v, err := call.Wait()
	if err != nil {
		return Error, fmt.Errorf("operation failed: %w", err)
	}
	n, ok := v.(protocol.Integer)
	if !ok {
		return Error, unexpected(v)
	}
	if n == 0 {
		return NotFound, nil
	}
	return Success, nil
}

func (c *PipelineClient) LLen(key string) (int64, error) {
	v, err := c.Do(key, "LLEN", []byte(key)).Wait()
	if err != nil {
		return 0, fmt.Errorf("operation failed: %w", err)
	}
	n, ok := v.(protocol.Integer)
	if !ok {
		return 0, unexpected(v)
	}
	return int64(n), nil
}

// Shutdown fails every outstanding call with ErrClosed, closes the
// connections and stops the loop. Later calls fail with ErrClosed.
func (c *PipelineClient) Shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	outstanding := c.calls.Size()
	c.loop.Post(func() {
		c.ctx.Close()
	})
	c.loop.Stop()
	<-c.done
	plog.Infof("pipeline client shut down, %d calls were outstanding", outstanding)
}

func bulkValue(v protocol.Value) ([]byte, error) {
	b, ok := v.(protocol.BulkString)
	if !ok {
		return nil, unexpected(v)
	}
	if b.IsNull {
		return nil, nil
	}
	return b.Value, nil
}
