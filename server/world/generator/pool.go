package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/df-mc/voxelstore/server/world"
	"github.com/df-mc/voxelstore/server/world/chunk"
)

// ErrClosed is returned when generating a chunk through a Pool that was
// closed.
var ErrClosed = errors.New("generator pool closed")

// Request is a message sent to the workers of a Pool, asking for the chunk
// at X and Z in a Dimension to be generated.
type Request struct {
	ID   uint64
	X, Z int32
	Dim  world.Dimension
}

// Response is the message a worker replies with after handling a Request.
// Data holds the network serialised chunk, as returned by
// chunk.Chunk.Serialize, and SubChunks the amount of sub chunks in it.
type Response struct {
	ID        uint64
	X, Z      int32
	Dim       world.Dimension
	Data      []byte
	SubChunks int
	Err       error
}

// Handler handles a Request and returns the Response to it. Handlers run on
// the worker goroutines of a Pool and may finish in any order.
type Handler func(ctx context.Context, req Request) Response

// requestKey identifies the chunk a Request or Response is for. Responses
// are matched to waiters using it, not using the ID.
type requestKey struct {
	dim  world.Dimension
	hash int64
}

// PoolConfig holds the settings of a Pool.
type PoolConfig struct {
	// Log is the Logger used to report saturation of the queue and panics
	// of workers. If nil, Log is set to slog.Default().
	Log *slog.Logger
	// Air is the runtime ID of air. It is used to decode the chunks workers
	// respond with.
	Air uint32
	// Generator is the Generator run by the workers. Either Generator or
	// Handler must be set.
	Generator Generator
	// Handler overrides the way workers handle requests. If nil, requests
	// are handled by generating the chunk with Generator and serialising it.
	Handler Handler
	// Workers is the amount of worker goroutines. If 0 or lower,
	// runtime.NumCPU() workers are started.
	Workers int
	// QueueSize is the amount of requests that may be queued before
	// GenerateChunk blocks. If 0 or lower, QueueSize is set to 256.
	QueueSize int
}

// Pool is a Generator that delegates generation to a fixed set of worker
// goroutines. Workers and callers only exchange Request and Response
// messages. Concurrent calls for the same chunk share a single Request.
type Pool struct {
	conf PoolConfig

	ctx    context.Context
	cancel context.CancelFunc

	queue   chan Request
	closing chan struct{}
	once    sync.Once
	running sync.WaitGroup

	mu      sync.Mutex
	waiting map[requestKey][]chan Response
	closed  bool

	ids               atomic.Uint64
	saturation        atomic.Uint64
	lastSaturationLog atomic.Int64
}

// NewPool starts the workers of a Pool with the config passed and returns
// the Pool. Close must be called to stop the workers.
func NewPool(conf PoolConfig) *Pool {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.Workers <= 0 {
		conf.Workers = runtime.NumCPU()
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = 256
	}
	if conf.Generator == nil && conf.Handler == nil {
		panic("generator: pool requires a Generator or Handler")
	}
	p := &Pool{
		conf:    conf,
		queue:   make(chan Request, conf.QueueSize),
		closing: make(chan struct{}),
		waiting: make(map[requestKey][]chan Response),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	if p.conf.Handler == nil {
		p.conf.Handler = p.generate
	}
	p.running.Add(conf.Workers)
	for range conf.Workers {
		go p.worker()
	}
	return p
}

// GenerateChunk sends a Request for the chunk at the position and in the
// Dimension passed to the workers and waits for the Response. If a Request
// for the same chunk is already pending, no new Request is sent and the
// Response to the pending one is used.
func (p *Pool) GenerateChunk(ctx context.Context, pos world.ChunkPos, dim world.Dimension) (*chunk.Chunk, error) {
	key := requestKey{dim: dim, hash: pos.Hash()}
	ch := make(chan Response, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	first := len(p.waiting[key]) == 0
	p.waiting[key] = append(p.waiting[key], ch)
	p.mu.Unlock()

	if first {
		req := Request{ID: p.ids.Add(1), X: pos[0], Z: pos[1], Dim: dim}
		if err := p.enqueue(ctx, req); err != nil {
			// Callers that joined in the meantime would otherwise wait for a
			// Request that was never sent.
			p.deliver(Response{ID: req.ID, X: req.X, Z: req.Z, Dim: dim, Err: err})
			return nil, err
		}
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("generate chunk %v: %w", pos, res.Err)
		}
		return chunk.NetworkDecode(p.conf.Air, dim, pos, res.Data, res.SubChunks)
	case <-ctx.Done():
		p.forget(key, ch)
		return nil, ctx.Err()
	case <-p.closing:
		return nil, ErrClosed
	}
}

// Populate populates the chunk passed if the Generator of the Pool
// implements Populator.
func (p *Pool) Populate(c *chunk.Chunk) {
	if pop, ok := p.conf.Generator.(Populator); ok {
		pop.Populate(c)
	}
}

// Close stops all workers. Requests still queued are dropped and callers
// waiting for them receive ErrClosed.
func (p *Pool) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.closing)
		p.cancel()
		p.running.Wait()
	})
	return nil
}

// enqueue adds a Request to the queue. If the queue is full, a saturation
// warning is logged and enqueue blocks until there is space, the context is
// cancelled or the Pool is closed.
func (p *Pool) enqueue(ctx context.Context, req Request) error {
	select {
	case p.queue <- req:
		return nil
	default:
		p.handleBackpressure()
	}
	select {
	case p.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrClosed
	}
}

// forget removes a waiter that stopped waiting for a Response.
func (p *Pool) forget(key requestKey, ch chan Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	waiters := slices.DeleteFunc(p.waiting[key], func(w chan Response) bool { return w == ch })
	if len(waiters) == 0 {
		delete(p.waiting, key)
		return
	}
	p.waiting[key] = waiters
}

// deliver passes a Response to every caller waiting for the chunk it holds.
func (p *Pool) deliver(res Response) {
	key := requestKey{dim: res.Dim, hash: world.ChunkPos{res.X, res.Z}.Hash()}

	p.mu.Lock()
	waiters := p.waiting[key]
	delete(p.waiting, key)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
}

// worker handles requests from the queue until the Pool is closed.
func (p *Pool) worker() {
	defer p.running.Done()

	for {
		select {
		case req := <-p.queue:
			p.deliver(p.handle(req))
		case <-p.closing:
			p.drain()
			return
		}
	}
}

// handle runs the Handler for a Request. A panic in the Handler is turned
// into a Response holding an error so that waiters are never left hanging.
func (p *Pool) handle(req Request) (res Response) {
	defer func() {
		if r := recover(); r != nil {
			p.conf.Log.Error("generate chunk: panic", "error", fmt.Sprint(r), "X", req.X, "Z", req.Z)
			res = Response{ID: req.ID, X: req.X, Z: req.Z, Dim: req.Dim, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return p.conf.Handler(p.ctx, req)
}

// drain drops any requests left in the queue.
func (p *Pool) drain() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// generate is the default Handler. It generates the chunk requested using
// the Generator of the Pool and responds with its network serialised form.
func (p *Pool) generate(ctx context.Context, req Request) Response {
	res := Response{ID: req.ID, X: req.X, Z: req.Z, Dim: req.Dim}
	c, err := p.conf.Generator.GenerateChunk(ctx, world.ChunkPos{req.X, req.Z}, req.Dim)
	if err != nil {
		res.Err = err
		return res
	}
	if res.Data, err = c.Serialize(); err != nil {
		res.Err = err
		return res
	}
	res.SubChunks = c.SubChunkSendCount()
	return res
}

// handleBackpressure increments the saturation counter and emits a
// throttled warning when the queue is full.
func (p *Pool) handleBackpressure() {
	count := p.saturation.Add(1)
	now := time.Now().UnixNano()
	last := p.lastSaturationLog.Load()

	if last != 0 && time.Duration(now-last) < time.Minute {
		return
	}
	if !p.lastSaturationLog.CompareAndSwap(last, now) {
		return
	}
	p.conf.Log.Warn(
		"generator queue saturated: chunk generation backlog detected.",
		"queued_tasks", count,
		"queue_size", cap(p.queue),
		"workers", p.conf.Workers,
	)
}
