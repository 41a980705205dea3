package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"strzcam.com/livesign/buffer"
	"strzcam.com/livesign/cascade"
	"strzcam.com/livesign/frame"
)

var log = logging.Logger("dispatcher")

var ErrTimeout = errors.New("dispatcher: batch timed out")

// Runner evaluates one batch. Implementations are only ever called from a
// single goroutine per dispatcher.
type Runner interface {
	Run(ctx context.Context, batch buffer.Batch) ([]cascade.Result, error)
}

// ResultFunc receives the accepted results of a batch.
type ResultFunc func(ctx context.Context, results []cascade.Result)

type Config struct {
	BatchSize int
	QueueSize int
	Timeout   time.Duration
}

type Stats struct {
	Ingested  uint64
	Batches   uint64
	Dropped   uint64
	Failed    uint64
	Accepted  uint64
	Discarded uint64
}

// Dispatcher moves batches from a connection's frame buffer to the
// cascade. Ingest never waits for the cascade: when the queue is full the
// oldest pending batch is dropped.
type Dispatcher struct {
	cfg       Config
	runner    Runner
	onResults ResultFunc

	mu     sync.Mutex // guards buffer and the producer side of queue
	buffer *buffer.FrameBuffer
	queue  chan buffer.Batch

	applyMu sync.RWMutex
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ingested, batches, dropped, failed, accepted, discarded atomic.Uint64
}

// New starts the consumer goroutine for buf. Close stops it.
func New(cfg Config, buf *buffer.FrameBuffer, runner Runner, onResults ResultFunc) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		runner:    runner,
		onResults: onResults,
		buffer:    buf,
		queue:     make(chan buffer.Batch, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go d.consume()
	return d
}

// Ingest adds f to the buffer and queues a batch when one is complete.
func (d *Dispatcher) Ingest(f frame.Frame) {
	if d.closed.Load() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buffer == nil {
		return
	}
	d.buffer.Ingest(f)
	d.ingested.Add(1)
	batch, ok := d.buffer.ExtractBatch(d.cfg.BatchSize)
	if !ok {
		return
	}
	d.enqueue(batch)
}

// enqueue must be called with mu held so that only one producer exists.
func (d *Dispatcher) enqueue(batch buffer.Batch) {
	for {
		select {
		case d.queue <- batch:
			d.batches.Add(1)
			return
		default:
		}
		select {
		case <-d.queue:
			d.dropped.Add(1)
			log.Debugw("queue full, dropping oldest batch", "dropped", d.dropped.Load())
		default:
		}
	}
}

func (d *Dispatcher) consume() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case batch := <-d.queue:
			if d.closed.Load() {
				return
			}
			d.process(batch)
		}
	}
}

func (d *Dispatcher) process(batch buffer.Batch) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()

	results, err := d.run(ctx, batch)
	if d.closed.Load() {
		d.discarded.Add(uint64(len(results)))
		return
	}
	if err == nil && ctx.Err() != nil && d.ctx.Err() == nil {
		err = &cascade.Error{Stage: cascade.StageDispatch, TrackID: -1, Err: ErrTimeout}
		results = nil
	}
	if err != nil {
		d.failed.Add(1)
		log.Warnw("cascade failed", "seq", batch.Latest().Seq, "error", err)
	}
	if len(results) == 0 {
		return
	}

	d.applyMu.RLock()
	defer d.applyMu.RUnlock()
	if d.closed.Load() {
		d.discarded.Add(uint64(len(results)))
		return
	}
	d.accepted.Add(uint64(len(results)))
	if d.onResults != nil {
		d.onResults(d.ctx, results)
	}
}

func (d *Dispatcher) run(ctx context.Context, batch buffer.Batch) (results []cascade.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = &cascade.Error{Stage: cascade.StageDispatch, TrackID: -1, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return d.runner.Run(ctx, batch)
}

// Close stops the consumer and releases the buffer. Results of a batch
// still running are discarded. A ResultFunc already running sees its
// context cancelled and Close waits for it to return, so no results are
// applied once Close returns. Close is safe to call more than once.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.cancel()
	d.applyMu.Lock()
	d.applyMu.Unlock()

	d.mu.Lock()
	d.buffer = nil
	d.mu.Unlock()
}

// Done is closed once the consumer goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) Closed() bool {
	return d.closed.Load()
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Ingested:  d.ingested.Load(),
		Batches:   d.batches.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
		Accepted:  d.accepted.Load(),
		Discarded: d.discarded.Load(),
	}
}
