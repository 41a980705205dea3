package onnx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const DefaultPoolSize = 2

var ErrPoolClosed = errors.New("onnx: session pool is closed")

// SessionPool bounds how many recognitions run at once across all
// connections.
type SessionPool struct {
	sessions       chan *session
	size           int
	acquireTimeout time.Duration
	mu             sync.Mutex
	closed         bool
	metrics        PoolMetrics
}

type PoolMetrics struct {
	InUse           int
	TotalAcquired   int64
	AcquireFailures int64
	WaitTime        time.Duration
}

func newSessionPool(size int, acquireTimeout time.Duration, create func() (*session, error)) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	pool := &SessionPool{
		sessions:       make(chan *session, size),
		size:           size,
		acquireTimeout: acquireTimeout,
	}
	for i := 0; i < size; i++ {
		s, err := create()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- s
	}
	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (*session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.mu.Unlock()
	}()

	timeout := time.NewTimer(p.acquireTimeout)
	defer timeout.Stop()
	select {
	case s, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.mu.Unlock()
		return s, nil
	case <-timeout.C:
		p.mu.Lock()
		p.metrics.AcquireFailures++
		p.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.destroy()
		return
	}
	p.metrics.InUse--
	p.sessions <- s
}

// Destroy frees every idle session. Sessions still in use are freed when
// they are released.
func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.sessions)
	for s := range p.sessions {
		s.destroy()
	}
}

func (p *SessionPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
