// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"context"
	"sync"
)

// WriteGate puts a single-writer Transport behind any number of concurrent
// writers. Frames from different callers may interleave, but the bytes of
// one frame are never split.
type WriteGate interface {
	// WriteFrame takes ownership of f.
	WriteFrame(ctx context.Context, f Frame) error
	Flush(ctx context.Context) error
	// Complete stops the gate. A nil error lets already accepted frames
	// drain and be flushed; a non-nil error drops them and faults the gate.
	Complete(err error)
	// Done is closed once the gate has stopped writing.
	Done() <-chan struct{}
	// Err returns the error the gate faulted with, if any.
	Err() error

	run(ctx context.Context) error
}

// gateState is the completion bookkeeping shared by both gates.
type gateState struct {
	mu       sync.Mutex
	err      error
	complete bool
	done     chan struct{}
	doneOnce sync.Once
}

func (s *gateState) Done() <-chan struct{} { return s.done }

func (s *gateState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// closedErr is returned to writers arriving after completion.
func (s *gateState) closedErr() error {
	if s.err != nil {
		return s.err
	}
	return ErrGateCompleted
}

func (s *gateState) finish() { s.doneOnce.Do(func() { close(s.done) }) }

// SyncGate guards the transport with one lock. A contended writer waits for
// the lock, or for its context.
type SyncGate struct {
	gateState
	t   Transport
	sem chan struct{}
}

// NewSyncGate returns a gate that writes on the caller's goroutine.
func NewSyncGate(t Transport) *SyncGate {
	return &SyncGate{
		gateState: gateState{done: make(chan struct{})},
		t:         t,
		sem:       make(chan struct{}, 1),
	}
}

func (g *SyncGate) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.closedErr()
	}
}

func (g *SyncGate) release() { <-g.sem }

func (g *SyncGate) WriteFrame(ctx context.Context, f Frame) error {
	if err := g.acquire(ctx); err != nil {
		f.Release()
		return err
	}
	defer g.release()
	g.mu.Lock()
	if g.complete {
		err := g.closedErr()
		g.mu.Unlock()
		f.Release()
		return err
	}
	g.mu.Unlock()
	if err := g.t.WriteFrame(f); err != nil {
		g.Complete(err)
		return err
	}
	return nil
}

func (g *SyncGate) Flush(ctx context.Context) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	if err := g.t.Flush(); err != nil {
		g.Complete(err)
		return err
	}
	return nil
}

func (g *SyncGate) Complete(err error) {
	g.mu.Lock()
	if g.complete {
		g.mu.Unlock()
		return
	}
	g.complete = true
	g.err = err
	g.mu.Unlock()
	if err != nil {
		g.finish()
		return
	}
	// Wait for the writer in progress, then flush what it left behind.
	g.sem <- struct{}{}
	_ = g.t.Flush()
	<-g.sem
	g.finish()
}

func (g *SyncGate) run(ctx context.Context) error {
	select {
	case <-g.done:
	case <-ctx.Done():
		g.Complete(ctx.Err())
	}
	return nil
}

// BufferedGate queues frames and writes them from a single pump goroutine.
// The pump flushes whenever it finds the queue empty, so bursts are batched
// and an idle connection flushes at once.
type BufferedGate struct {
	gateState
	t        Transport
	capacity int
	queue    []Frame
	// space is closed and replaced every time the pump takes the queue,
	// waking every writer blocked on a full queue.
	space chan struct{}
	wake  chan struct{}
}

// NewBufferedGate returns a gate with a queue of capacity frames. A
// capacity of zero or less means unbounded.
func NewBufferedGate(t Transport, capacity int) *BufferedGate {
	return &BufferedGate{
		gateState: gateState{done: make(chan struct{})},
		t:         t,
		capacity:  capacity,
		space:     make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
}

func (g *BufferedGate) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *BufferedGate) WriteFrame(ctx context.Context, f Frame) error {
	for {
		g.mu.Lock()
		if g.complete {
			err := g.closedErr()
			g.mu.Unlock()
			f.Release()
			return err
		}
		if g.capacity <= 0 || len(g.queue) < g.capacity {
			g.queue = append(g.queue, f)
			g.mu.Unlock()
			g.signal()
			return nil
		}
		space := g.space
		g.mu.Unlock()
		select {
		case <-space:
		case <-ctx.Done():
			f.Release()
			return ctx.Err()
		case <-g.done:
			f.Release()
			g.mu.Lock()
			defer g.mu.Unlock()
			return g.closedErr()
		}
	}
}

// Flush is a no-op beyond reporting a fault; the pump flushes when idle.
func (g *BufferedGate) Flush(context.Context) error { return g.Err() }

func (g *BufferedGate) Complete(err error) {
	g.mu.Lock()
	if !g.complete {
		g.complete = true
		g.err = err
	} else if err != nil && g.err == nil {
		g.err = err
	}
	g.mu.Unlock()
	g.signal()
}

func (g *BufferedGate) run(ctx context.Context) error {
	defer g.finish()
	var batch []Frame
	dirty := false
	for {
		g.mu.Lock()
		batch, g.queue = g.queue, batch[:0]
		complete, err := g.complete, g.err
		if len(batch) > 0 {
			close(g.space)
			g.space = make(chan struct{})
		}
		g.mu.Unlock()

		if err != nil {
			releaseFrames(batch)
			g.drop()
			return nil
		}
		if len(batch) > 0 {
			for i := range batch {
				if werr := g.t.WriteFrame(batch[i]); werr != nil {
					releaseFrames(batch[i+1:])
					g.Complete(werr)
					g.drop()
					return werr
				}
			}
			clear(batch)
			dirty = true
			continue
		}
		if dirty {
			if ferr := g.t.Flush(); ferr != nil {
				g.Complete(ferr)
				g.drop()
				return ferr
			}
			dirty = false
		}
		if complete {
			return nil
		}
		select {
		case <-g.wake:
		case <-ctx.Done():
			g.Complete(ctx.Err())
		}
	}
}

// drop releases frames still queued after a fault.
func (g *BufferedGate) drop() {
	g.mu.Lock()
	q := g.queue
	g.queue = nil
	g.mu.Unlock()
	releaseFrames(q)
}
