// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"io"
	"iter"
	"sync"
	"sync/atomic"
)

// queueTransport is one end of an in-process transport pair. Frames cross
// over by ownership; no bytes are copied.
type queueTransport struct {
	in       <-chan Frame
	out      chan<- Frame
	closed   chan struct{}
	peer     *queueTransport
	once     sync.Once
	consumed atomic.Bool
}

// NewQueuePair returns two connected in-process transports. capacity bounds
// the number of frames in flight per direction.
func NewQueuePair(capacity int) (Transport, Transport) {
	ab := make(chan Frame, capacity)
	ba := make(chan Frame, capacity)
	a := &queueTransport{in: ba, out: ab, closed: make(chan struct{})}
	b := &queueTransport{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (t *queueTransport) ReadFrame() (Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	default:
	}
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return Frame{}, io.EOF
	case <-t.peer.closed:
		// Drain what the peer wrote before closing.
		select {
		case f := <-t.in:
			return f, nil
		default:
			return Frame{}, io.EOF
		}
	}
}

func (t *queueTransport) Frames() iter.Seq2[Frame, error] {
	return frameSeq(t.ReadFrame, &t.consumed)
}

func (t *queueTransport) WriteFrame(f Frame) error {
	select {
	case <-t.closed:
		f.Release()
		return io.ErrClosedPipe
	case <-t.peer.closed:
		f.Release()
		return io.ErrClosedPipe
	default:
	}
	select {
	case t.out <- f:
		return nil
	case <-t.closed:
	case <-t.peer.closed:
	}
	f.Release()
	return io.ErrClosedPipe
}

func (t *queueTransport) Flush() error { return nil }

// Close closes this end and releases frames the peer wrote but nobody read.
func (t *queueTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	for {
		select {
		case f := <-t.in:
			f.Release()
		default:
			return nil
		}
	}
}
