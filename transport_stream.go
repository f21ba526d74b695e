// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"bufio"
	"io"
	"iter"
	"sync/atomic"
)

// StreamTransport reads and writes frames directly on a duplex byte stream.
type StreamTransport struct {
	rwc      io.ReadWriteCloser
	reader   frameReader
	consumed atomic.Bool
	scratch  [HeaderSize]byte
}

// NewStreamTransport wraps rwc. A nil allocator means the default one.
func NewStreamTransport(rwc io.ReadWriteCloser, alloc *SlabAllocator) *StreamTransport {
	if alloc == nil {
		alloc = DefaultSlabAllocator()
	}
	return &StreamTransport{
		rwc:    rwc,
		reader: frameReader{r: rwc, alloc: alloc},
	}
}

func (t *StreamTransport) ReadFrame() (Frame, error) { return t.reader.read() }

func (t *StreamTransport) Frames() iter.Seq2[Frame, error] {
	return frameSeq(t.reader.read, &t.consumed)
}

// WriteFrame writes header and payload with a single Write call; they are
// contiguous in the slab.
func (t *StreamTransport) WriteFrame(f Frame) error {
	defer f.Release()
	_, err := t.rwc.Write(f.encode(&t.scratch))
	return err
}

// Flush flushes the underlying stream if it buffers.
func (t *StreamTransport) Flush() error {
	if fl, ok := t.rwc.(interface{ Flush() error }); ok {
		return fl.Flush()
	}
	return nil
}

func (t *StreamTransport) Close() error { return t.rwc.Close() }

// PipeTransport consumes a buffered reader and writer. Small writes are
// batched and flushed once the unflushed bytes reach the threshold.
type PipeTransport struct {
	w         *bufio.Writer
	closer    io.Closer
	threshold int
	reader    frameReader
	consumed  atomic.Bool
	scratch   [HeaderSize]byte
}

// NewPipeTransport builds a pipe transport. closer may be nil. A threshold
// of zero or less selects DefaultFlushThreshold.
func NewPipeTransport(r io.Reader, w io.Writer, closer io.Closer, alloc *SlabAllocator, threshold int) *PipeTransport {
	if alloc == nil {
		alloc = DefaultSlabAllocator()
	}
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, threshold)
	}
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriterSize(w, 2*threshold)
	}
	return &PipeTransport{
		w:         bw,
		closer:    closer,
		threshold: threshold,
		reader:    frameReader{r: br, alloc: alloc},
	}
}

func (t *PipeTransport) ReadFrame() (Frame, error) { return t.reader.read() }

func (t *PipeTransport) Frames() iter.Seq2[Frame, error] {
	return frameSeq(t.reader.read, &t.consumed)
}

func (t *PipeTransport) WriteFrame(f Frame) error {
	defer f.Release()
	if _, err := t.w.Write(f.encode(&t.scratch)); err != nil {
		return err
	}
	if t.w.Buffered() >= t.threshold {
		return t.w.Flush()
	}
	return nil
}

func (t *PipeTransport) Flush() error { return t.w.Flush() }

// Close closes the underlying stream. Unflushed bytes are dropped; the write
// gate flushes before it completes.
func (t *PipeTransport) Close() error {
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
