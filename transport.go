// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// Transport names
const (
	TransportStream = "stream" // header-then-payload reads straight off the stream, default
	TransportPipe   = "pipe"   // buffered reader/writer with batched flushes
)

// DefaultTransport is the transport used when none is selected.
const DefaultTransport = TransportStream

// DefaultFlushThreshold is the number of unflushed bytes after which the
// pipe transport flushes on its own.
const DefaultFlushThreshold = 8 << 10

// Transport moves frames over one ordered duplex byte stream. It knows
// nothing about RPC semantics.
//
// ReadFrame and Frames are for a single reader. WriteFrame and Flush are not
// safe for concurrent use; put a write gate in front of them.
type Transport interface {
	// ReadFrame returns the next inbound frame, io.EOF on a clean end of
	// data, or ErrUnexpectedEndOfStream when a frame was cut short.
	ReadFrame() (Frame, error)
	// Frames enumerates inbound frames. It can be ranged over only once.
	Frames() iter.Seq2[Frame, error]
	// WriteFrame writes f and releases it, whether or not the write succeeds.
	WriteFrame(f Frame) error
	Flush() error
	Close() error
}

// TransportConfig is what a TransportFactory gets to build a transport.
type TransportConfig struct {
	Allocator      *SlabAllocator
	FlushThreshold int
}

// TransportFactory adapts a byte stream into a Transport.
type TransportFactory func(rwc io.ReadWriteCloser, cfg TransportConfig) Transport

var (
	transportsMu sync.RWMutex
	transports   = map[string]TransportFactory{
		TransportStream: func(rwc io.ReadWriteCloser, cfg TransportConfig) Transport {
			return NewStreamTransport(rwc, cfg.Allocator)
		},
		TransportPipe: func(rwc io.ReadWriteCloser, cfg TransportConfig) Transport {
			return NewPipeTransport(rwc, rwc, rwc, cfg.Allocator, cfg.FlushThreshold)
		},
	}
)

// RegisterTransport registers a transport under name, replacing any
// previous registration.
func RegisterTransport(name string, factory TransportFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = factory
}

// AvailableTransports returns the registered transport names, sorted.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

func newTransport(name string, rwc io.ReadWriteCloser, cfg TransportConfig) (Transport, error) {
	transportsMu.RLock()
	factory, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, name)
	}
	if cfg.Allocator == nil {
		cfg.Allocator = DefaultSlabAllocator()
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	return factory(rwc, cfg), nil
}

// frameSeq turns a ReadFrame method into a single-use sequence. Frames
// yielded belong to the consumer, even when it stops the iteration.
func frameSeq(read func() (Frame, error), used *atomic.Bool) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		if used.Swap(true) {
			yield(Frame{}, ErrTransportConsumed)
			return
		}
		for {
			f, err := read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// frameReader reads frames into slabs it rents from an allocator. It keeps
// one slab at a time and carves consecutive frames out of it.
type frameReader struct {
	r      io.Reader
	alloc  *SlabAllocator
	header [HeaderSize]byte
	slab   *Slab
}

func (fr *frameReader) read() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		fr.releaseSlab()
		switch {
		case errors.Is(err, io.EOF):
			return Frame{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Frame{}, fmt.Errorf("%w: truncated frame header", ErrUnexpectedEndOfStream)
		}
		return Frame{}, err
	}
	h := ParseFrameHeader(fr.header[:])
	n := int(h.PayloadLength)
	if fr.slab == nil || !fr.slab.Begin(n) {
		fr.releaseSlab()
		s, err := fr.alloc.Rent(n)
		if err != nil {
			return Frame{}, err
		}
		fr.slab = s
		s.Begin(n)
	}
	if n > 0 {
		if _, err := io.ReadFull(fr.r, fr.slab.Extend(n)); err != nil {
			fr.releaseSlab()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, fmt.Errorf("%w: %s declared %d payload bytes", ErrUnexpectedEndOfStream, h.Kind, n)
			}
			return Frame{}, err
		}
	}
	return fr.slab.CreateFrame(h, false)
}

func (fr *frameReader) releaseSlab() {
	if fr.slab != nil {
		fr.slab.Return()
		fr.slab = nil
	}
}
