// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/mem"
)

const (
	// DefaultSlabSize fits the largest possible frame.
	DefaultSlabSize       = 128 << 10
	DefaultReuseThreshold = 4 << 10
	DefaultMaxPooled      = 64
)

// SlabAllocator hands out pooled slabs from which frames are carved.
//
// Released slabs with enough free space left go on a lock-free stack; all
// other slabs give their memory back to the backing mem.BufferPool.
type SlabAllocator struct {
	slabSize       int
	reuseThreshold int
	maxPooled      int32
	backing        mem.BufferPool

	head   atomic.Pointer[slabNode]
	pooled atomic.Int32

	allocated atomic.Int64
	reused    atomic.Int64
	discarded atomic.Int64
}

// slabNode is allocated per push so a node is never on the stack twice,
// which keeps the CAS loop free of ABA.
type slabNode struct {
	slab *Slab
	next *slabNode
}

// AllocatorOption configures a SlabAllocator.
type AllocatorOption func(*SlabAllocator)

// WithSlabSize sets the size of every slab buffer.
func WithSlabSize(n int) AllocatorOption {
	return func(a *SlabAllocator) { a.slabSize = n }
}

// WithReuseThreshold sets how many unused bytes a released slab must still
// have to be pooled instead of discarded.
func WithReuseThreshold(n int) AllocatorOption {
	return func(a *SlabAllocator) { a.reuseThreshold = n }
}

// WithMaxPooled bounds the number of idle slabs kept on the free list.
func WithMaxPooled(n int) AllocatorOption {
	return func(a *SlabAllocator) { a.maxPooled = int32(n) }
}

// WithBackingPool sets the general purpose allocator slab memory comes from.
func WithBackingPool(p mem.BufferPool) AllocatorOption {
	return func(a *SlabAllocator) { a.backing = p }
}

// NewSlabAllocator creates an allocator.
func NewSlabAllocator(opts ...AllocatorOption) *SlabAllocator {
	a := &SlabAllocator{
		slabSize:       DefaultSlabSize,
		reuseThreshold: DefaultReuseThreshold,
		maxPooled:      DefaultMaxPooled,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.slabSize < HeaderSize+1 {
		a.slabSize = HeaderSize + 1
	}
	if a.backing == nil {
		a.backing = mem.NewTieredBufferPool(a.slabSize)
	}
	return a
}

var defaultAllocator = sync.OnceValue(func() *SlabAllocator { return NewSlabAllocator() })

// DefaultSlabAllocator returns the process-wide allocator used when a
// connection is not given one.
func DefaultSlabAllocator() *SlabAllocator { return defaultAllocator() }

// SlabSize returns the size of the slabs handed out by a.
func (a *SlabAllocator) SlabSize() int { return a.slabSize }

// Rent returns a slab with room for at least one frame carrying
// minPayloadSize bytes, preferring a pooled slab.
func (a *SlabAllocator) Rent(minPayloadSize int) (*Slab, error) {
	need := minPayloadSize + HeaderSize
	if minPayloadSize < 0 || minPayloadSize > MaxPayloadSize || need > a.slabSize {
		return nil, fmt.Errorf("%w: %d bytes with %d byte slabs", ErrPayloadTooLarge, minPayloadSize, a.slabSize)
	}
	for {
		s := a.pop()
		if s == nil {
			break
		}
		if s.unusedBytes() >= need {
			s.rent()
			a.reused.Add(1)
			return s, nil
		}
		s.discard()
	}
	buf := a.backing.Get(a.slabSize)
	s := &Slab{alloc: a, buf: buf}
	s.rent()
	a.allocated.Add(1)
	return s, nil
}

func (a *SlabAllocator) push(s *Slab) bool {
	if a.pooled.Add(1) > a.maxPooled {
		a.pooled.Add(-1)
		return false
	}
	n := &slabNode{slab: s}
	for {
		old := a.head.Load()
		n.next = old
		if a.head.CompareAndSwap(old, n) {
			return true
		}
	}
}

func (a *SlabAllocator) pop() *Slab {
	for {
		old := a.head.Load()
		if old == nil {
			return nil
		}
		if a.head.CompareAndSwap(old, old.next) {
			a.pooled.Add(-1)
			return old.slab
		}
	}
}

// AllocatorStats is a snapshot of allocator counters.
type AllocatorStats struct {
	Allocated int64 // slabs taken from the backing pool
	Reused    int64 // rents served from the free list
	Discarded int64 // slabs given back to the backing pool
	Pooled    int   // slabs currently on the free list
}

// Stats returns the allocator counters.
func (a *SlabAllocator) Stats() AllocatorStats {
	return AllocatorStats{
		Allocated: a.allocated.Load(),
		Reused:    a.reused.Load(),
		Discarded: a.discarded.Load(),
		Pooled:    int(a.pooled.Load()),
	}
}

// Slab is a pooled buffer that frames are carved from.
//
// The renter owns the slab and is the only one allowed to write into it.
// Written bytes become immutable once CreateFrame carves them into a Frame;
// later writes only ever extend past the last carved frame. The renter and
// every live Frame each hold one reference.
type Slab struct {
	alloc *SlabAllocator
	buf   *[]byte

	// cursor is owner-only state.
	cursor int

	mu           sync.Mutex
	headerOffset int
	refs         int32
}

func (s *Slab) rent() {
	s.mu.Lock()
	s.refs = 1
	s.cursor = s.headerOffset
	s.mu.Unlock()
}

func (s *Slab) bytes() []byte { return *s.buf }

func (s *Slab) unusedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bytes()) - s.headerOffset
}

// Remaining returns how many bytes, header included, are still free after
// the last carved frame.
func (s *Slab) Remaining() int {
	return len(s.bytes()) - s.cursor
}

// Begin starts a new frame at the current header offset, reserving room for
// its header. It reports false when the slab cannot fit a header plus at
// least minPayload bytes.
func (s *Slab) Begin(minPayload int) bool {
	s.cursor = s.headerOffset
	if len(s.bytes())-s.cursor < HeaderSize+minPayload {
		return false
	}
	s.cursor += HeaderSize
	return true
}

// PayloadLength returns the payload bytes written since Begin.
func (s *Slab) PayloadLength() int {
	return s.cursor - s.headerOffset - HeaderSize
}

// Available returns how many more payload bytes fit in the current frame.
func (s *Slab) Available() int {
	free := len(s.bytes()) - s.cursor
	if room := MaxPayloadSize - s.PayloadLength(); room < free {
		return room
	}
	return free
}

// Extend reserves n payload bytes and returns them for the caller to fill.
func (s *Slab) Extend(n int) []byte {
	if n > s.Available() {
		panic("grpclite: slab extend beyond available space")
	}
	b := s.bytes()[s.cursor : s.cursor+n]
	s.cursor += n
	return b
}

// Write copies as much of p as fits into the current frame. It returns
// io.ErrShortWrite when p did not fit entirely.
func (s *Slab) Write(p []byte) (int, error) {
	n := copy(s.bytes()[s.cursor:s.cursor+min(len(p), s.Available())], p)
	s.cursor += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// CreateFrame carves the bytes written since Begin into a Frame. When
// updateLength is set the header's payload length is taken from the
// written size; otherwise it must already match.
func (s *Slab) CreateFrame(h FrameHeader, updateLength bool) (Frame, error) {
	n := s.PayloadLength()
	if n < 0 {
		return Frame{}, fmt.Errorf("grpclite: create frame without begin")
	}
	if updateLength {
		h.PayloadLength = uint16(n)
	} else if int(h.PayloadLength) != n {
		return Frame{}, fmt.Errorf("grpclite: frame declares %d payload bytes, %d written", h.PayloadLength, n)
	}
	s.mu.Lock()
	start := s.headerOffset
	raw := s.bytes()[start:s.cursor:s.cursor]
	h.Put(raw)
	s.refs++
	s.headerOffset = s.cursor
	s.mu.Unlock()
	return Frame{Header: h, raw: raw, slab: s}, nil
}

// Return drops the renter's reference. The renter must not write into the
// slab afterwards.
func (s *Slab) Return() { s.removeReference() }

func (s *Slab) removeReference() {
	s.mu.Lock()
	s.refs--
	refs := s.refs
	unused := len(s.bytes()) - s.headerOffset
	s.mu.Unlock()
	switch {
	case refs < 0:
		panic("grpclite: slab reference count below zero")
	case refs > 0:
		return
	}
	if unused > s.alloc.reuseThreshold && s.alloc.push(s) {
		return
	}
	s.discard()
}

func (s *Slab) discard() {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	if buf != nil {
		s.alloc.backing.Put(buf)
		s.alloc.discarded.Add(1)
	}
}
