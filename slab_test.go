// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
)

// testFrame carves a frame carrying payload out of a fresh slab.
func testFrame(tb testing.TB, alloc *SlabAllocator, h FrameHeader, payload []byte) Frame {
	tb.Helper()
	s, err := alloc.Rent(len(payload))
	if err != nil {
		tb.Fatalf("Rent: %v", err)
	}
	defer s.Return()
	if !s.Begin(len(payload)) {
		tb.Fatalf("Begin(%d) failed on a fresh slab", len(payload))
	}
	if _, err := s.Write(payload); err != nil {
		tb.Fatalf("Write: %v", err)
	}
	f, err := s.CreateFrame(h, true)
	if err != nil {
		tb.Fatalf("CreateFrame: %v", err)
	}
	return f
}

func TestSlabCarvesConsecutiveFrames(t *testing.T) {
	alloc := NewSlabAllocator(WithSlabSize(1024), WithReuseThreshold(256))
	s, err := alloc.Rent(16)
	if err != nil {
		t.Fatalf("Rent: %v", err)
	}

	var frames []Frame
	for i := range 3 {
		if !s.Begin(4) {
			t.Fatalf("Begin %d failed", i)
		}
		payload := bytes.Repeat([]byte{byte(i + 1)}, 4)
		copy(s.Extend(4), payload)
		f, err := s.CreateFrame(FrameHeader{Kind: KindStreamPayload, StreamID: 1, PayloadLength: 4}, false)
		if err != nil {
			t.Fatalf("CreateFrame: %v", err)
		}
		frames = append(frames, f)
	}
	s.Return()

	for i, f := range frames {
		want := bytes.Repeat([]byte{byte(i + 1)}, 4)
		if !bytes.Equal(f.Payload(), want) {
			t.Errorf("frame %d payload %x, want %x", i, f.Payload(), want)
		}
		if got := ParseFrameHeader(f.Bytes()); got != f.Header {
			t.Errorf("frame %d encoded header %v, want %v", i, got, f.Header)
		}
	}
	if got := alloc.Stats(); got.Discarded != 0 || got.Pooled != 0 {
		t.Fatalf("slab left the renter's hands while frames are live: %+v", got)
	}
	releaseFrames(frames)
	if got := alloc.Stats(); got.Pooled != 1 {
		t.Fatalf("slab with free space should be pooled once unreferenced: %+v", got)
	}
}

func TestSlabCreateFrameLengthMismatch(t *testing.T) {
	alloc := NewSlabAllocator(WithSlabSize(256))
	s, err := alloc.Rent(8)
	if err != nil {
		t.Fatalf("Rent: %v", err)
	}
	defer s.Return()
	s.Begin(8)
	copy(s.Extend(8), "12345678")
	if _, err := s.CreateFrame(FrameHeader{PayloadLength: 7}, false); err == nil {
		t.Fatal("expected a length mismatch error")
	}
}

func TestSlabShortWrite(t *testing.T) {
	alloc := NewSlabAllocator(WithSlabSize(HeaderSize + 10))
	s, err := alloc.Rent(1)
	if err != nil {
		t.Fatalf("Rent: %v", err)
	}
	defer s.Return()
	s.Begin(1)
	n, err := s.Write(make([]byte, 16))
	if n != 10 || !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("Write = %d, %v; want 10, ErrShortWrite", n, err)
	}
	if s.Available() != 0 {
		t.Fatalf("Available = %d after filling the slab", s.Available())
	}
}

func TestSlabRentTooLarge(t *testing.T) {
	alloc := NewSlabAllocator(WithSlabSize(1024))
	for _, n := range []int{-1, 1024, MaxPayloadSize + 1} {
		if _, err := alloc.Rent(n); !errors.Is(err, ErrPayloadTooLarge) {
			t.Errorf("Rent(%d) = %v, want ErrPayloadTooLarge", n, err)
		}
	}
	s, err := DefaultSlabAllocator().Rent(MaxPayloadSize)
	if err != nil {
		t.Fatalf("default allocator must fit a maximal frame: %v", err)
	}
	s.Return()
}

func TestSlabReuseThreshold(t *testing.T) {
	alloc := NewSlabAllocator(WithSlabSize(1024), WithReuseThreshold(512))

	// Mostly used slabs go back to the backing pool.
	f := testFrame(t, alloc, FrameHeader{Kind: KindStreamPayload}, make([]byte, 600))
	f.Release()
	if got := alloc.Stats(); got.Discarded != 1 || got.Pooled != 0 {
		t.Fatalf("full slab: %+v", got)
	}

	// Slabs with room left are pooled and reused.
	f = testFrame(t, alloc, FrameHeader{Kind: KindStreamPayload}, make([]byte, 100))
	f.Release()
	if got := alloc.Stats(); got.Pooled != 1 {
		t.Fatalf("slab with room left was not pooled: %+v", got)
	}
	s, err := alloc.Rent(100)
	if err != nil {
		t.Fatalf("Rent: %v", err)
	}
	if got := alloc.Stats(); got.Reused != 1 || got.Allocated != 2 {
		t.Fatalf("pooled slab not reused: %+v", got)
	}
	s.Return()
}

func TestSlabPooledTooSmallIsDiscarded(t *testing.T) {
	alloc := NewSlabAllocator(WithSlabSize(1024), WithReuseThreshold(100))
	f := testFrame(t, alloc, FrameHeader{}, make([]byte, 700))
	f.Release()
	if got := alloc.Stats(); got.Pooled != 1 {
		t.Fatalf("expected the slab to be pooled: %+v", got)
	}
	s, err := alloc.Rent(500)
	if err != nil {
		t.Fatalf("Rent: %v", err)
	}
	defer s.Return()
	if got := alloc.Stats(); got.Discarded != 1 || got.Allocated != 2 || got.Reused != 0 {
		t.Fatalf("pooled slab lacking room should be discarded: %+v", got)
	}
}

func TestSlabMaxPooled(t *testing.T) {
	alloc := NewSlabAllocator(WithSlabSize(1024), WithReuseThreshold(100), WithMaxPooled(2))
	var slabs []*Slab
	for range 4 {
		s, err := alloc.Rent(10)
		if err != nil {
			t.Fatalf("Rent: %v", err)
		}
		slabs = append(slabs, s)
	}
	for _, s := range slabs {
		s.Return()
	}
	if got := alloc.Stats(); got.Pooled != 2 || got.Discarded != 2 {
		t.Fatalf("stats %+v, want 2 pooled and 2 discarded", got)
	}
}

func TestSlabReferenceCountNeverNegative(t *testing.T) {
	alloc := NewSlabAllocator(WithSlabSize(4096), WithReuseThreshold(1024))
	s, err := alloc.Rent(1)
	if err != nil {
		t.Fatalf("Rent: %v", err)
	}
	var frames []Frame
	for i := range 50 {
		if !s.Begin(1) {
			break
		}
		s.Extend(1)[0] = byte(i)
		f, err := s.CreateFrame(FrameHeader{Kind: KindStreamPayload}, true)
		if err != nil {
			t.Fatalf("CreateFrame: %v", err)
		}
		frames = append(frames, f)
	}
	s.Return()

	var wg sync.WaitGroup
	for i := range frames {
		wg.Add(1)
		go func(f *Frame) {
			defer wg.Done()
			f.Release()
			f.Release()
		}(&frames[i])
	}
	wg.Wait()

	if got := alloc.Stats(); got.Pooled != 1 || got.Discarded != 0 {
		t.Fatalf("slab should have been pooled exactly once: %+v", got)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("dropping a reference below zero must panic")
		}
	}()
	s.removeReference()
}

func TestSlabConcurrentRentReturn(t *testing.T) {
	alloc := NewSlabAllocator(WithSlabSize(8192), WithMaxPooled(8))
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				payload := bytes.Repeat([]byte{byte(g)}, 1+i%64)
				s, err := alloc.Rent(len(payload))
				if err != nil {
					t.Errorf("Rent: %v", err)
					return
				}
				s.Begin(len(payload))
				_, _ = s.Write(payload)
				f, err := s.CreateFrame(FrameHeader{Kind: KindStreamPayload, StreamID: uint16(g)}, true)
				s.Return()
				if err != nil {
					t.Errorf("CreateFrame: %v", err)
					return
				}
				if !bytes.Equal(f.Payload(), payload) {
					t.Errorf("goroutine %d saw a corrupted payload", g)
				}
				f.Release()
			}
		}()
	}
	wg.Wait()
	got := alloc.Stats()
	if got.Allocated != got.Discarded+int64(got.Pooled) {
		t.Fatalf("slabs leaked: %+v", got)
	}
}
