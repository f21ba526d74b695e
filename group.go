// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"google.golang.org/grpc/mem"
)

// minChunk is the smallest payload room worth renting a slab for.
const minChunk = 256

// groupWriter serializes one logical item into a frame group. It is an
// io.Writer handed to serializers; every time the current frame fills up,
// either because the slab is full or the frame reached MaxPayloadSize, the
// frame is carved and a new one begun. Lengths are patched in when a frame
// is carved since they are not known up front.
type groupWriter struct {
	alloc   *SlabAllocator
	kind    FrameKind
	stream  uint16
	nextSeq func() uint16

	slab   *Slab
	open   bool
	frames []Frame
	err    error
}

func newGroupWriter(alloc *SlabAllocator, kind FrameKind, streamID uint16, nextSeq func() uint16) *groupWriter {
	return &groupWriter{alloc: alloc, kind: kind, stream: streamID, nextSeq: nextSeq}
}

// ensure makes sure a frame is open with room for at least minPayload bytes.
func (w *groupWriter) ensure(minPayload int) error {
	if w.open {
		if w.slab.Available() >= minPayload {
			return nil
		}
		if err := w.cut(0); err != nil {
			return err
		}
	}
	if w.slab != nil {
		if w.slab.Begin(minPayload) {
			w.open = true
			return nil
		}
		w.slab.Return()
		w.slab = nil
	}
	s, err := w.alloc.Rent(min(max(minPayload, minChunk), w.alloc.SlabSize()-HeaderSize, MaxPayloadSize))
	if err != nil {
		return err
	}
	s.Begin(minPayload)
	w.slab = s
	w.open = true
	return nil
}

// cut carves the open frame with the given flags.
func (w *groupWriter) cut(flags uint8) error {
	f, err := w.slab.CreateFrame(FrameHeader{
		Kind:       w.kind,
		KindFlags:  flags,
		StreamID:   w.stream,
		SequenceID: w.nextSeq(),
	}, true)
	w.open = false
	if err != nil {
		return err
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *groupWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	total := 0
	for len(p) > 0 {
		if err := w.ensure(1); err != nil {
			w.err = err
			return total, err
		}
		n, _ := w.slab.Write(p)
		p = p[n:]
		total += n
	}
	return total, nil
}

// WriteByte lets serializers that probe for io.ByteWriter avoid a slice.
func (w *groupWriter) WriteByte(c byte) error {
	_, err := w.Write([]byte{c})
	return err
}

// finish terminates the group. The last frame carries EndItem plus flags.
func (w *groupWriter) finish(flags uint8) ([]Frame, error) {
	if w.err != nil {
		return nil, w.err
	}
	if err := w.ensure(0); err != nil {
		w.abort()
		return nil, err
	}
	if err := w.cut(flags | FlagEndItem); err != nil {
		w.abort()
		return nil, err
	}
	w.returnSlab()
	frames := w.frames
	w.frames = nil
	return frames, nil
}

// abort releases everything the writer holds.
func (w *groupWriter) abort() {
	releaseFrames(w.frames)
	w.frames = nil
	w.open = false
	w.returnSlab()
}

func (w *groupWriter) returnSlab() {
	if w.slab != nil {
		w.slab.Return()
		w.slab = nil
	}
}

// groupView exposes the payloads of a frame group as a read-only buffer
// sequence without copying. The view is only valid until the frames are
// released.
func groupView(group []Frame) mem.BufferSlice {
	data := make(mem.BufferSlice, 0, len(group))
	for _, f := range group {
		if p := f.Payload(); len(p) > 0 {
			data = append(data, mem.SliceBuffer(p))
		}
	}
	return data
}

// newMetadataFrame encodes a metadata block of size bytes into a single
// frame. Blocks that do not fit in one frame are rejected.
func newMetadataFrame(alloc *SlabAllocator, h FrameHeader, size int, encode func([]byte)) (Frame, error) {
	if size > MaxPayloadSize || size+HeaderSize > alloc.SlabSize() {
		return Frame{}, ErrHeaderTooLarge
	}
	s, err := alloc.Rent(size)
	if err != nil {
		return Frame{}, err
	}
	defer s.Return()
	s.Begin(size)
	encode(s.Extend(size))
	h.PayloadLength = uint16(size)
	return s.CreateFrame(h, false)
}
