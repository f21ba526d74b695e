// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the fixed size of an encoded FrameHeader.
	HeaderSize = 8
	// MaxPayloadSize is the largest payload a single frame can carry.
	MaxPayloadSize = 65535
)

// FrameKind identifies the meaning of a frame.
type FrameKind uint8

const (
	KindNone FrameKind = iota
	KindPing
	KindClose
	KindNewStream
	KindStreamHeader
	KindStreamPayload
	KindStreamTrailer
	KindStreamStatus
	KindStreamCancel
	KindStreamMethodNotFound
)

func (k FrameKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindPing:
		return "Ping"
	case KindClose:
		return "Close"
	case KindNewStream:
		return "NewStream"
	case KindStreamHeader:
		return "StreamHeader"
	case KindStreamPayload:
		return "StreamPayload"
	case KindStreamTrailer:
		return "StreamTrailer"
	case KindStreamStatus:
		return "StreamStatus"
	case KindStreamCancel:
		return "StreamCancel"
	case KindStreamMethodNotFound:
		return "StreamMethodNotFound"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint8(k))
	}
}

// isConnectionLevel reports whether frames of this kind are addressed to the
// connection rather than to a stream.
func (k FrameKind) isConnectionLevel() bool {
	return k == KindPing || k == KindClose
}

// Payload flags, valid for StreamHeader, StreamPayload, StreamTrailer and
// StreamStatus frames.
const (
	FlagEndItem   uint8 = 0x01
	FlagFinalItem uint8 = 0x02
	FlagNoItem    uint8 = 0x04
)

// FlagReply marks the echo of a Ping or Close frame.
const FlagReply uint8 = 0x01

// MethodShape is carried in the kindFlags of a NewStream frame.
type MethodShape uint8

const (
	ShapeUnary MethodShape = iota
	ShapeClientStreaming
	ShapeServerStreaming
	ShapeDuplexStreaming
)

func (m MethodShape) String() string {
	switch m {
	case ShapeUnary:
		return "Unary"
	case ShapeClientStreaming:
		return "ClientStreaming"
	case ShapeServerStreaming:
		return "ServerStreaming"
	case ShapeDuplexStreaming:
		return "DuplexStreaming"
	default:
		return fmt.Sprintf("MethodShape(%d)", uint8(m))
	}
}

// clientStreamsRequest reports whether the caller sends more than one item.
func (m MethodShape) clientStreamsRequest() bool {
	return m == ShapeClientStreaming || m == ShapeDuplexStreaming
}

// serverStreamsResponse reports whether the handler sends more than one item.
func (m MethodShape) serverStreamsResponse() bool {
	return m == ShapeServerStreaming || m == ShapeDuplexStreaming
}

// serverOriginBit is the top bit of stream and sequence ids issued by the
// server side of a connection.
const serverOriginBit = 0x8000

// FrameHeader is the 8 byte little-endian header preceding every payload.
type FrameHeader struct {
	Kind          FrameKind
	KindFlags     uint8
	StreamID      uint16
	SequenceID    uint16
	PayloadLength uint16
}

// Put encodes h into dst, which must hold at least HeaderSize bytes.
func (h FrameHeader) Put(dst []byte) {
	_ = dst[HeaderSize-1]
	dst[0] = byte(h.Kind)
	dst[1] = h.KindFlags
	binary.LittleEndian.PutUint16(dst[2:], h.StreamID)
	binary.LittleEndian.PutUint16(dst[4:], h.SequenceID)
	binary.LittleEndian.PutUint16(dst[6:], h.PayloadLength)
}

// ParseFrameHeader decodes the first HeaderSize bytes of src.
func ParseFrameHeader(src []byte) FrameHeader {
	_ = src[HeaderSize-1]
	return FrameHeader{
		Kind:          FrameKind(src[0]),
		KindFlags:     src[1],
		StreamID:      binary.LittleEndian.Uint16(src[2:]),
		SequenceID:    binary.LittleEndian.Uint16(src[4:]),
		PayloadLength: binary.LittleEndian.Uint16(src[6:]),
	}
}

// HasFlag reports whether every bit of flag is set in KindFlags.
func (h FrameHeader) HasFlag(flag uint8) bool {
	return h.KindFlags&flag == flag
}

func (h FrameHeader) String() string {
	return fmt.Sprintf("Kind:%s Flags:%#x StreamID:%d SequenceID:%d Length:%d",
		h.Kind, h.KindFlags, h.StreamID, h.SequenceID, h.PayloadLength)
}

// Frame is a header plus a payload borrowed from a Slab.
//
// A Frame owns one reference on its slab. Frames are handed over by value;
// whoever holds a Frame last calls Release exactly once. Copies of a Frame
// share the same reference and must not both be released.
type Frame struct {
	Header FrameHeader

	// raw is header+payload, contiguous inside the slab buffer.
	raw  []byte
	slab *Slab

	// control frames have no bytes of their own; Header is encoded at write time.
	control bool
}

// NewControlFrame returns a payload-less frame that does not borrow any slab.
// Header may still be changed before the frame is written.
func NewControlFrame(kind FrameKind, flags uint8, streamID uint16) Frame {
	return Frame{Header: FrameHeader{Kind: kind, KindFlags: flags, StreamID: streamID}, control: true}
}

// Payload returns the payload bytes. The slice is only valid until Release.
func (f Frame) Payload() []byte {
	if len(f.raw) <= HeaderSize {
		return nil
	}
	return f.raw[HeaderSize:]
}

// Bytes returns the encoded header followed by the payload. A control
// frame is encoded into a new slice; transports use encode instead.
func (f Frame) Bytes() []byte {
	if f.control {
		b := make([]byte, HeaderSize)
		f.Header.Put(b)
		return b
	}
	return f.raw
}

// encode returns the wire bytes of f. Control frames are encoded into
// scratch, which the caller must not reuse until the bytes are written.
func (f *Frame) encode(scratch *[HeaderSize]byte) []byte {
	if f.control {
		f.Header.Put(scratch[:])
		return scratch[:]
	}
	return f.raw
}

// IsEmpty reports whether f carries nothing, as the zero Frame does.
func (f Frame) IsEmpty() bool { return f.raw == nil && !f.control }

// Release gives the frame's slab reference back. Calling Release on an
// already released or empty frame is a no-op.
func (f *Frame) Release() {
	s := f.slab
	f.slab = nil
	f.raw = nil
	f.control = false
	if s != nil {
		s.removeReference()
	}
}

// releaseFrames releases every frame in frames and clears the slice.
func releaseFrames(frames []Frame) {
	for i := range frames {
		frames[i].Release()
	}
}
