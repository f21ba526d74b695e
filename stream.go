// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/mem"
	"google.golang.org/grpc/status"
)

// StreamState is the set of frame kinds a stream currently accepts, plus
// the terminal markers.
type StreamState uint16

const (
	acceptsHeader StreamState = 1 << iota
	acceptsPayload
	acceptsTrailer
	acceptsStatus

	completedBit
	cancelledBit
	faultedBit
)

const (
	StateUninitialized  StreamState = 0
	StateExpectHeaders              = acceptsHeader | acceptsPayload | acceptsTrailer | acceptsStatus
	StateExpectBody                 = acceptsPayload | acceptsTrailer | acceptsStatus
	StateExpectTrailers             = acceptsTrailer | acceptsStatus
	StateExpectStatus               = acceptsStatus
	// StateExpectRequest is the server side of a stream: the request head
	// arrived with NewStream and only payloads follow.
	StateExpectRequest = acceptsPayload
	// StateHalfClosed is a server stream whose caller sent its final item.
	StateHalfClosed StreamState = 1 << 15

	StateCompleted = completedBit
	StateCancelled = cancelledBit
	StateFaulted   = faultedBit
)

func (s StreamState) accepts(k FrameKind) bool {
	switch k {
	case KindStreamHeader:
		return s&acceptsHeader != 0
	case KindStreamPayload:
		return s&acceptsPayload != 0
	case KindStreamTrailer:
		return s&acceptsTrailer != 0
	case KindStreamStatus:
		return s&acceptsStatus != 0
	default:
		return false
	}
}

// IsTerminal reports whether no more frames will be accepted.
func (s StreamState) IsTerminal() bool {
	return s&(completedBit|cancelledBit|faultedBit) != 0
}

// afterFinalItem is the state once the peer's last item is in.
func (s StreamState) afterFinalItem() StreamState {
	if s == StateExpectRequest {
		return StateHalfClosed
	}
	return StateExpectTrailers
}

func (s StreamState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateExpectHeaders:
		return "ExpectHeaders"
	case StateExpectBody:
		return "ExpectBody"
	case StateExpectTrailers:
		return "ExpectTrailers"
	case StateExpectStatus:
		return "ExpectStatus"
	case StateExpectRequest:
		return "ExpectRequest"
	case StateHalfClosed:
		return "HalfClosed"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateFaulted:
		return "Faulted"
	default:
		return fmt.Sprintf("StreamState(%#x)", uint16(s))
	}
}

type workerState uint8

const (
	workerNotStarted workerState = iota
	workerActive
	workerSuspended
	workerRanToCompletion
	workerFaulted
)

// Stream is one RPC multiplexed over a Conn.
//
// Frames are queued into a backlog by the connection's dispatch loop; the
// consumer is woken once a complete frame group is in and deserializes it
// outside the lock. All state transitions and backlog changes happen under
// mu.
type Stream struct {
	conn   *Conn
	id     uint16
	route  string
	shape  MethodShape
	server bool

	ctx     context.Context
	cancel  context.CancelCauseFunc
	unwatch func() bool

	// requestHeaders is set before the stream is published and never changes.
	requestHeaders Metadata

	mu          sync.Mutex
	state       StreamState
	worker      workerState
	backlog     []Frame
	groups      int
	header      Metadata
	headerReady chan struct{}
	trailer     Metadata
	status      *status.Status
	err         error
	wake        chan struct{}
	done        chan struct{}

	sendMu     sync.Mutex
	seq        uint16
	sendClosed bool
	headerSent bool
	outHeader  Metadata
	outTrailer Metadata
}

func newStream(c *Conn, id uint16, route string, shape MethodShape, server bool) *Stream {
	return &Stream{
		conn:        c,
		id:          id,
		route:       route,
		shape:       shape,
		server:      server,
		headerReady: make(chan struct{}),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// ID returns the stream id.
func (s *Stream) ID() uint16 { return s.id }

// Route returns the method route, such as "/Foo/Bar".
func (s *Stream) Route() string { return s.route }

// Shape returns the RPC shape.
func (s *Stream) Shape() MethodShape { return s.shape }

// Context returns the stream context. It is cancelled when the stream ends.
func (s *Stream) Context() context.Context { return s.ctx }

// Done is closed once the stream reached a terminal state.
func (s *Stream) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestHeaders returns the headers the caller opened the stream with.
func (s *Stream) RequestHeaders() Metadata { return s.requestHeaders }

// Header waits for the response headers of a client stream. On the server
// side it returns the request headers.
func (s *Stream) Header(ctx context.Context) (Metadata, error) {
	if s.server {
		return s.requestHeaders, nil
	}
	select {
	case <-s.headerReady:
	case <-s.done:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state&(cancelledBit|faultedBit) != 0 {
		return nil, s.err
	}
	return s.header, nil
}

// Trailer returns the trailers received so far.
func (s *Stream) Trailer() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer
}

// Status returns the final status of a completed client stream, or nil.
func (s *Stream) Status() *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Stream) nextSeq() uint16 {
	seq := s.seq&^serverOriginBit | s.conn.role.originBit()
	s.seq++
	return seq
}

// partialLocked reports whether the backlog ends in an unterminated group.
func (s *Stream) partialLocked() bool {
	n := len(s.backlog)
	return n > 0 && !s.backlog[n-1].Header.HasFlag(FlagEndItem)
}

// resumeLocked wakes a suspended consumer. The slot holds at most one
// signal, so waking never allocates or blocks.
func (s *Stream) resumeLocked() {
	if s.worker != workerSuspended {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) markHeaderLocked(md Metadata) {
	select {
	case <-s.headerReady:
	default:
		if md == nil {
			md = Metadata{}
		}
		s.header = md
		close(s.headerReady)
	}
}

// acceptFrame offers f to the stream. It returns true when the stream took
// ownership of f; a rejected frame still belongs to the caller.
func (s *Stream) acceptFrame(f Frame) bool {
	h := f.Header
	switch h.Kind {
	case KindStreamPayload:
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.state.accepts(h.Kind) {
			return false
		}
		s.backlog = append(s.backlog, f)
		if !s.server {
			s.markHeaderLocked(nil)
			if s.state == StateExpectHeaders {
				s.state = StateExpectBody
			}
		}
		if h.HasFlag(FlagEndItem) {
			s.groups++
			if h.HasFlag(FlagFinalItem) {
				s.state = s.state.afterFinalItem()
			}
			s.resumeLocked()
		}
		return true

	case KindStreamHeader, KindStreamTrailer, KindStreamStatus:
		s.mu.Lock()
		ok := s.state.accepts(h.Kind) && !s.partialLocked()
		s.mu.Unlock()
		if !ok {
			return false
		}
		s.acceptMetadata(f)
		return true
	}
	return false
}

// acceptMetadata decodes and applies a header, trailer or status frame. It
// runs on the dispatch goroutine, which owns the connection decoder.
func (s *Stream) acceptMetadata(f Frame) {
	defer f.Release()
	h := f.Header
	if !h.HasFlag(FlagEndItem) {
		s.fault(fmt.Errorf("%s: %w", h.Kind, ErrHeaderTooLarge), true)
		return
	}
	var (
		md  Metadata
		st  *status.Status
		err error
	)
	if h.Kind == KindStreamStatus {
		st, err = s.conn.decoder.DecodeStatus(f.Payload())
	} else {
		md, err = s.conn.decoder.DecodeMetadata(f.Payload())
	}
	if err != nil {
		s.fault(err, true)
		return
	}

	s.mu.Lock()
	if !s.state.accepts(h.Kind) {
		s.mu.Unlock()
		return
	}
	switch h.Kind {
	case KindStreamHeader:
		s.markHeaderLocked(md)
		s.state = StateExpectBody
		s.mu.Unlock()
	case KindStreamTrailer:
		s.markHeaderLocked(nil)
		s.trailer = append(s.trailer, md...)
		s.state = StateExpectStatus
		s.mu.Unlock()
	case KindStreamStatus:
		s.mu.Unlock()
		if s.end(StateCompleted, nil, st) {
			s.conn.removeStream(s)
			s.terminate(nil)
		}
	}
}

// itemsEndedLocked reports whether no more items will arrive, and what the
// consumer sees then: io.EOF for a clean end, otherwise the status or fault.
func (s *Stream) itemsEndedLocked() (bool, error) {
	switch {
	case s.state&(cancelledBit|faultedBit) != 0:
		return true, s.err
	case s.state == StateCompleted:
		if s.status != nil && s.status.Code() != codes.OK {
			return true, s.status.Err()
		}
		return true, io.EOF
	case s.state == StateHalfClosed:
		return true, io.EOF
	}
	return false, nil
}

// recvGroup waits for the next complete frame group. The caller owns the
// returned frames.
func (s *Stream) recvGroup(ctx context.Context) ([]Frame, error) {
	s.mu.Lock()
	for {
		if s.groups > 0 {
			n := 0
			for !s.backlog[n].Header.HasFlag(FlagEndItem) {
				n++
			}
			n++
			group := s.backlog[:n:n]
			s.backlog = s.backlog[n:]
			s.groups--
			s.worker = workerActive
			s.mu.Unlock()
			return group, nil
		}
		if ended, err := s.itemsEndedLocked(); ended {
			s.mu.Unlock()
			return nil, err
		}
		s.worker = workerSuspended
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.done:
		case <-ctx.Done():
			s.mu.Lock()
			s.worker = workerActive
			s.mu.Unlock()
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		s.mu.Lock()
		s.worker = workerActive
	}
}

// RecvItem waits for the next item and hands its payload to read. It
// returns io.EOF once the peer sent its last item and the stream ended
// cleanly, or the status error it ended with. An error from read faults
// the stream. The buffers passed to read are only valid during the call.
func (s *Stream) RecvItem(ctx context.Context, read func(mem.BufferSlice) error) error {
	for {
		group, err := s.recvGroup(ctx)
		if err != nil {
			return err
		}
		if group[len(group)-1].Header.HasFlag(FlagNoItem) {
			releaseFrames(group)
			continue
		}
		err = read(groupView(group))
		releaseFrames(group)
		if err != nil {
			s.fault(err, true)
			return err
		}
		return nil
	}
}

// SendItem serializes one item with write and sends it as a frame group.
// A final item tells the peer no further items follow.
func (s *Stream) SendItem(ctx context.Context, final bool, write func(io.Writer) error) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.sendableLocked(); err != nil {
		return err
	}
	if s.server && !s.headerSent && len(s.outHeader) > 0 {
		if err := s.writeHeaderLocked(ctx); err != nil {
			return err
		}
	}
	w := newGroupWriter(s.conn.alloc, KindStreamPayload, s.id, s.nextSeq)
	if err := write(w); err != nil {
		w.abort()
		return err
	}
	var flags uint8
	if final {
		flags = FlagFinalItem
	}
	frames, err := w.finish(flags)
	if err != nil {
		return err
	}
	if final {
		s.sendClosed = true
	}
	return s.writeFramesLocked(ctx, frames)
}

// CloseSend tells the peer no further items follow, without sending one.
func (s *Stream) CloseSend(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.sendableLocked(); err != nil {
		return err
	}
	s.sendClosed = true
	f := NewControlFrame(KindStreamPayload, FlagEndItem|FlagFinalItem|FlagNoItem, s.id)
	f.Header.SequenceID = s.nextSeq()
	return s.writeFramesLocked(ctx, []Frame{f})
}

func (s *Stream) sendableLocked() error {
	if s.sendClosed {
		return ErrSendClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state&(cancelledBit|faultedBit) != 0 {
		return s.err
	}
	if s.state == StateCompleted {
		// The peer already ended the call; its status is what Recv reports.
		return io.EOF
	}
	return nil
}

func (s *Stream) writeFramesLocked(ctx context.Context, frames []Frame) error {
	for i := range frames {
		if err := s.conn.gate.WriteFrame(ctx, frames[i]); err != nil {
			releaseFrames(frames[i+1:])
			return s.conn.writeErr(err)
		}
	}
	if err := s.conn.gate.Flush(ctx); err != nil {
		return s.conn.writeErr(err)
	}
	return nil
}

// SetHeader adds response headers to a server stream. They go out with the
// first item, the trailers, or SendHeader, whichever comes first.
func (s *Stream) SetHeader(md Metadata) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.headerSent {
		return fmt.Errorf("grpclite: headers already sent on stream %d", s.id)
	}
	s.outHeader = append(s.outHeader, md...)
	return nil
}

// SendHeader sends the response headers of a server stream now.
func (s *Stream) SendHeader(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.headerSent {
		return nil
	}
	return s.writeHeaderLocked(ctx)
}

// SetTrailer adds trailers to a server stream, sent before its status.
func (s *Stream) SetTrailer(md Metadata) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.outTrailer = append(s.outTrailer, md...)
}

func (s *Stream) writeHeaderLocked(ctx context.Context) error {
	s.headerSent = true
	return s.writeMetadataLocked(ctx, KindStreamHeader, s.outHeader)
}

func (s *Stream) writeMetadataLocked(ctx context.Context, kind FrameKind, md Metadata) error {
	h := FrameHeader{Kind: kind, KindFlags: FlagEndItem, StreamID: s.id, SequenceID: s.nextSeq()}
	f, err := newMetadataFrame(s.conn.alloc, h, EncodedMetadataSize(md), func(dst []byte) {
		EncodeMetadata(dst, md)
	})
	if err != nil {
		return err
	}
	return s.writeFramesLocked(ctx, []Frame{f})
}

// finish ends a server stream with the handler's result: headers still
// pending, trailers, then the status.
func (s *Stream) finish(handlerErr error) {
	st := statusFromError(handlerErr)
	ctx := s.conn.ctx
	s.sendMu.Lock()
	err := func() error {
		s.mu.Lock()
		terminal := s.state.IsTerminal()
		s.mu.Unlock()
		if terminal {
			return nil
		}
		if !s.headerSent && len(s.outHeader) > 0 {
			if err := s.writeHeaderLocked(ctx); err != nil {
				return err
			}
		}
		if len(s.outTrailer) > 0 {
			if err := s.writeMetadataLocked(ctx, KindStreamTrailer, s.outTrailer); err != nil {
				return err
			}
		}
		h := FrameHeader{Kind: KindStreamStatus, KindFlags: FlagEndItem, StreamID: s.id, SequenceID: s.nextSeq()}
		f, err := newMetadataFrame(s.conn.alloc, h, EncodedStatusSize(st), func(dst []byte) {
			EncodeStatus(dst, st)
		})
		if err != nil {
			return err
		}
		return s.writeFramesLocked(ctx, []Frame{f})
	}()
	s.sendClosed = true
	s.sendMu.Unlock()

	if err != nil {
		s.conn.log.V(1).Info("failed to send status", "stream", s.id, "route", s.route, "err", err)
	}
	s.end(StateCompleted, nil, st)
	s.mu.Lock()
	if handlerErr != nil {
		s.worker = workerFaulted
	} else if s.worker != workerFaulted {
		s.worker = workerRanToCompletion
	}
	s.mu.Unlock()
	s.conn.removeStream(s)
	s.terminate(nil)
}

// fault moves the stream to Faulted: the backlog is dropped, a suspended
// consumer sees err, and the stream leaves its connection. notifyPeer sends
// a StreamCancel so the other side stops too.
func (s *Stream) fault(err error, notifyPeer bool) {
	if !s.end(StateFaulted, err, nil) {
		return
	}
	s.conn.log.V(1).Info("stream faulted", "stream", s.id, "route", s.route, "err", err)
	s.conn.removeStream(s)
	if notifyPeer {
		s.conn.writeControl(KindStreamCancel, 0, s.id)
	}
	s.terminate(err)
}

// abort cancels the stream from this side, telling the peer.
func (s *Stream) abort(err error) {
	if !s.end(StateCancelled, err, nil) {
		return
	}
	s.conn.removeStream(s)
	s.conn.writeControl(KindStreamCancel, 0, s.id)
	s.terminate(err)
}

// Cancel abandons the call. Pending and later operations fail with
// codes.Canceled.
func (s *Stream) Cancel() {
	s.abort(status.Error(codes.Canceled, "stream cancelled"))
}

// cancelByPeer handles a StreamCancel: the stream ends at once, whatever
// its state, and consumers observe a cancellation rather than a fault.
func (s *Stream) cancelByPeer() {
	err := status.Error(codes.Canceled, "stream cancelled by peer")
	if s.end(StateCancelled, err, nil) {
		s.terminate(err)
	}
}

// failRemote ends the stream with a status the peer implied, such as
// method not found.
func (s *Stream) failRemote(st *status.Status) {
	if s.end(StateCompleted, nil, st) {
		s.terminate(nil)
	}
}

// shutdown ends the stream because its connection went away.
func (s *Stream) shutdown(err error) {
	if s.end(StateCancelled, err, nil) {
		s.terminate(err)
	}
}

// end moves the stream into a terminal state unless it already is in one.
// A completed stream keeps its unconsumed items; the others drop them.
func (s *Stream) end(state StreamState, err error, st *status.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return false
	}
	s.state = state
	s.err = err
	s.status = st
	s.markHeaderLocked(nil)
	if state != StateCompleted {
		if state == StateFaulted {
			s.worker = workerFaulted
		}
		releaseFrames(s.backlog)
		s.backlog, s.groups = nil, 0
	}
	s.resumeLocked()
	return true
}

func (s *Stream) terminate(cause error) {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	if s.cancel != nil {
		if cause == nil {
			cause = context.Canceled
		}
		s.cancel(cause)
	}
}

// statusFromError maps a handler error to the status sent to the caller.
func statusFromError(err error) *status.Status {
	switch {
	case err == nil:
		return status.New(codes.OK, "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err)
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	return status.New(codes.Unknown, err.Error())
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream %d %s %s", s.id, s.shape, s.route)
}
