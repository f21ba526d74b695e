// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Role tells which end of a connection this is.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// originBit is the top bit this role sets on ids it issues.
func (r Role) originBit() uint16 {
	if r == RoleServer {
		return serverOriginBit
	}
	return 0
}

func (r Role) peer() Role {
	if r == RoleServer {
		return RoleClient
	}
	return RoleServer
}

// Conn multiplexes streams over one Transport. A single dispatch loop reads
// frames and routes them to streams by id; writes from every stream go
// through the connection's WriteGate.
type Conn struct {
	id      uuid.UUID
	role    Role
	t       Transport
	gate    WriteGate
	alloc   *SlabAllocator
	log     logr.Logger
	methods MethodLookup

	// decoder is only used by the dispatch goroutine.
	decoder MetadataDecoder

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu            sync.Mutex
	streams       map[uint16]*Stream
	nextID        uint16
	closedLocally bool
	closedByPeer  bool
	shut          bool
	pings         []chan struct{}

	started atomic.Bool
	done    chan struct{}
	err     error
}

// NewConn wraps a transport. Call Run to start the dispatch loop; Dial and
// Server do that for you.
func NewConn(t Transport, role Role, opts ...Option) *Conn {
	o := newOptions(opts)
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Conn{
		id:      uuid.New(),
		role:    role,
		t:       t,
		alloc:   o.allocator,
		methods: o.methods,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint16]*Stream),
		done:    make(chan struct{}),
	}
	c.log = o.logger.WithValues("conn", c.id.String(), "role", role.String())
	if o.bufferedWrites {
		c.gate = NewBufferedGate(t, o.gateCapacity)
	} else {
		c.gate = NewSyncGate(t)
	}
	return c
}

// ID returns the connection id used in logs.
func (c *Conn) ID() string { return c.id.String() }

// Role returns which end of the connection this is.
func (c *Conn) Role() Role { return c.role }

// Done is closed once the dispatch loop has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection stopped, nil for a clean shutdown.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// ActiveStreams returns the number of streams in the stream table.
func (c *Conn) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *Conn) lookupStream(id uint16) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Conn) removeStream(s *Stream) {
	c.mu.Lock()
	if c.streams[s.id] == s {
		delete(c.streams, s.id)
	}
	c.mu.Unlock()
}

// Run reads and dispatches frames until the peer goes away, the context is
// cancelled or Close is called. It returns nil on a clean end.
func (c *Conn) Run(ctx context.Context) error {
	if c.started.Swap(true) {
		return errors.New("grpclite: connection already running")
	}
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = c.t.Close() })
	defer stop()
	g.Go(func() error { return c.gate.run(gctx) })
	g.Go(c.dispatch)
	err := g.Wait()
	_ = c.t.Close()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	c.finish(err)
	return c.Err()
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	// Once either side said goodbye, a failing transport is expected.
	if c.closedLocally || c.closedByPeer {
		err = nil
	}
	c.mu.Unlock()
	c.err = err
	close(c.done)
}

func (c *Conn) dispatch() (err error) {
	defer func() { c.shutdown(err) }()
	for f, ferr := range c.t.Frames() {
		if ferr != nil {
			return ferr
		}
		c.handleFrame(f)
	}
	return nil
}

func (c *Conn) handleFrame(f Frame) {
	h := f.Header
	if h.Kind.isConnectionLevel() && h.StreamID != 0 {
		c.log.V(1).Info("connection frame addressed to a stream", "frame", h)
		f.Release()
		return
	}
	switch h.Kind {
	case KindPing:
		f.Release()
		if h.HasFlag(FlagReply) {
			c.pingReplied()
		} else {
			c.writeControl(KindPing, FlagReply, 0)
		}
	case KindClose:
		f.Release()
		if !h.HasFlag(FlagReply) {
			c.log.V(1).Info("peer closed the connection")
			c.mu.Lock()
			c.closedByPeer = true
			c.mu.Unlock()
			c.writeControl(KindClose, FlagReply, 0)
			c.gate.Complete(nil)
		}
	case KindNewStream:
		c.openRemote(f)
	default:
		s := c.lookupStream(h.StreamID)
		if s == nil {
			c.log.V(2).Info("dropping frame for unknown stream", "frame", h)
			f.Release()
			return
		}
		switch h.Kind {
		case KindStreamCancel:
			f.Release()
			c.removeStream(s)
			s.cancelByPeer()
		case KindStreamMethodNotFound:
			f.Release()
			c.removeStream(s)
			s.failRemote(status.Newf(codes.Unimplemented, "method %s not found", s.route))
		default:
			if !s.acceptFrame(f) {
				c.log.V(1).Info("frame rejected by stream", "frame", h, "state", s.State())
				f.Release()
			}
		}
	}
}

// openRemote handles a NewStream frame from the peer.
func (c *Conn) openRemote(f Frame) {
	defer f.Release()
	h := f.Header
	id := h.StreamID
	if id&^serverOriginBit == 0 || id&serverOriginBit != c.role.peer().originBit() {
		c.log.V(1).Info("peer opened a stream with an id it may not issue", "stream", id)
		c.writeControl(KindStreamCancel, 0, id)
		return
	}
	head, err := c.decoder.DecodeRequestHead(f.Payload())
	if err != nil {
		c.log.V(1).Info("bad request head", "stream", id, "err", err)
		c.writeControl(KindStreamCancel, 0, id)
		return
	}
	var (
		m     *Method
		found bool
	)
	if c.methods != nil {
		m, found = c.methods.Lookup(head.Route)
	}
	shape := MethodShape(h.KindFlags)

	c.mu.Lock()
	if _, dup := c.streams[id]; dup || c.shut {
		c.mu.Unlock()
		c.log.V(1).Info("rejecting stream", "stream", id, "route", head.Route, "duplicate", dup)
		c.writeControl(KindStreamCancel, 0, id)
		return
	}
	if !found {
		c.mu.Unlock()
		c.log.V(1).Info("method not found", "stream", id, "route", head.Route)
		c.writeControl(KindStreamMethodNotFound, 0, id)
		return
	}
	if m.Shape != shape {
		c.mu.Unlock()
		c.log.V(1).Info("method shape mismatch", "stream", id, "route", head.Route, "want", m.Shape, "got", shape)
		c.writeControl(KindStreamCancel, 0, id)
		return
	}
	s := newStream(c, id, head.Route, shape, true)
	s.state = StateExpectRequest
	s.requestHeaders = head.Headers
	base, cancel := context.WithCancelCause(c.ctx)
	s.ctx, s.cancel = base, cancel
	if head.Timeout > 0 {
		tctx, tcancel := context.WithTimeout(base, head.Timeout)
		s.ctx = tctx
		s.cancel = func(cause error) {
			tcancel()
			cancel(cause)
		}
	}
	c.streams[id] = s
	c.mu.Unlock()

	c.log.V(2).Info("stream opened", "stream", id, "route", head.Route, "shape", shape)
	go s.serve(m.Handler)
}

// NewStream opens a client stream for route. The context bounds the whole
// call: its deadline is sent to the server and cancelling it cancels the
// stream on both ends.
func (c *Conn) NewStream(ctx context.Context, route string, shape MethodShape, md Metadata) (*Stream, error) {
	head := RequestHead{Route: route, Headers: md}
	if dl, ok := ctx.Deadline(); ok {
		head.Timeout = time.Until(dl)
		if head.Timeout <= 0 {
			return nil, status.Error(codes.DeadlineExceeded, context.DeadlineExceeded.Error())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	c.mu.Lock()
	if c.shut || c.closedLocally {
		c.mu.Unlock()
		return nil, status.Error(codes.Unavailable, ErrConnClosed.Error())
	}
	id, err := c.allocIDLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}
	s := newStream(c, id, route, shape, false)
	s.state = StateExpectHeaders
	s.requestHeaders = md
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	c.streams[id] = s
	c.mu.Unlock()

	s.sendMu.Lock()
	h := FrameHeader{Kind: KindNewStream, KindFlags: uint8(shape), StreamID: id, SequenceID: s.nextSeq()}
	f, err := newMetadataFrame(c.alloc, h, head.EncodedSize(), head.Encode)
	if err == nil {
		err = s.writeFramesLocked(ctx, []Frame{f})
	}
	s.sendMu.Unlock()
	if err != nil {
		c.removeStream(s)
		s.shutdown(err)
		return nil, err
	}

	unwatch := context.AfterFunc(ctx, func() {
		s.abort(status.FromContextError(ctx.Err()).Err())
	})
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		unwatch()
	} else {
		s.unwatch = unwatch
		s.mu.Unlock()
	}
	return s, nil
}

func (c *Conn) allocIDLocked() (uint16, error) {
	for range serverOriginBit - 1 {
		c.nextID = c.nextID%(serverOriginBit-1) + 1
		id := c.nextID | c.role.originBit()
		if _, used := c.streams[id]; !used {
			return id, nil
		}
	}
	return 0, ErrStreamIDExhausted
}

// Ping sends a Ping and waits for the peer's reply.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	ch := make(chan struct{})
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return 0, ErrConnClosed
	}
	c.pings = append(c.pings, ch)
	c.mu.Unlock()

	start := time.Now()
	err := c.gate.WriteFrame(ctx, NewControlFrame(KindPing, 0, 0))
	if err == nil {
		err = c.gate.Flush(ctx)
	}
	if err != nil {
		c.dropPing(ch)
		return 0, fmt.Errorf("grpclite: ping: %w", err)
	}
	select {
	case <-ch:
		return time.Since(start), nil
	case <-ctx.Done():
		c.dropPing(ch)
		return 0, ctx.Err()
	case <-c.done:
		return 0, ErrConnClosed
	}
}

// pingReplied completes the oldest outstanding Ping.
func (c *Conn) pingReplied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pings) == 0 {
		c.log.V(2).Info("unsolicited ping reply")
		return
	}
	close(c.pings[0])
	c.pings = c.pings[1:]
}

func (c *Conn) dropPing(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pings {
		if p == ch {
			c.pings = append(c.pings[:i], c.pings[i+1:]...)
			return
		}
	}
}

// writeControl sends a payload-less frame. Failures only get logged: the
// connection is going down anyway when the gate refuses.
func (c *Conn) writeControl(kind FrameKind, flags uint8, streamID uint16) {
	f := NewControlFrame(kind, flags, streamID)
	f.Header.SequenceID = c.role.originBit()
	err := c.gate.WriteFrame(c.ctx, f)
	if err == nil {
		err = c.gate.Flush(c.ctx)
	}
	if err != nil {
		c.log.V(2).Info("control frame not sent", "kind", kind, "stream", streamID, "err", err)
	}
}

// writeErr turns a gate failure into what a stream caller sees.
func (c *Conn) writeErr(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Unavailable, err.Error())
}

// shutdown runs when the dispatch loop exits. A clean exit lets the write
// gate drain; an error faults it. Every remaining stream ends.
func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	local := c.closedLocally || c.closedByPeer
	c.shut = true
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	clear(c.streams)
	c.mu.Unlock()

	if err != nil && !local {
		c.log.Error(err, "dispatch loop failed")
		c.gate.Complete(err)
	} else {
		c.gate.Complete(nil)
	}
	msg := ErrConnClosed.Error()
	if err != nil && !local {
		msg = err.Error()
	}
	serr := status.Error(codes.Unavailable, msg)
	for _, s := range streams {
		s.shutdown(serr)
	}
	c.cancel(ErrConnClosed)
}

// Close says goodbye to the peer, drains the write gate and closes the
// transport. It waits for the dispatch loop when one is running.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closedLocally {
		c.mu.Unlock()
		if c.started.Load() {
			<-c.done
		}
		return nil
	}
	c.closedLocally = true
	c.mu.Unlock()

	running := c.started.Load()
	c.writeControl(KindClose, 0, 0)
	c.gate.Complete(nil)
	if running {
		select {
		case <-c.gate.Done():
		case <-c.done:
		}
	}
	err := c.t.Close()
	if running {
		<-c.done
	} else {
		c.shutdown(nil)
	}
	return err
}
