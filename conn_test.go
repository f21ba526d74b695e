// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	raw     = BytesMarshaller{}
	numbers = JSONMarshaller[int]{}
)

// newPair connects a client and a server over an in-process transport and
// runs both dispatch loops.
func newPair(tb testing.TB, methods ...*Method) (client, server *Conn) {
	tb.Helper()
	reg, err := NewRegistry(methods...)
	if err != nil {
		tb.Fatalf("NewRegistry: %v", err)
	}
	a, b := NewQueuePair(256)
	client = NewConn(a, RoleClient)
	server = NewConn(b, RoleServer, WithMethods(reg))
	go func() { _ = client.Run(context.Background()) }()
	go func() { _ = server.Run(context.Background()) }()
	tb.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// newRawPeer runs a server whose peer is driven frame by frame by the test.
func newRawPeer(t *testing.T, methods ...*Method) (*Conn, Transport, *SlabAllocator) {
	t.Helper()
	reg, err := NewRegistry(methods...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	alloc := NewSlabAllocator()
	peer, b := NewQueuePair(64)
	server := NewConn(b, RoleServer, WithMethods(reg), WithSlabAllocator(alloc))
	go func() { _ = server.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = peer.Close()
		_ = server.Close()
	})
	return server, peer, alloc
}

func readFrame(t *testing.T, tr Transport) Frame {
	t.Helper()
	type result struct {
		f   Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := tr.ReadFrame()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("ReadFrame: %v", r.err)
		}
		return r.f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return Frame{}
	}
}

func writeNewStream(t *testing.T, peer Transport, alloc *SlabAllocator, id uint16, shape MethodShape, route string) {
	t.Helper()
	head := RequestHead{Route: route}
	h := FrameHeader{Kind: KindNewStream, KindFlags: uint8(shape), StreamID: id}
	f, err := newMetadataFrame(alloc, h, head.EncodedSize(), head.Encode)
	if err != nil {
		t.Fatalf("newMetadataFrame: %v", err)
	}
	if err := peer.WriteFrame(f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func expectControl(t *testing.T, peer Transport, kind FrameKind, id uint16) {
	t.Helper()
	f := readFrame(t, peer)
	defer f.Release()
	if f.Header.Kind != kind || f.Header.StreamID != id {
		t.Fatalf("got %v, want %s for stream %d", f.Header, kind, id)
	}
}

func timeout(tb testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	tb.Cleanup(cancel)
	return ctx
}

func fooBar() *Method {
	return UnaryMethod("/Foo/Bar", raw, raw, func(_ context.Context, req []byte) ([]byte, error) {
		if !bytes.Equal(req, []byte{1, 2, 3}) {
			return nil, status.Errorf(codes.InvalidArgument, "unexpected request %x", req)
		}
		return []byte{9}, nil
	})
}

func echo() *Method {
	return UnaryMethod("/Echo", raw, raw, func(_ context.Context, req []byte) ([]byte, error) {
		return req, nil
	})
}

func doubler() *Method {
	return DuplexMethod("/Double", numbers, numbers, func(_ context.Context, reqs iter.Seq2[int, error], send func(int) error) error {
		for v, err := range reqs {
			if err != nil {
				return err
			}
			if err := send(2 * v); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestUnaryCall(t *testing.T) {
	client, server := newPair(t, fooBar())
	resp, err := Invoke(timeout(t), client, "/Foo/Bar", raw, raw, []byte{1, 2, 3}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !bytes.Equal(resp, []byte{9}) {
		t.Fatalf("resp = %x, want 09", resp)
	}
	waitFor(t, "server stream cleanup", func() bool { return server.ActiveStreams() == 0 })
	if client.ActiveStreams() != 0 {
		t.Fatalf("client kept %d streams", client.ActiveStreams())
	}
}

func TestUnaryWireFormat(t *testing.T) {
	_, peer, alloc := newRawPeer(t, fooBar())
	writeNewStream(t, peer, alloc, 1, ShapeUnary, "/Foo/Bar")
	req := testFrame(t, alloc, FrameHeader{Kind: KindStreamPayload, KindFlags: FlagEndItem | FlagFinalItem, StreamID: 1, SequenceID: 1}, []byte{1, 2, 3})
	if err := peer.WriteFrame(req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	resp := readFrame(t, peer)
	h := resp.Header
	if h.Kind != KindStreamPayload || h.StreamID != 1 || h.KindFlags != FlagEndItem|FlagFinalItem {
		t.Fatalf("response frame %v", h)
	}
	if h.SequenceID&serverOriginBit == 0 {
		t.Errorf("server sequence id %#x lacks the origin bit", h.SequenceID)
	}
	if !bytes.Equal(resp.Payload(), []byte{9}) {
		t.Errorf("response payload %x", resp.Payload())
	}
	resp.Release()

	f := readFrame(t, peer)
	defer f.Release()
	if f.Header.Kind != KindStreamStatus || f.Header.StreamID != 1 || !f.Header.HasFlag(FlagEndItem) {
		t.Fatalf("status frame %v", f.Header)
	}
	var d MetadataDecoder
	st, err := d.DecodeStatus(f.Payload())
	if err != nil || st.Code() != codes.OK {
		t.Fatalf("status = %v, %v", st, err)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, peer, alloc := newRawPeer(t, fooBar())
	writeNewStream(t, peer, alloc, 7, ShapeUnary, "/Nope")
	expectControl(t, peer, KindStreamMethodNotFound, 7)
	if n := server.ActiveStreams(); n != 0 {
		t.Fatalf("server allocated %d streams for an unknown route", n)
	}

	client, _ := newPair(t, fooBar())
	_, err := Invoke(timeout(t), client, "/Nope", raw, raw, nil, nil)
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("Invoke = %v, want Unimplemented", err)
	}
}

func TestRejectedStreamIDs(t *testing.T) {
	server, peer, alloc := newRawPeer(t, doubler())
	writeNewStream(t, peer, alloc, 3, ShapeDuplexStreaming, "/Double")
	waitFor(t, "stream 3", func() bool { return server.ActiveStreams() == 1 })

	// A second NewStream for a live id is refused without touching it.
	writeNewStream(t, peer, alloc, 3, ShapeDuplexStreaming, "/Double")
	expectControl(t, peer, KindStreamCancel, 3)

	// Ids carrying the server's origin bit are not the client's to use.
	writeNewStream(t, peer, alloc, serverOriginBit|4, ShapeDuplexStreaming, "/Double")
	expectControl(t, peer, KindStreamCancel, serverOriginBit|4)

	// Shapes other than the registered one are refused too.
	writeNewStream(t, peer, alloc, 5, ShapeUnary, "/Double")
	expectControl(t, peer, KindStreamCancel, 5)

	item := func(v int) Frame {
		w := newGroupWriter(alloc, KindStreamPayload, 3, counter())
		if err := numbers.Marshal(v, w); err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		frames, err := w.finish(0)
		if err != nil || len(frames) != 1 {
			t.Fatalf("finish = %d frames, %v", len(frames), err)
		}
		return frames[0]
	}
	if err := peer.WriteFrame(item(21)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	f := readFrame(t, peer)
	defer f.Release()
	if f.Header.Kind != KindStreamPayload || f.Header.StreamID != 3 {
		t.Fatalf("got %v, want a payload on stream 3", f.Header)
	}
	if got, err := numbers.Unmarshal(groupView([]Frame{f})); err != nil || got != 42 {
		t.Fatalf("stream 3 answered %d, %v", got, err)
	}
	if n := server.ActiveStreams(); n != 1 {
		t.Fatalf("server has %d streams, want 1", n)
	}
}

func TestShapeMismatchCancels(t *testing.T) {
	client, _ := newPair(t, doubler())
	_, err := Invoke(timeout(t), client, "/Double", numbers, numbers, 1, nil)
	if status.Code(err) != codes.Canceled {
		t.Fatalf("Invoke = %v, want Canceled", err)
	}
}

func TestServerStreaming(t *testing.T) {
	count := ServerStreamingMethod("/Count", numbers, numbers, func(_ context.Context, n int, send func(int) error) error {
		for i := range n {
			if err := send(i); err != nil {
				return err
			}
		}
		return nil
	})
	client, _ := newPair(t, count)
	ctx := timeout(t)
	call, err := ServerStreaming(ctx, client, "/Count", numbers, numbers, 100, nil)
	if err != nil {
		t.Fatalf("ServerStreaming: %v", err)
	}
	want := 0
	for v, err := range call.All(ctx) {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if v != want {
			t.Fatalf("got %d, want %d", v, want)
		}
		want++
	}
	if want != 100 {
		t.Fatalf("received %d items, want 100", want)
	}
	if _, err := call.CloseAndRecv(ctx); err == nil {
		t.Fatal("CloseAndRecv on a server streaming call should fail")
	}
}

func TestClientStreaming(t *testing.T) {
	sum := ClientStreamingMethod("/Sum", numbers, numbers, func(_ context.Context, reqs iter.Seq2[int, error]) (int, error) {
		total := 0
		for v, err := range reqs {
			if err != nil {
				return 0, err
			}
			total += v
		}
		return total, nil
	})
	client, _ := newPair(t, sum)
	ctx := timeout(t)
	call, err := ClientStreaming(ctx, client, "/Sum", numbers, numbers, nil)
	if err != nil {
		t.Fatalf("ClientStreaming: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := call.Send(ctx, i); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	got, err := call.CloseAndRecv(ctx)
	if err != nil || got != 15 {
		t.Fatalf("CloseAndRecv = %d, %v; want 15", got, err)
	}
	if err := call.Send(ctx, 6); !errors.Is(err, ErrSendClosed) {
		t.Fatalf("Send after CloseAndRecv = %v", err)
	}
}

func TestDuplex(t *testing.T) {
	client, _ := newPair(t, doubler())
	ctx := timeout(t)
	call, err := Duplex(ctx, client, "/Double", numbers, numbers, nil)
	if err != nil {
		t.Fatalf("Duplex: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := call.Send(ctx, i); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, err := call.Recv(ctx)
		if err != nil || got != 2*i {
			t.Fatalf("Recv = %d, %v; want %d", got, err, 2*i)
		}
	}
	if err := call.CloseSend(ctx); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if _, err := call.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after CloseSend = %v, want EOF", err)
	}
	if st := call.Stream().Status(); st == nil || st.Code() != codes.OK {
		t.Fatalf("status = %v", st)
	}
}

func TestHeadersAndTrailers(t *testing.T) {
	m := &Method{Route: "/Meta", Shape: ShapeClientStreaming, Handler: func(ctx context.Context, s *Stream) error {
		agent, _ := s.RequestHeaders().Get("x-agent")
		var hdr, tr Metadata
		hdr.Add("x-echo", agent)
		tr.Add("x-items", "0")
		tr.AddBinary("x-raw-bin", []byte{0, 1})
		if err := s.SetHeader(hdr); err != nil {
			return err
		}
		s.SetTrailer(tr)
		n := 0
		for _, err := range All(ctx, s, numbers) {
			if err != nil {
				return err
			}
			n++
		}
		return SendFinal(ctx, s, numbers, n)
	}}
	client, _ := newPair(t, m)
	ctx := timeout(t)
	var md Metadata
	md.Add("x-agent", "tester")
	call, err := ClientStreaming(ctx, client, "/Meta", numbers, numbers, md)
	if err != nil {
		t.Fatalf("ClientStreaming: %v", err)
	}
	for i := range 3 {
		if err := call.Send(ctx, i); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	n, err := call.CloseAndRecv(ctx)
	if err != nil || n != 3 {
		t.Fatalf("CloseAndRecv = %d, %v", n, err)
	}
	hdr, err := call.Header(ctx)
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if v, _ := hdr.Get("x-echo"); v != "tester" {
		t.Errorf("header x-echo = %q", v)
	}
	tr := call.Trailer()
	if v, _ := tr.Get("x-items"); v != "0" {
		t.Errorf("trailer x-items = %q", v)
	}
	if v, ok := tr.GetBinary("x-raw-bin"); !ok || !bytes.Equal(v, []byte{0, 1}) {
		t.Errorf("binary trailer = %x, %v", v, ok)
	}
}

func TestHandlerErrors(t *testing.T) {
	fail := func(route string, err error) *Method {
		return UnaryMethod(route, raw, raw, func(context.Context, []byte) ([]byte, error) { return nil, err })
	}
	client, _ := newPair(t,
		fail("/NotFound", status.Error(codes.NotFound, "no such key")),
		fail("/Plain", errors.New("plain failure")),
		fail("/Wrapped", fmt.Errorf("lookup: %w", status.Error(codes.PermissionDenied, "nope"))),
	)
	tests := []struct {
		route string
		code  codes.Code
		msg   string
	}{
		{"/NotFound", codes.NotFound, "no such key"},
		{"/Plain", codes.Unknown, "plain failure"},
		{"/Wrapped", codes.PermissionDenied, "lookup: rpc error: code = PermissionDenied desc = nope"},
	}
	for _, tt := range tests {
		t.Run(strings.TrimPrefix(tt.route, "/"), func(t *testing.T) {
			_, err := Invoke(timeout(t), client, tt.route, raw, raw, nil, nil)
			st := status.Convert(err)
			if st.Code() != tt.code || st.Message() != tt.msg {
				t.Fatalf("Invoke = %v, want %s %q", err, tt.code, tt.msg)
			}
		})
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	boom := &Method{Route: "/Boom", Shape: ShapeUnary, Handler: func(context.Context, *Stream) error {
		panic("boom")
	}}
	client, server := newPair(t, boom, echo())

	_, err := Invoke(timeout(t), client, "/Boom", raw, raw, []byte("x"), nil)
	if st := status.Convert(err); st.Code() != codes.Internal || !strings.Contains(st.Message(), "boom") {
		t.Fatalf("Invoke = %v, want Internal", err)
	}
	resp, err := Invoke(timeout(t), client, "/Echo", raw, raw, []byte("still here"), nil)
	if err != nil || string(resp) != "still here" {
		t.Fatalf("Invoke after panic = %q, %v", resp, err)
	}
	select {
	case <-server.Done():
		t.Fatal("server connection ended after a handler panic")
	default:
	}
}

func TestDeadlinePropagates(t *testing.T) {
	deadline := UnaryMethod("/Deadline", raw, raw, func(ctx context.Context, _ []byte) ([]byte, error) {
		dl, ok := ctx.Deadline()
		if !ok {
			return nil, status.Error(codes.FailedPrecondition, "no deadline")
		}
		if left := time.Until(dl); left <= 0 || left > 5*time.Second {
			return nil, status.Errorf(codes.OutOfRange, "deadline %v away", left)
		}
		return nil, nil
	})
	block := UnaryMethod("/Block", raw, raw, func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client, _ := newPair(t, deadline, block)

	if _, err := Invoke(timeout(t), client, "/Deadline", raw, raw, nil, nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := Invoke(ctx, client, "/Block", raw, raw, nil, nil); status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("Invoke past deadline = %v, want DeadlineExceeded", err)
	}

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	if _, err := client.NewStream(expired, "/Block", ShapeUnary, nil); status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("NewStream with an expired context = %v", err)
	}
}

func TestCancellation(t *testing.T) {
	started := make(chan struct{}, 1)
	observed := make(chan error, 1)
	block := UnaryMethod("/Block", raw, raw, func(ctx context.Context, _ []byte) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		observed <- ctx.Err()
		return nil, ctx.Err()
	})
	watch := DuplexMethod("/Watch", numbers, numbers, func(ctx context.Context, reqs iter.Seq2[int, error], _ func(int) error) error {
		for _, err := range reqs {
			if err != nil {
				observed <- err
				return err
			}
		}
		return nil
	})
	selfCancel := &Method{Route: "/SelfCancel", Shape: ShapeDuplexStreaming, Handler: func(_ context.Context, s *Stream) error {
		s.Cancel()
		return nil
	}}
	client, server := newPair(t, block, watch, selfCancel)

	t.Run("client context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-started
			cancel()
		}()
		if _, err := Invoke(ctx, client, "/Block", raw, raw, nil, nil); status.Code(err) != codes.Canceled {
			t.Fatalf("Invoke = %v, want Canceled", err)
		}
		select {
		case err := <-observed:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("handler saw %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("handler never saw the cancellation")
		}
	})

	t.Run("client cancels mid-stream", func(t *testing.T) {
		ctx := timeout(t)
		call, err := Duplex(ctx, client, "/Watch", numbers, numbers, nil)
		if err != nil {
			t.Fatalf("Duplex: %v", err)
		}
		if err := call.Send(ctx, 1); err != nil {
			t.Fatalf("Send: %v", err)
		}
		call.Cancel()
		if _, err := call.Recv(ctx); status.Code(err) != codes.Canceled {
			t.Fatalf("Recv after Cancel = %v", err)
		}
		select {
		case err := <-observed:
			if status.Code(err) != codes.Canceled {
				t.Fatalf("handler saw %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("handler never saw the cancellation")
		}
		waitFor(t, "server cleanup", func() bool { return server.ActiveStreams() == 0 })
	})

	t.Run("server cancels", func(t *testing.T) {
		ctx := timeout(t)
		call, err := Duplex(ctx, client, "/SelfCancel", numbers, numbers, nil)
		if err != nil {
			t.Fatalf("Duplex: %v", err)
		}
		if _, err := call.Recv(ctx); status.Code(err) != codes.Canceled {
			t.Fatalf("Recv = %v, want Canceled", err)
		}
		if err := call.Send(ctx, 1); status.Code(err) != codes.Canceled {
			t.Fatalf("Send on a cancelled call = %v", err)
		}
	})
}

func TestConcurrentCalls(t *testing.T) {
	client, _ := newPair(t, echo())
	ctx := timeout(t)
	var g errgroup.Group
	for i := range 64 {
		g.Go(func() error {
			req := randomBytes(1+i*997, uint64(i))
			resp, err := Invoke(ctx, client, "/Echo", raw, raw, req, nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(resp, req) {
				return fmt.Errorf("call %d: response differs", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestMarshallersOverConn(t *testing.T) {
	type pair struct{ A, B int }
	add := UnaryMethod("/Add", JSONMarshaller[pair]{}, numbers, func(_ context.Context, p pair) (int, error) {
		return p.A + p.B, nil
	})
	str := ProtoMarshaller(func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) })
	upper := UnaryMethod("/Upper", str, str, func(_ context.Context, v *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
		return wrapperspb.String(strings.ToUpper(v.GetValue())), nil
	})
	client, _ := newPair(t, add, upper)
	ctx := timeout(t)

	sum, err := Invoke(ctx, client, "/Add", JSONMarshaller[pair]{}, numbers, pair{A: 2, B: 3}, nil)
	if err != nil || sum != 5 {
		t.Fatalf("/Add = %d, %v", sum, err)
	}
	out, err := Invoke(ctx, client, "/Upper", str, str, wrapperspb.String("hello"), nil)
	if err != nil || out.GetValue() != "HELLO" {
		t.Fatalf("/Upper = %v, %v", out, err)
	}
}

func TestPing(t *testing.T) {
	client, server := newPair(t)
	ctx := timeout(t)
	for _, c := range []*Conn{client, server} {
		if _, err := c.Ping(ctx); err != nil {
			t.Fatalf("%s Ping: %v", c.Role(), err)
		}
	}
}

func TestServerCloseEndsClient(t *testing.T) {
	client, server := newPair(t, doubler())
	ctx := timeout(t)
	call, err := Duplex(ctx, client, "/Double", numbers, numbers, nil)
	if err != nil {
		t.Fatalf("Duplex: %v", err)
	}
	waitFor(t, "server stream", func() bool { return server.ActiveStreams() == 1 })

	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := call.Recv(ctx); status.Code(err) != codes.Unavailable {
		t.Fatalf("Recv on a closed connection = %v, want Unavailable", err)
	}
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the close")
	}
	if err := client.Err(); err != nil {
		t.Fatalf("graceful close reported %v", err)
	}
	if _, err := Invoke(ctx, client, "/Double", numbers, numbers, 1, nil); status.Code(err) != codes.Unavailable {
		t.Fatalf("Invoke after close = %v, want Unavailable", err)
	}
	if server.Err() != nil {
		t.Fatalf("server Err = %v", server.Err())
	}
}

func TestStreamIDsCycle(t *testing.T) {
	a, _ := NewQueuePair(1)
	c := NewConn(a, RoleServer)
	c.nextID = serverOriginBit - 2
	for _, want := range []uint16{serverOriginBit | 0x7FFF, serverOriginBit | 1} {
		id, err := c.allocIDLocked()
		if err != nil || id != want {
			t.Fatalf("allocIDLocked = %#x, %v; want %#x", id, err, want)
		}
	}
	c.streams[serverOriginBit|2] = &Stream{}
	if id, _ := c.allocIDLocked(); id != serverOriginBit|3 {
		t.Fatalf("live id reused: %#x", id)
	}
}

func BenchmarkUnaryRoundTrip(b *testing.B) {
	client, _ := newPair(b, echo())
	ctx := context.Background()
	payload := make([]byte, 1024)

	b.ReportAllocs()
	for b.Loop() {
		if _, err := Invoke(ctx, client, "/Echo", raw, raw, payload, nil); err != nil {
			b.Fatal(err)
		}
	}
}
