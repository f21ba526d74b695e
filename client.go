// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/mem"
	"google.golang.org/grpc/status"
)

// Send serializes v with m and sends it as one item.
func Send[T any](ctx context.Context, s *Stream, m Marshaller[T], v T) error {
	return s.SendItem(ctx, false, func(w io.Writer) error { return m.Marshal(v, w) })
}

// SendFinal sends v as the last item of this side of the stream.
func SendFinal[T any](ctx context.Context, s *Stream, m Marshaller[T], v T) error {
	return s.SendItem(ctx, true, func(w io.Writer) error { return m.Marshal(v, w) })
}

// Receive waits for the next item and deserializes it with m. It returns
// io.EOF after the peer's last item when the stream ended cleanly.
func Receive[T any](ctx context.Context, s *Stream, m Marshaller[T]) (T, error) {
	var v T
	err := s.RecvItem(ctx, func(data mem.BufferSlice) error {
		var err error
		v, err = m.Unmarshal(data)
		return err
	})
	return v, err
}

// All enumerates the remaining items of s. It stops after the last item;
// any other failure is yielded once as the error.
func All[T any](ctx context.Context, s *Stream, m Marshaller[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := Receive(ctx, s, m)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(v, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Call is a typed client-side view of a stream.
type Call[Req, Resp any] struct {
	s   *Stream
	in  Marshaller[Req]
	out Marshaller[Resp]
}

func openCall[Req, Resp any](ctx context.Context, c *Conn, route string, shape MethodShape,
	in Marshaller[Req], out Marshaller[Resp], md Metadata,
) (*Call[Req, Resp], error) {
	s, err := c.NewStream(ctx, route, shape, md)
	if err != nil {
		return nil, err
	}
	return &Call[Req, Resp]{s: s, in: in, out: out}, nil
}

// Stream returns the underlying stream.
func (c *Call[Req, Resp]) Stream() *Stream { return c.s }

// Header waits for the response headers.
func (c *Call[Req, Resp]) Header(ctx context.Context) (Metadata, error) { return c.s.Header(ctx) }

// Trailer returns the response trailers once the call is over.
func (c *Call[Req, Resp]) Trailer() Metadata { return c.s.Trailer() }

// Cancel abandons the call.
func (c *Call[Req, Resp]) Cancel() { c.s.Cancel() }

// Send sends one request of a client or duplex streaming call.
func (c *Call[Req, Resp]) Send(ctx context.Context, v Req) error {
	if !c.s.shape.clientStreamsRequest() {
		return fmt.Errorf("grpclite: %s call takes a single request", c.s.shape)
	}
	return Send(ctx, c.s, c.in, v)
}

// CloseSend tells the server no more requests follow.
func (c *Call[Req, Resp]) CloseSend(ctx context.Context) error { return c.s.CloseSend(ctx) }

// Recv returns the next response, io.EOF after the last one.
func (c *Call[Req, Resp]) Recv(ctx context.Context) (Resp, error) {
	return Receive(ctx, c.s, c.out)
}

// All enumerates the remaining responses.
func (c *Call[Req, Resp]) All(ctx context.Context) iter.Seq2[Resp, error] {
	return All(ctx, c.s, c.out)
}

// CloseAndRecv ends the request stream and waits for the single response
// of a client streaming call.
func (c *Call[Req, Resp]) CloseAndRecv(ctx context.Context) (Resp, error) {
	if c.s.shape.serverStreamsResponse() {
		var zero Resp
		return zero, fmt.Errorf("grpclite: %s call has no single response", c.s.shape)
	}
	if err := c.s.CloseSend(ctx); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrSendClosed) {
		var zero Resp
		return zero, err
	}
	return c.recvOnly(ctx)
}

// recvOnly reads exactly one response and waits for the status.
func (c *Call[Req, Resp]) recvOnly(ctx context.Context) (Resp, error) {
	resp, err := Receive(ctx, c.s, c.out)
	if errors.Is(err, io.EOF) {
		return resp, status.Errorf(codes.Internal, "%s: no response", c.s.route)
	}
	if err != nil {
		return resp, err
	}
	extra := false
	err = c.s.RecvItem(ctx, func(mem.BufferSlice) error {
		extra = true
		return nil
	})
	switch {
	case extra:
		c.s.Cancel()
		return resp, status.Errorf(codes.Internal, "%s: more than one response", c.s.route)
	case errors.Is(err, io.EOF):
		return resp, nil
	}
	return resp, err
}

// Invoke performs a unary call.
func Invoke[Req, Resp any](ctx context.Context, c *Conn, route string, in Marshaller[Req], out Marshaller[Resp],
	req Req, md Metadata,
) (Resp, error) {
	call, err := openCall(ctx, c, route, ShapeUnary, in, out, md)
	if err != nil {
		var zero Resp
		return zero, err
	}
	defer call.Cancel()
	// io.EOF means the server already ended the call; its status is what
	// recvOnly reports.
	if err := SendFinal(ctx, call.s, in, req); err != nil && !errors.Is(err, io.EOF) {
		var zero Resp
		return zero, err
	}
	return call.recvOnly(ctx)
}

// ClientStreaming opens a call that sends many requests and gets one
// response from CloseAndRecv.
func ClientStreaming[Req, Resp any](ctx context.Context, c *Conn, route string, in Marshaller[Req], out Marshaller[Resp],
	md Metadata,
) (*Call[Req, Resp], error) {
	return openCall(ctx, c, route, ShapeClientStreaming, in, out, md)
}

// ServerStreaming sends req and returns the call to read responses from.
func ServerStreaming[Req, Resp any](ctx context.Context, c *Conn, route string, in Marshaller[Req], out Marshaller[Resp],
	req Req, md Metadata,
) (*Call[Req, Resp], error) {
	call, err := openCall(ctx, c, route, ShapeServerStreaming, in, out, md)
	if err != nil {
		return nil, err
	}
	if err := SendFinal(ctx, call.s, in, req); err != nil && !errors.Is(err, io.EOF) {
		call.Cancel()
		return nil, err
	}
	return call, nil
}

// Duplex opens a call where both sides stream independently.
func Duplex[Req, Resp any](ctx context.Context, c *Conn, route string, in Marshaller[Req], out Marshaller[Resp],
	md Metadata,
) (*Call[Req, Resp], error) {
	return openCall(ctx, c, route, ShapeDuplexStreaming, in, out, md)
}
