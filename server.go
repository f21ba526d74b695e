// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Handler serves one stream opened by the peer. A nil return ends the call
// with status OK; any other error is sent as the call's status.
type Handler func(ctx context.Context, s *Stream) error

// Method binds a route to its handler.
type Method struct {
	Route   string
	Shape   MethodShape
	Handler Handler
}

// MethodLookup resolves routes of incoming streams.
type MethodLookup interface {
	Lookup(route string) (*Method, bool)
}

// Registry is a concurrency-safe MethodLookup. The zero value is empty and
// ready to use.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewRegistry returns a registry holding methods.
func NewRegistry(methods ...*Method) (*Registry, error) {
	r := &Registry{}
	for _, m := range methods {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds m. Registering the same route twice is an error.
func (r *Registry) Register(m *Method) error {
	if m == nil || m.Handler == nil {
		return errors.New("grpclite: method without handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.methods == nil {
		r.methods = make(map[string]*Method)
	}
	if _, ok := r.methods[m.Route]; ok {
		return fmt.Errorf("grpclite: route %s already registered", m.Route)
	}
	r.methods[m.Route] = m
	return nil
}

func (r *Registry) Lookup(route string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[route]
	return m, ok
}

// Routes returns the registered routes, sorted.
func (r *Registry) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]string, 0, len(r.methods))
	for route := range r.methods {
		routes = append(routes, route)
	}
	slices.Sort(routes)
	return routes
}

// serve runs the handler and sends its result.
func (s *Stream) serve(h Handler) {
	s.mu.Lock()
	s.worker = workerActive
	s.mu.Unlock()
	s.finish(s.call(h))
}

// call runs h, turning a panic into an Internal status for this stream only.
func (s *Stream) call(h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.conn.log.Error(fmt.Errorf("%v", r), "handler panicked", "stream", s.id, "route", s.route)
			err = status.Errorf(codes.Internal, "%s: handler panic: %v", s.route, r)
		}
	}()
	return h(s.ctx, s)
}

// requestOnce reads the single request of a unary or server streaming call.
func requestOnce[T any](ctx context.Context, s *Stream, m Marshaller[T]) (T, error) {
	req, err := Receive(ctx, s, m)
	if errors.Is(err, io.EOF) {
		return req, status.Errorf(codes.InvalidArgument, "%s: missing request", s.route)
	}
	return req, err
}

// UnaryMethod builds a method taking one request and returning one response.
func UnaryMethod[Req, Resp any](route string, in Marshaller[Req], out Marshaller[Resp],
	fn func(ctx context.Context, req Req) (Resp, error),
) *Method {
	return &Method{Route: route, Shape: ShapeUnary, Handler: func(ctx context.Context, s *Stream) error {
		req, err := requestOnce(ctx, s, in)
		if err != nil {
			return err
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return err
		}
		return SendFinal(ctx, s, out, resp)
	}}
}

// ClientStreamingMethod builds a method consuming a request stream and
// returning one response.
func ClientStreamingMethod[Req, Resp any](route string, in Marshaller[Req], out Marshaller[Resp],
	fn func(ctx context.Context, reqs iter.Seq2[Req, error]) (Resp, error),
) *Method {
	return &Method{Route: route, Shape: ShapeClientStreaming, Handler: func(ctx context.Context, s *Stream) error {
		resp, err := fn(ctx, All(ctx, s, in))
		if err != nil {
			return err
		}
		return SendFinal(ctx, s, out, resp)
	}}
}

// ServerStreamingMethod builds a method taking one request and sending any
// number of responses through send.
func ServerStreamingMethod[Req, Resp any](route string, in Marshaller[Req], out Marshaller[Resp],
	fn func(ctx context.Context, req Req, send func(Resp) error) error,
) *Method {
	return &Method{Route: route, Shape: ShapeServerStreaming, Handler: func(ctx context.Context, s *Stream) error {
		req, err := requestOnce(ctx, s, in)
		if err != nil {
			return err
		}
		return fn(ctx, req, func(v Resp) error { return Send(ctx, s, out, v) })
	}}
}

// DuplexMethod builds a method where both sides stream independently.
func DuplexMethod[Req, Resp any](route string, in Marshaller[Req], out Marshaller[Resp],
	fn func(ctx context.Context, reqs iter.Seq2[Req, error], send func(Resp) error) error,
) *Method {
	return &Method{Route: route, Shape: ShapeDuplexStreaming, Handler: func(ctx context.Context, s *Stream) error {
		return fn(ctx, All(ctx, s, in), func(v Resp) error { return Send(ctx, s, out, v) })
	}}
}
