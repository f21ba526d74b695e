// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Dial connects to a server over TCP using the selected transport
// (stream by default) and starts the connection's dispatch loop.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpclite dial: %w", err)
	}
	c, err := NewClientConn(nc, opts...)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClientConn starts a client connection over an established byte
// stream. The connection owns rwc from now on.
func NewClientConn(rwc io.ReadWriteCloser, opts ...Option) (*Conn, error) {
	o := newOptions(opts)
	t, err := newTransport(o.transport, rwc, o.transportConfig())
	if err != nil {
		return nil, err
	}
	c := NewConn(t, RoleClient, opts...)
	go func() { _ = c.Run(context.Background()) }()
	return c, nil
}

// Server accepts connections and serves the streams their peers open.
type Server struct {
	listener net.Listener
	opts     []Option
	o        *options
	registry *Registry
	log      logr.Logger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed atomic.Bool
}

// Listen creates a server listening on addr over TCP.
func Listen(addr string, opts ...Option) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServer(l, opts...), nil
}

// NewServer creates a server on l. Methods come from WithMethods, or from
// Register when no lookup was given.
func NewServer(l net.Listener, opts ...Option) *Server {
	o := newOptions(opts)
	s := &Server{
		listener: l,
		o:        o,
		log:      o.logger.WithValues("listener", l.Addr().String()),
		conns:    make(map[*Conn]struct{}),
	}
	if o.methods == nil {
		s.registry = &Registry{}
		o.methods = s.registry
	}
	s.opts = append(slices.Clone(opts), WithMethods(o.methods))
	return s
}

// Register adds a method to the server's registry.
func (s *Server) Register(m *Method) error {
	if s.registry == nil {
		return errors.New("grpclite: server uses a custom method lookup")
	}
	return s.registry.Register(m)
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = s.listener.Close() })
	defer stop()

	var serveErr error
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.closed.Load() && gctx.Err() == nil {
				serveErr = fmt.Errorf("grpclite accept: %w", err)
			}
			break
		}
		g.Go(func() error {
			if err := s.ServeConn(gctx, nc); err != nil {
				s.log.V(1).Info("connection ended with error", "remote", nc.RemoteAddr().String(), "err", err)
			}
			return nil
		})
	}
	s.closeConns()
	_ = g.Wait()
	return serveErr
}

// ServeConn serves one established byte stream until it ends.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	t, err := newTransport(s.o.transport, rwc, s.o.transportConfig())
	if err != nil {
		_ = rwc.Close()
		return err
	}
	c := NewConn(t, RoleServer, s.opts...)
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = t.Close()
		return ErrConnClosed
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	return c.Run(ctx)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops accepting and closes every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed.Store(true)
	s.mu.Unlock()
	err := s.listener.Close()
	s.closeConns()
	return err
}
