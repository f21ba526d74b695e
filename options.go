// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"log"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// DefaultGateCapacity is the queue size of the buffered write gate.
const DefaultGateCapacity = 256

// Option configures connections, dialers and servers.
type Option func(*options)

type options struct {
	logger         logr.Logger
	allocator      *SlabAllocator
	transport      string
	bufferedWrites bool
	gateCapacity   int
	flushThreshold int
	methods        MethodLookup
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:         logr.Discard(),
		transport:      DefaultTransport,
		bufferedWrites: true,
		gateCapacity:   DefaultGateCapacity,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.allocator == nil {
		o.allocator = DefaultSlabAllocator()
	}
	return o
}

func (o *options) transportConfig() TransportConfig {
	return TransportConfig{Allocator: o.allocator, FlushThreshold: o.flushThreshold}
}

// WithLogger sets the logging sink. Connections log nothing by default.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSlabAllocator shares an allocator between connections.
func WithSlabAllocator(a *SlabAllocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithTransport selects a registered transport by name.
func WithTransport(name string) Option {
	return func(o *options) { o.transport = name }
}

// WithBufferedWrites puts a queue of capacity frames and a pump goroutine in
// front of the transport. This is the default. A capacity of zero or less
// means unbounded.
func WithBufferedWrites(capacity int) Option {
	return func(o *options) {
		o.bufferedWrites = true
		o.gateCapacity = capacity
	}
}

// WithSynchronizedWrites makes writers take turns on the transport directly.
func WithSynchronizedWrites() Option {
	return func(o *options) { o.bufferedWrites = false }
}

// WithFlushThreshold sets the auto-flush threshold of the pipe transport.
func WithFlushThreshold(n int) Option {
	return func(o *options) { o.flushThreshold = n }
}

// WithMethods sets the route lookup used for streams opened by the peer.
func WithMethods(m MethodLookup) Option {
	return func(o *options) { o.methods = m }
}

// StdLogger returns a logr.Logger writing through the standard library
// logger. Messages at V(n) with n above verbosity are dropped.
func StdLogger(verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	return stdr.New(log.Default())
}
