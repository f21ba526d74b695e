// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package grpclite is a lightweight multiplexed RPC transport with gRPC
// semantics: unary, client streaming, server streaming and duplex calls
// with headers, trailers and a final status, over any ordered duplex byte
// stream.
//
// # Wire format
//
// Everything travels as frames: an 8 byte little-endian header (kind,
// kind flags, stream id, sequence id, payload length) followed by at most
// 65535 payload bytes. An item larger than one frame is split into a frame
// group; the last frame of a group carries the EndItem flag. Headers,
// trailers and status are compact metadata blocks that must fit in a single
// frame.
//
// # Usage
//
// Server:
//
//	server, err := grpclite.Listen("127.0.0.1:9000", grpclite.WithLogger(grpclite.StdLogger(1)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Register(grpclite.UnaryMethod("/Echo/Say",
//	    grpclite.BytesMarshaller{}, grpclite.BytesMarshaller{},
//	    func(ctx context.Context, req []byte) ([]byte, error) {
//	        return req, nil
//	    }))
//	server.Serve(ctx)
//
// Client:
//
//	conn, err := grpclite.Dial(ctx, "127.0.0.1:9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	resp, err := grpclite.Invoke(ctx, conn, "/Echo/Say",
//	    grpclite.BytesMarshaller{}, grpclite.BytesMarshaller{}, []byte("hi"), nil)
//
// Errors of finished calls are grpc statuses; use status.Code to inspect
// them.
//
// # Architecture
//
//   - frame.go: frame header codec
//   - slab.go: pooled slabs frames are carved from
//   - transport*.go: framed transports and their registry
//   - gate.go: write gates serializing concurrent writers
//   - metadata.go: metadata and status codec
//   - stream.go: per-stream state machine and item backlog
//   - conn.go: dispatch loop, stream table, ping and close
//   - client.go, server.go: typed call helpers and method builders
//   - dial.go: Dial, Listen and the accept loop
//
// The gateway subpackage exposes calls over JSON-RPC 2.0.
package grpclite
