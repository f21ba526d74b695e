// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gateway bridges JSON-RPC 2.0 over HTTP to grpclite calls.
package gateway

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"google.golang.org/grpc/status"

	"github.com/luxfi/grpclite"
)

// ServiceName is the JSON-RPC service the handler registers.
const ServiceName = "Lite"

// InvokeArgs are the parameters of Lite.Invoke. Payload travels base64
// encoded.
type InvokeArgs struct {
	Route     string            `json:"route"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// InvokeReply carries the unary response and the call's final status.
type InvokeReply struct {
	Payload  []byte `json:"payload,omitempty"`
	Code     uint32 `json:"code"`
	CodeName string `json:"codeName"`
	Message  string `json:"message,omitempty"`
}

// PingArgs are the (empty) parameters of Lite.Ping.
type PingArgs struct{}

// PingReply reports the backend round trip.
type PingReply struct {
	RTTMicros int64 `json:"rttMicros"`
}

// Service is the JSON-RPC receiver forwarding calls over one connection.
type Service struct {
	conn *grpclite.Conn
	log  logr.Logger
}

// Invoke performs a raw unary call. Call failures are reported in the
// reply's status fields; only malformed requests are JSON-RPC errors.
func (s *Service) Invoke(r *http.Request, args *InvokeArgs, reply *InvokeReply) error {
	if args.Route == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "route is required"}
	}
	ctx := r.Context()
	if args.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(args.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	keys := make([]string, 0, len(args.Metadata))
	for k := range args.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var md grpclite.Metadata
	for _, k := range keys {
		md.Add(k, args.Metadata[k])
	}

	resp, err := grpclite.Invoke(ctx, s.conn, args.Route, grpclite.BytesMarshaller{}, grpclite.BytesMarshaller{}, args.Payload, md)
	st := status.Convert(err)
	s.log.V(1).Info("forwarded call", "route", args.Route, "code", st.Code().String())
	reply.Payload = resp
	reply.Code = uint32(st.Code())
	reply.CodeName = st.Code().String()
	reply.Message = st.Message()
	return nil
}

// Ping measures the round trip to the backend.
func (s *Service) Ping(r *http.Request, _ *PingArgs, reply *PingReply) error {
	rtt, err := s.conn.Ping(r.Context())
	if err != nil {
		return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
	reply.RTTMicros = rtt.Microseconds()
	return nil
}

// NewHandler returns an HTTP handler serving the Lite service over conn.
func NewHandler(conn *grpclite.Conn, log logr.Logger) (http.Handler, error) {
	server := rpc.NewServer()
	codec := json2.NewCodec()
	server.RegisterCodec(codec, "application/json")
	if err := server.RegisterService(&Service{conn: conn, log: log}, ServiceName); err != nil {
		return nil, err
	}
	return server, nil
}
