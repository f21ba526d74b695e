// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"encoding/json"
	"fmt"
	"io"

	grpcencoding "google.golang.org/grpc/encoding"
	grpcproto "google.golang.org/grpc/encoding/proto"
	"google.golang.org/grpc/mem"
	"google.golang.org/protobuf/proto"
)

// Marshaller turns items into payload bytes and back.
//
// Marshal writes into the stream's frame writer; large items are split
// into frames as they are written. Unmarshal reads the payload of one item,
// which may be spread over several buffers. The buffers are only valid
// during the call, so implementations must copy what they keep.
type Marshaller[T any] interface {
	Marshal(v T, w io.Writer) error
	Unmarshal(data mem.BufferSlice) (T, error)
}

// BytesMarshaller passes raw payloads through unchanged.
type BytesMarshaller struct{}

func (BytesMarshaller) Marshal(v []byte, w io.Writer) error {
	_, err := w.Write(v)
	return err
}

func (BytesMarshaller) Unmarshal(data mem.BufferSlice) ([]byte, error) {
	return data.Materialize(), nil
}

// JSONMarshaller encodes items with encoding/json.
type JSONMarshaller[T any] struct{}

func (JSONMarshaller[T]) Marshal(v T, w io.Writer) error {
	return json.NewEncoder(w).Encode(v)
}

func (JSONMarshaller[T]) Unmarshal(data mem.BufferSlice) (T, error) {
	var v T
	r := data.Reader()
	defer r.Close()
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return v, fmt.Errorf("decode json item: %w", err)
	}
	return v, nil
}

// CodecMarshaller adapts a grpc encoding.CodecV2. New returns the value
// Unmarshal decodes into, typically a pointer to a fresh message.
type CodecMarshaller[T any] struct {
	Codec grpcencoding.CodecV2
	New   func() T
}

func (m CodecMarshaller[T]) Marshal(v T, w io.Writer) error {
	data, err := m.Codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s marshal: %w", m.Codec.Name(), err)
	}
	defer data.Free()
	for _, b := range data {
		if _, err := w.Write(b.ReadOnlyData()); err != nil {
			return err
		}
	}
	return nil
}

func (m CodecMarshaller[T]) Unmarshal(data mem.BufferSlice) (T, error) {
	v := m.New()
	if err := m.Codec.Unmarshal(data, v); err != nil {
		return v, fmt.Errorf("%s unmarshal: %w", m.Codec.Name(), err)
	}
	return v, nil
}

// ProtoMarshaller returns a marshaller for protobuf messages using the
// codec registered with grpc.
func ProtoMarshaller[T proto.Message](newMessage func() T) CodecMarshaller[T] {
	return CodecMarshaller[T]{Codec: grpcencoding.GetCodecV2(grpcproto.Name), New: newMessage}
}
