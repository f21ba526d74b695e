// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import "errors"

var (
	// Framing errors. These are fatal to the connection.
	ErrUnexpectedEndOfStream = errors.New("grpclite: unexpected end of stream")
	ErrPayloadTooLarge       = errors.New("grpclite: payload too large")

	// Metadata errors.
	ErrHeaderTooLarge    = errors.New("grpclite: header block does not fit in one frame")
	ErrMalformedMetadata = errors.New("grpclite: malformed metadata")

	// Lifecycle errors.
	ErrConnClosed        = errors.New("grpclite: connection closed")
	ErrGateCompleted     = errors.New("grpclite: write gate completed")
	ErrSendClosed        = errors.New("grpclite: send side already closed")
	ErrTransportConsumed = errors.New("grpclite: frame sequence already enumerated")
	ErrStreamIDExhausted = errors.New("grpclite: no free stream id")
	ErrUnknownTransport  = errors.New("grpclite: unknown transport")
)
