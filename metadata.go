// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grpclite

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata is an ordered list of header entries. Unlike metadata.MD it keeps
// insertion order and duplicate keys, and tells binary values from text.
type Metadata []MetadataEntry

// MetadataEntry is one header. Binary is non-nil for binary values.
type MetadataEntry struct {
	Key    string
	Text   string
	Binary []byte
}

// IsBinary reports whether the entry carries a binary value.
func (e MetadataEntry) IsBinary() bool { return e.Binary != nil }

// Add appends a text header.
func (m *Metadata) Add(key, value string) {
	*m = append(*m, MetadataEntry{Key: key, Text: value})
}

// AddBinary appends a binary header. A nil value is stored as empty.
func (m *Metadata) AddBinary(key string, value []byte) {
	if value == nil {
		value = []byte{}
	}
	*m = append(*m, MetadataEntry{Key: key, Binary: value})
}

// Get returns the first text value for key.
func (m Metadata) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key && !e.IsBinary() {
			return e.Text, true
		}
	}
	return "", false
}

// GetBinary returns the first binary value for key.
func (m Metadata) GetBinary(key string) ([]byte, bool) {
	for _, e := range m {
		if e.Key == key && e.IsBinary() {
			return e.Binary, true
		}
	}
	return nil, false
}

// MD converts m into grpc metadata; binary keys get the "-bin" suffix.
func (m Metadata) MD() metadata.MD {
	md := make(metadata.MD, len(m))
	for _, e := range m {
		if e.IsBinary() {
			key := e.Key
			if !strings.HasSuffix(key, "-bin") {
				key += "-bin"
			}
			md.Append(key, string(e.Binary))
			continue
		}
		md.Append(e.Key, e.Text)
	}
	return md
}

// MetadataFromMD converts grpc metadata. Keys with the "-bin" suffix become
// binary entries. Map iteration order is not preserved.
func MetadataFromMD(md metadata.MD) Metadata {
	var m Metadata
	for key, values := range md {
		for _, v := range values {
			if strings.HasSuffix(key, "-bin") {
				m.AddBinary(key, []byte(v))
			} else {
				m.Add(key, v)
			}
		}
	}
	return m
}

type fieldID uint8

const (
	fieldRoute fieldID = iota + 1
	fieldHost
	fieldStatusCode
	fieldStatusDetail
	fieldHeaderName
	fieldHeaderText
	fieldHeaderBinary
	fieldTimeout
)

type encoding uint8

const (
	encEmpty encoding = iota
	encFixed1
	encFixed2
	encFixed4
	encFixed8
	encLen8
	encLen16
	encLen32
)

func control(f fieldID, e encoding) byte { return byte(f)<<3 | byte(e) }

// fixedWidth maps the implicit widths to byte counts.
var fixedWidth = [...]int{encFixed1: 1, encFixed2: 2, encFixed4: 4, encFixed8: 8}

func intEncoding(v int64) encoding {
	switch {
	case v == 0:
		return encEmpty
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return encFixed1
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return encFixed2
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return encFixed4
	default:
		return encFixed8
	}
}

func blobEncoding(n int) encoding {
	switch {
	case n == 0:
		return encEmpty
	case n == 1:
		return encFixed1
	case n == 2:
		return encFixed2
	case n == 4:
		return encFixed4
	case n == 8:
		return encFixed8
	case n <= math.MaxUint8:
		return encLen8
	case n <= math.MaxUint16:
		return encLen16
	default:
		return encLen32
	}
}

func intSize(v int64) int {
	e := intEncoding(v)
	if e == encEmpty {
		return 1
	}
	return 1 + fixedWidth[e]
}

func blobSize(n int) int {
	switch e := blobEncoding(n); e {
	case encEmpty:
		return 1
	case encLen8:
		return 2 + n
	case encLen16:
		return 3 + n
	case encLen32:
		return 5 + n
	default:
		return 1 + n
	}
}

// metaWriter writes fields into a caller provided buffer sized with the
// matching size functions.
type metaWriter struct {
	buf []byte
	off int
}

func (w *metaWriter) putInt(f fieldID, v int64) {
	e := intEncoding(v)
	w.buf[w.off] = control(f, e)
	w.off++
	switch e {
	case encFixed1:
		w.buf[w.off] = byte(int8(v))
	case encFixed2:
		binary.LittleEndian.PutUint16(w.buf[w.off:], uint16(int16(v)))
	case encFixed4:
		binary.LittleEndian.PutUint32(w.buf[w.off:], uint32(int32(v)))
	case encFixed8:
		binary.LittleEndian.PutUint64(w.buf[w.off:], uint64(v))
	}
	if e != encEmpty {
		w.off += fixedWidth[e]
	}
}

func (w *metaWriter) putBlob(f fieldID, s string) {
	n := len(s)
	e := blobEncoding(n)
	w.buf[w.off] = control(f, e)
	w.off++
	switch e {
	case encLen8:
		w.buf[w.off] = byte(n)
		w.off++
	case encLen16:
		binary.LittleEndian.PutUint16(w.buf[w.off:], uint16(n))
		w.off += 2
	case encLen32:
		binary.LittleEndian.PutUint32(w.buf[w.off:], uint32(n))
		w.off += 4
	}
	w.off += copy(w.buf[w.off:], s)
}

// RequestHead is the block carried by a NewStream frame.
type RequestHead struct {
	Route   string
	Host    string
	Timeout time.Duration
	Headers Metadata
}

func headersSize(m Metadata) int {
	n := 0
	for _, e := range m {
		n += blobSize(len(e.Key))
		switch {
		case e.IsBinary():
			n += blobSize(len(e.Binary))
		case e.Text != "":
			n += blobSize(len(e.Text))
		}
	}
	return n
}

func putHeaders(w *metaWriter, m Metadata) {
	for _, e := range m {
		w.putBlob(fieldHeaderName, e.Key)
		switch {
		case e.IsBinary():
			w.putBlob(fieldHeaderBinary, string(e.Binary))
		case e.Text != "":
			// An empty text value is implied by the next name.
			w.putBlob(fieldHeaderText, e.Text)
		}
	}
}

func timeoutMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return ms
}

// EncodedSize returns the number of bytes Encode writes.
func (h *RequestHead) EncodedSize() int {
	n := blobSize(len(h.Route))
	if h.Host != "" {
		n += blobSize(len(h.Host))
	}
	if ms := timeoutMillis(h.Timeout); ms > 0 {
		n += intSize(ms)
	}
	return n + headersSize(h.Headers)
}

// Encode writes h into dst, which must hold EncodedSize bytes.
func (h *RequestHead) Encode(dst []byte) {
	w := metaWriter{buf: dst}
	w.putBlob(fieldRoute, h.Route)
	if h.Host != "" {
		w.putBlob(fieldHost, h.Host)
	}
	if ms := timeoutMillis(h.Timeout); ms > 0 {
		w.putInt(fieldTimeout, ms)
	}
	putHeaders(&w, h.Headers)
}

// EncodedMetadataSize returns the number of bytes EncodeMetadata writes.
func EncodedMetadataSize(m Metadata) int { return headersSize(m) }

// EncodeMetadata writes m into dst, which must hold EncodedMetadataSize bytes.
func EncodeMetadata(dst []byte, m Metadata) {
	w := metaWriter{buf: dst}
	putHeaders(&w, m)
}

// EncodedStatusSize returns the number of bytes EncodeStatus writes.
func EncodedStatusSize(st *status.Status) int {
	n := intSize(int64(st.Code()))
	if msg := st.Message(); msg != "" {
		n += blobSize(len(msg))
	}
	return n
}

// EncodeStatus writes st into dst, which must hold EncodedStatusSize bytes.
func EncodeStatus(dst []byte, st *status.Status) {
	w := metaWriter{buf: dst}
	w.putInt(fieldStatusCode, int64(st.Code()))
	if msg := st.Message(); msg != "" {
		w.putBlob(fieldStatusDetail, msg)
	}
}

const userAgentKey = "user-agent"

// MetadataDecoder decodes metadata blocks. A decoder belongs to one
// connection and remembers the last user-agent it saw, so an unchanged
// user-agent does not allocate a new string per call.
type MetadataDecoder struct {
	lastUserAgent string
}

type metaField struct {
	id   fieldID
	enc  encoding
	data []byte
}

func (f metaField) int() int64 {
	switch f.enc {
	case encEmpty:
		return 0
	case encFixed1:
		return int64(int8(f.data[0]))
	case encFixed2:
		return int64(int16(binary.LittleEndian.Uint16(f.data)))
	case encFixed4:
		return int64(int32(binary.LittleEndian.Uint32(f.data)))
	default:
		return int64(binary.LittleEndian.Uint64(f.data))
	}
}

// scan calls fn for every field in src, in order.
func scanFields(src []byte, fn func(metaField) error) error {
	for off := 0; off < len(src); {
		c := src[off]
		off++
		f := metaField{id: fieldID(c >> 3), enc: encoding(c & 7)}
		if f.id < fieldRoute || f.id > fieldTimeout {
			return fmt.Errorf("%w: unknown field %d at offset %d", ErrMalformedMetadata, f.id, off-1)
		}
		var n int
		switch f.enc {
		case encEmpty:
		case encFixed1, encFixed2, encFixed4, encFixed8:
			n = fixedWidth[f.enc]
		case encLen8:
			if off+1 > len(src) {
				return fmt.Errorf("%w: truncated length", ErrMalformedMetadata)
			}
			n = int(src[off])
			off++
		case encLen16:
			if off+2 > len(src) {
				return fmt.Errorf("%w: truncated length", ErrMalformedMetadata)
			}
			n = int(binary.LittleEndian.Uint16(src[off:]))
			off += 2
		case encLen32:
			if off+4 > len(src) {
				return fmt.Errorf("%w: truncated length", ErrMalformedMetadata)
			}
			n = int(binary.LittleEndian.Uint32(src[off:]))
			off += 4
		}
		if n < 0 || off+n > len(src) {
			return fmt.Errorf("%w: field %d overruns block", ErrMalformedMetadata, f.id)
		}
		f.data = src[off : off+n]
		off += n
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (d *MetadataDecoder) text(key string, b []byte) string {
	if key != userAgentKey {
		return string(b)
	}
	if d.lastUserAgent != string(b) {
		d.lastUserAgent = string(b)
	}
	return d.lastUserAgent
}

func (d *MetadataDecoder) key(b []byte) string {
	if bytes.Equal(b, []byte(userAgentKey)) {
		return userAgentKey
	}
	return string(b)
}

// headerCollector turns the name/value field pairs into entries. A name with
// no value before the next name (or the end) is an empty text header.
type headerCollector struct {
	d       *MetadataDecoder
	out     Metadata
	pending bool
}

func (c *headerCollector) add(f metaField) (bool, error) {
	switch f.id {
	case fieldHeaderName:
		c.out = append(c.out, MetadataEntry{Key: c.d.key(f.data)})
		c.pending = true
	case fieldHeaderText, fieldHeaderBinary:
		if !c.pending {
			return true, fmt.Errorf("%w: header value without name", ErrMalformedMetadata)
		}
		last := &c.out[len(c.out)-1]
		if f.id == fieldHeaderText {
			last.Text = c.d.text(last.Key, f.data)
		} else {
			last.Binary = append([]byte{}, f.data...)
		}
		c.pending = false
	default:
		return false, nil
	}
	return true, nil
}

// DecodeRequestHead decodes the payload of a NewStream frame.
func (d *MetadataDecoder) DecodeRequestHead(src []byte) (RequestHead, error) {
	var h RequestHead
	c := headerCollector{d: d}
	err := scanFields(src, func(f metaField) error {
		if ok, err := c.add(f); ok || err != nil {
			return err
		}
		c.pending = false
		switch f.id {
		case fieldRoute:
			h.Route = string(f.data)
		case fieldHost:
			h.Host = string(f.data)
		case fieldTimeout:
			h.Timeout = time.Duration(f.int()) * time.Millisecond
		default:
			return fmt.Errorf("%w: field %d not valid in request head", ErrMalformedMetadata, f.id)
		}
		return nil
	})
	h.Headers = c.out
	return h, err
}

// DecodeMetadata decodes a header or trailer block.
func (d *MetadataDecoder) DecodeMetadata(src []byte) (Metadata, error) {
	c := headerCollector{d: d}
	err := scanFields(src, func(f metaField) error {
		ok, err := c.add(f)
		if !ok && err == nil {
			return fmt.Errorf("%w: field %d not valid in header block", ErrMalformedMetadata, f.id)
		}
		return err
	})
	return c.out, err
}

// DecodeStatus decodes a status block.
func (d *MetadataDecoder) DecodeStatus(src []byte) (*status.Status, error) {
	code := codes.Unknown
	var msg string
	err := scanFields(src, func(f metaField) error {
		switch f.id {
		case fieldStatusCode:
			code = codes.Code(f.int())
		case fieldStatusDetail:
			msg = string(f.data)
		default:
			return fmt.Errorf("%w: field %d not valid in status block", ErrMalformedMetadata, f.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status.New(code, msg), nil
}
