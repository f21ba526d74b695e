// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	rpc "github.com/gorilla/rpc/v2/json2"
)

const (
	defaultRetries = 3
	retryBaseWait  = 100 * time.Millisecond
)

// Option configures Call.
type Option func(*options)

type options struct {
	headers     http.Header
	queryParams url.Values
	retries     int
	client      *http.Client
	log         logr.Logger
}

func newOptions(opts []Option) *options {
	o := &options{
		headers:     http.Header{},
		queryParams: url.Values{},
		retries:     defaultRetries,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(o *options) { o.headers.Add(key, value) }
}

// WithQueryParam adds a query parameter to the endpoint URL.
func WithQueryParam(key, value string) Option {
	return func(o *options) { o.queryParams.Add(key, value) }
}

// WithRetries sets how many attempts are made on transient errors.
func WithRetries(n int) Option {
	return func(o *options) { o.retries = max(n, 1) }
}

// WithHTTPClient replaces the per-attempt client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger logs retries.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.log = l }
}

// newHTTPClient creates a client with connection reuse disabled, so a
// retry never lands on a half-closed pooled connection.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError reports transient connection failures.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}

// Call sends a JSON-RPC 2.0 request to endpoint and decodes the result
// into reply, retrying transient transport errors with exponential backoff.
func Call(ctx context.Context, endpoint string, method string, params, reply any, opts ...Option) error {
	uri, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	body, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	o := newOptions(opts)
	if len(o.queryParams) > 0 {
		uri.RawQuery = o.queryParams.Encode()
	}

	var lastErr error
	for attempt := range o.retries {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header = o.headers.Clone()
		req.Header.Set("Content-Type", "application/json")

		client := o.client
		if client == nil {
			client = newHTTPClient()
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			retryable := isRetryableError(err)
			o.log.V(1).Info("request attempt failed", "attempt", attempt+1, "method", method, "retryable", retryable, "err", err)
			if retryable {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}
		err = rpc.DecodeClientResponse(resp.Body, reply)
		_ = CleanlyCloseBody(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to issue request after %d attempts: %w", o.retries, lastErr)
}
