// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AleutianAI/arbor/services/arbor/clock"
	"github.com/AleutianAI/arbor/services/arbor/exchange"
	"github.com/AleutianAI/arbor/services/arbor/op"
	"github.com/AleutianAI/arbor/services/arbor/oplog"
	"github.com/AleutianAI/arbor/services/arbor/telemetry"
	"github.com/AleutianAI/arbor/services/arbor/tree"
)

// ErrRemote is wrapped by every error the peer reported.
var ErrRemote = errors.New("remote replica error")

// codeErrors maps error codes back to the sentinels the peer matched, so
// errors.Is works across the wire.
var codeErrors = map[string]error{
	CodeSignatureInvalid:  oplog.ErrSignatureInvalid,
	CodeMalformed:         oplog.ErrMalformedOperation,
	CodePendingFull:       oplog.ErrPendingFull,
	CodeClosed:            oplog.ErrClosed,
	CodeInvalidRange:      exchange.ErrInvalidRange,
	CodeRangeUnavailable:  exchange.ErrRangeUnavailable,
	CodeFutureVersion:     tree.ErrFutureVersion,
	CodeIncompleteHistory: tree.ErrIncompleteHistory,
	CodeStorage:           oplog.ErrStorageIO,
}

// Client talks to a remote replica's server. It implements exchange.Peer.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
}

var _ exchange.Peer = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client. Its transport is used
// as is, without trace propagation.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse peer url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("peer url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the peer's base URL.
func (c *Client) URL() string {
	return c.base.String()
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// do sends body (if non-nil) as JSON and decodes the response into out.
// Non-2xx responses are decoded into out on a best-effort basis and
// returned as an error wrapping ErrRemote.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		// Import failures carry the partial report alongside the error.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return remoteError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func remoteError(status int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return fmt.Errorf("%w: HTTP %d", ErrRemote, status)
	}
	if sentinel, ok := codeErrors[er.Code]; ok {
		return fmt.Errorf("%w: %w: %s", ErrRemote, sentinel, er.Error)
	}
	return fmt.Errorf("%w: HTTP %d %s: %s", ErrRemote, status, er.Code, er.Error)
}

// Health returns the peer's health summary.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, &resp)
	return resp, err
}

// VersionVector implements exchange.Peer.
func (c *Client) VersionVector(ctx context.Context) (clock.VersionVector, error) {
	var resp VersionVectorResponse
	if err := c.do(ctx, http.MethodGet, "/v1/vv", nil, &resp); err != nil {
		return nil, err
	}
	if resp.VersionVector == nil {
		resp.VersionVector = clock.New()
	}
	return resp.VersionVector, nil
}

// Export implements exchange.Peer.
func (c *Client) Export(ctx context.Context, ranges []clock.Range) ([]exchange.Batch, error) {
	var resp ExportResponse
	if err := c.do(ctx, http.MethodPost, "/v1/export", ExportRequest{Ranges: ranges}, &resp); err != nil {
		return nil, err
	}
	return resp.Batches, nil
}

// Import implements exchange.Peer.
func (c *Client) Import(ctx context.Context, b exchange.Batch) (exchange.Report, error) {
	var resp ImportResponse
	err := c.do(ctx, http.MethodPost, "/v1/import", b, &resp)
	return resp.Report, err
}

// Append sends one signed operation.
func (c *Client) Append(ctx context.Context, o *op.Operation) (AppendResponse, error) {
	var resp AppendResponse
	err := c.do(ctx, http.MethodPost, "/v1/ops", o, &resp)
	return resp, err
}

// Status returns the admission status of ref on the peer.
func (c *Client) Status(ctx context.Context, ref op.Ref) (StatusResponse, error) {
	var resp StatusResponse
	path := fmt.Sprintf("/v1/ops/%s/%d", url.PathEscape(ref.Author), ref.Seq)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Tree returns the peer's materialized tree as raw JSON, optionally at vv.
func (c *Client) Tree(ctx context.Context, at clock.VersionVector) (json.RawMessage, error) {
	path := "/v1/tree"
	if len(at) > 0 {
		path += "?at=" + url.QueryEscape(at.String())
	}
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, path, nil, &raw)
	return raw, err
}

// Events opens the peer's event stream. Messages arrive on the returned
// channel until ctx ends or the stream closes; the channel is then closed.
func (c *Client) Events(ctx context.Context) (<-chan EventMessage, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/events"

	header := http.Header{}
	telemetry.InjectContext(ctx, header)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	out := make(chan EventMessage)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer ws.Close()
		for {
			var msg EventMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
