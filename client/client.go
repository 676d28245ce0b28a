/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package client is the importable counterpart to cmd/bridged: it resolves
// the daemon's endpoint, calls it with retry and backoff, and falls back to
// a one-shot subprocess when the daemon is unreachable (spec §4.9).
package client

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/nabbar/cpan-bridge/broker/envelope"
	"github.com/nabbar/cpan-bridge/broker/transport"
)

// retryableCodes mirrors spec §4.9's small retryable error-code set.
var retryableCodes = map[string]bool{
	"timeout":   true,
	"overloaded": true,
	"transient": true,
}

// Options configures a Client. FallbackBinary empty disables subprocess
// fallback entirely.
type Options struct {
	Dialer         transport.Dialer
	FallbackBinary string
	MaxAttempts    int
	BaseBackoff    time.Duration
	ClientVersion  string
}

// Client is the broker's client-side transport.
type Client struct {
	opts Options
}

func New(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	return &Client{opts: opts}
}

// Call implements the resolve/attempt/fallback algorithm of spec §4.9
// verbatim: up to MaxAttempts daemon connection attempts with exponential
// backoff, then (if enabled) a one-shot subprocess fallback, then a
// synthetic daemon_unreachable failure.
func (c *Client) Call(ctx context.Context, module, function string, params map[string]interface{}) *envelope.Response {
	req := &envelope.Request{
		Module:    module,
		Function:  function,
		Params:    params,
		RequestID: uuid.NewString(),
		ClientVer: c.opts.ClientVersion,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}

	backoff := c.opts.BaseBackoff
	var lastErr error

	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return c.timeoutResponse(req.RequestID)
			}
			backoff *= 2
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			if !resp.Success && retryableCodes[resp.ErrorCode] && attempt < c.opts.MaxAttempts-1 {
				lastErr = fmt.Errorf("retryable handler error %s", resp.ErrorCode)
				continue
			}
			return resp
		}
		lastErr = err

		if ctx.Err() != nil {
			return c.timeoutResponse(req.RequestID)
		}
	}

	if c.opts.FallbackBinary != "" {
		if resp, err := c.fallback(ctx, req); err == nil {
			return resp
		}
	}

	return &envelope.Response{
		Success:     false,
		Error:       fmt.Sprintf("daemon unreachable: %v", lastErr),
		ErrorCode:   "daemon_unreachable",
		RequestID:   req.RequestID,
		DaemonError: true,
	}
}

func (c *Client) timeoutResponse(requestID string) *envelope.Response {
	return &envelope.Response{
		Success:     false,
		Error:       "client deadline exceeded",
		ErrorCode:   "timeout",
		RequestID:   requestID,
		DaemonError: true,
	}
}

// attempt performs one connect/write/read/decode cycle against the daemon.
func (c *Client) attempt(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	conn, err := c.opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	defer conn.Close()

	if e := envelope.WriteEnvelope(conn, req); e != nil {
		return nil, fmt.Errorf("write request: %w", e)
	}
	if closer, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	}

	resp, e := envelope.ReadResponse(conn, 0)
	if e != nil {
		return nil, fmt.Errorf("read response: %w", e)
	}
	return resp, nil
}

// fallback spawns the helper binary in one-shot mode, piping the same
// envelope to its stdin and decoding its stdout as the response. It never
// attempts daemon use itself, matching spec §4.9 step 4.
func (c *Client) fallback(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	b, e := envelope.Encode(req)
	if e != nil {
		return nil, e
	}

	cmd := exec.CommandContext(ctx, c.opts.FallbackBinary, "--one-shot")
	cmd.Stdin = bytes.NewReader(b)

	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("subprocess fallback: %w", err)
	}

	resp := &envelope.Response{}
	if e := envelope.Decode(out.Bytes(), resp); e != nil {
		return nil, e
	}
	return resp, nil
}
