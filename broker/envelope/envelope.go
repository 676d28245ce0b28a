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

// Package envelope frames, encodes and decodes the broker's request/response
// JSON envelope (spec §3, §4.1). Framing is a 4-byte big-endian length prefix
// followed by the UTF-8 JSON payload, applied identically to both halves of
// the connection (the deployment-time choice called out as an open question
// in spec §8).
package envelope

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
)

// MaxFrameBytes is an absolute upper bound on a single frame, independent of
// the validator's configurable max_request_bytes: it exists purely to stop
// a corrupt length prefix from making the codec allocate unbounded memory.
const MaxFrameBytes = 256 * 1024 * 1024

// Request mirrors spec §3's request envelope.
type Request struct {
	Module       string                 `json:"module"`
	Function     string                 `json:"function"`
	Params       map[string]interface{} `json:"params"`
	RequestID    string                 `json:"request_id,omitempty"`
	ClientVer    string                 `json:"client_version,omitempty"`
	Timestamp    float64                `json:"timestamp,omitempty"`
	PerlCaller   string                 `json:"perl_caller,omitempty"`
}

// Response mirrors spec §3's response envelope.
type Response struct {
	Success     bool        `json:"success"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	Details     interface{} `json:"details,omitempty"`
	RequestID   string      `json:"request_id,omitempty"`
	DurationMs  int64       `json:"duration_ms,omitempty"`
	DaemonError bool        `json:"daemon_error,omitempty"`
}

// Encode serializes v (a *Request or *Response) to JSON and returns it
// ready for WriteFrame. It fails with EncodingError on non-serializable
// values such as NaN floats or function/channel fields.
func Encode(v interface{}) ([]byte, liberr.Error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, liberr.EncodingError.Error(err)
	}
	return b, nil
}

// Decode parses b as JSON into v (a *Request or *Response). It fails with
// DecodingError on malformed JSON or a non-object root.
func Decode(b []byte, v interface{}) liberr.Error {
	if err := json.Unmarshal(b, v); err != nil {
		return liberr.DecodingError.Error(err)
	}
	return nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) liberr.Error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return liberr.EncodingError.Error(err)
	}
	if _, err := w.Write(payload); err != nil {
		return liberr.EncodingError.Error(err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r, rejecting frames larger
// than maxBytes with PayloadTooLarge and anything above MaxFrameBytes
// outright regardless of the caller's limit.
func ReadFrame(r io.Reader, maxBytes int64) ([]byte, liberr.Error) {
	br := bufio.NewReader(r)

	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, liberr.DecodingError.Error(err)
	}

	n := int64(binary.BigEndian.Uint32(hdr[:]))
	if n > MaxFrameBytes || (maxBytes > 0 && n > maxBytes) {
		return nil, liberr.PayloadTooLarge.Error(fmt.Errorf("frame of %d bytes exceeds limit", n))
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, liberr.DecodingError.Error(err)
	}
	return buf, nil
}

// WriteEnvelope is the Encode+WriteFrame convenience used by both the server
// and the client.
func WriteEnvelope(w io.Writer, v interface{}) liberr.Error {
	b, e := Encode(v)
	if e != nil {
		return e
	}
	return WriteFrame(w, b)
}

// ReadRequest reads and decodes one Request frame.
func ReadRequest(r io.Reader, maxBytes int64) (*Request, liberr.Error) {
	b, e := ReadFrame(r, maxBytes)
	if e != nil {
		return nil, e
	}
	req := &Request{}
	if e = Decode(b, req); e != nil {
		return nil, e
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}
	return req, nil
}

// ReadResponse reads and decodes one Response frame.
func ReadResponse(r io.Reader, maxBytes int64) (*Response, liberr.Error) {
	b, e := ReadFrame(r, maxBytes)
	if e != nil {
		return nil, e
	}
	resp := &Response{}
	if e = Decode(b, resp); e != nil {
		return nil, e
	}
	return resp, nil
}

// Fail builds a failure Response from a broker error code, preserving the
// request_id echo required by spec §3.
func Fail(requestID string, code liberr.CodeError, msg string, details interface{}, daemonError bool) *Response {
	return &Response{
		Success:     false,
		Error:       msg,
		ErrorCode:   liberr.Tag(code),
		Details:     details,
		RequestID:   requestID,
		DaemonError: daemonError,
	}
}

// Ok builds a success Response.
func Ok(requestID string, result interface{}, durationMs int64) *Response {
	return &Response{
		Success:    true,
		Result:     result,
		RequestID:  requestID,
		DurationMs: durationMs,
	}
}
