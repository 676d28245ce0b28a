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

// Package http implements the http.* module (SPEC_FULL.md §4.11): outbound
// HTTP sessions backed by hashicorp/go-retryablehttp, grounded on the
// teacher's httpcli transport idiom (net/http + golang.org/x/net/http2).
package http

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
	libhttpcli "github.com/nabbar/cpan-bridge/httpcli"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

type openParams struct {
	BaseURL        string `json:"base_url" validate:"required,url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
	InsecureTLS    bool   `json:"insecure_tls"`
}

type requestParams struct {
	Handle  string            `json:"handle" validate:"required"`
	Method  string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type handleParams struct {
	Handle string `json:"handle" validate:"required"`
}

// session bundles a retryablehttp.Client with the base URL it was opened
// against; http.request resolves relative paths against it.
type session struct {
	client  *retryablehttp.Client
	baseURL string
}

// Register wires http.session_open/request/session_close into disp.
func Register(disp *dispatch.Registry, reg *registry.Registry) {
	disp.Register("http", "session_open", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		baseURL, _ := params["base_url"].(string)
		timeout := 30 * time.Second
		if v, ok := params["timeout_seconds"].(float64); ok && v > 0 {
			timeout = time.Duration(v) * time.Second
		}
		retries := 3
		if v, ok := params["max_retries"].(float64); ok && v >= 0 {
			retries = int(v)
		}
		insecure, _ := params["insecure_tls"].(bool)

		cli := retryablehttp.NewClient()
		cli.RetryMax = retries
		cli.Logger = nil
		cli.HTTPClient.Timeout = timeout

		tr := libhttpcli.GetTransport(false, false, false)
		libhttpcli.SetTransportTLS(tr, nil, "")
		if insecure {
			tr.TLSClientConfig.InsecureSkipVerify = true
		}
		cli.HTTPClient.Transport = tr

		sess := &session{client: cli, baseURL: strings.TrimRight(baseURL, "/")}

		handle, perr := reg.Put(registry.KindHTTPSession, sess, nil, ctx.RequestID)
		if perr != nil {
			return nil, perr
		}
		return map[string]interface{}{"handle": handle}, nil
	}, &validate.Schema{Target: &openParams{}})

	disp.Register("http", "request", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		sess, e := lookupSession(reg, params)
		if e != nil {
			return nil, e
		}

		method, _ := params["method"].(string)
		path, _ := params["path"].(string)
		body, _ := params["body"].(string)
		headers, _ := params["headers"].(map[string]interface{})

		url := sess.baseURL + path

		var reader io.Reader
		if body != "" {
			reader = bytes.NewBufferString(body)
		}

		req, err := retryablehttp.NewRequest(method, url, reader)
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}

		req = req.WithContext(ctx.Context)
		resp, err := sess.client.Do(req)
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}

		respHeaders := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			respHeaders[k] = resp.Header.Get(k)
		}

		return map[string]interface{}{
			"status_code": resp.StatusCode,
			"headers":     respHeaders,
			"body":        string(raw),
		}, nil
	}, &validate.Schema{Target: &requestParams{}})

	disp.Register("http", "session_close", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		handle, _ := params["handle"].(string)
		if !reg.Delete(registry.KindHTTPSession, handle) {
			return nil, liberr.InvalidHandle.Errorf()
		}
		return map[string]interface{}{"closed": true}, nil
	}, &validate.Schema{Target: &handleParams{}})
}

func lookupSession(reg *registry.Registry, params map[string]interface{}) (*session, liberr.Error) {
	handle, _ := params["handle"].(string)
	v, e := reg.Get(registry.KindHTTPSession, handle)
	if e != nil {
		return nil, e
	}
	sess, ok := v.(*session)
	if !ok {
		return nil, liberr.InvalidHandle.Errorf()
	}
	return sess, nil
}

var _ = http.MethodGet
