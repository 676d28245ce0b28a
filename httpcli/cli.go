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

// Package httpcli provides a small fluent HTTP client builder used by the
// outbound-request handlers: default client construction, TLS/proxy/force-IP
// transport options and a request builder with JSON helpers.
package httpcli

import (
	"net/http"
	"time"
)

const (
	// ClientTimeout5Sec is a default timeout constant of 5 seconds for HTTP client operations.
	ClientTimeout5Sec = 5 * time.Second // nolint
)

var defaultClient *http.Client

// DefaultClient returns the package's default HTTP client, built once with
// pooling defaults and reused across calls.
func DefaultClient() *http.Client {
	if defaultClient == nil {
		tr := GetTransport(false, false, true)
		defaultClient = &http.Client{
			Transport: tr,
			Timeout:   30 * time.Second,
		}
	}

	return defaultClient
}

// HttpClient defines the minimal interface for HTTP operations.
// This interface is compatible with *http.Client and can be used for testing with mock clients.
type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}
