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

package httpcli

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"golang.org/x/net/http2"
)

// GetTransport builds a fresh *http.Transport with sane pooling defaults and
// the proxy taken from the environment, leaving TLS and dialer unset for the
// caller to configure.
func GetTransport(disableKeepAlive, disableCompression, http2Tr bool) *http.Transport {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DisableKeepAlives:   disableKeepAlive,
		DisableCompression:  disableCompression,
		ForceAttemptHTTP2:   http2Tr,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 5,
		MaxConnsPerHost:     25,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return tr
}

// SetTransportTLS attaches a TLS config to the transport, defaulting the
// ServerName when the caller didn't set one.
func SetTransportTLS(tr *http.Transport, cfg *tls.Config, serverName string) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" && serverName != "" {
		cfg = cfg.Clone()
		cfg.ServerName = serverName
	}
	tr.TLSClientConfig = cfg
}

// SetTransportDial pins the transport's dialer to a given local/remote
// address pair, used by OptionForceIP.
func SetTransportDial(tr *http.Transport, enable bool, network NetworkProtocol, remoteIP, localAddr string) {
	if !enable || remoteIP == "" {
		return
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 15 * time.Second,
	}

	if localAddr != "" {
		if addr, e := net.ResolveTCPAddr(network.String(), localAddr+":0"); e == nil {
			dialer.LocalAddr = addr
		}
	}

	tr.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, network.String(), remoteIP)
	}
}

// SetTransportProxy forces the transport to use a fixed proxy endpoint.
func SetTransportProxy(tr *http.Transport, proxy *url.URL) {
	if proxy == nil {
		return
	}
	tr.Proxy = http.ProxyURL(proxy)
}

// GetClient wraps a configured transport into an *http.Client, optionally
// upgrading it for HTTP/2.
func GetClient(tr *http.Transport, http2Tr bool, timeout time.Duration) (*http.Client, liberr.Error) {
	if http2Tr {
		if e := http2.ConfigureTransport(tr); e != nil {
			return nil, ErrorClientTransportHttp2.Error(e)
		}
	}

	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// GetClientTls returns a client dialing the given hostname with the given
// TLS config.
func GetClientTls(hostname string, cfg *tls.Config, http2Tr bool, timeout time.Duration) (*http.Client, liberr.Error) {
	tr := GetTransport(false, false, http2Tr)
	SetTransportTLS(tr, cfg, hostname)
	return GetClient(tr, http2Tr, timeout)
}

// GetClientTlsForceIp returns a client dialing a fixed IP while presenting
// the given hostname for TLS SNI/verification.
func GetClientTlsForceIp(network NetworkProtocol, ip, hostname string, cfg *tls.Config, http2Tr bool, timeout time.Duration) (*http.Client, liberr.Error) {
	tr := GetTransport(false, false, http2Tr)
	SetTransportTLS(tr, cfg, hostname)
	SetTransportDial(tr, true, network, ip, "")
	return GetClient(tr, http2Tr, timeout)
}

// GetClientTimeout returns a plain client with only a timeout and, optionally,
// HTTP/2 configured.
func GetClientTimeout(hostname string, http2Tr bool, timeout time.Duration) (*http.Client, liberr.Error) {
	tr := GetTransport(false, false, http2Tr)
	return GetClient(tr, http2Tr, timeout)
}
