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

// Package transport declares the broker's socket server abstraction (spec
// §4.7, §9): a Listener that accepts one connection per request and a
// matching Dialer the client transport uses to reach it. Two concrete
// implementations live in the unixsock and tcpsock subpackages.
package transport

import (
	"context"
	"net"
)

// ConnState mirrors the lifecycle stages logged for every accepted
// connection, generalized from a persistent multi-message session down to
// this spec's one-request-per-connection exchange.
type ConnState int

const (
	ConnStateAccepted ConnState = iota
	ConnStateHandled
	ConnStateClosed
	ConnStateError
)

func (s ConnState) String() string {
	switch s {
	case ConnStateAccepted:
		return "accepted"
	case ConnStateHandled:
		return "handled"
	case ConnStateClosed:
		return "closed"
	case ConnStateError:
		return "error"
	default:
		return "unknown"
	}
}

// HandlerFunc processes one accepted connection end to end: read request
// frame, dispatch, write response frame, then return (the caller closes the
// connection once HandlerFunc returns, matching "one envelope per
// connection, then close" in spec §3/§9).
type HandlerFunc func(ctx context.Context, conn net.Conn)

// NotifyFunc is called on every connection lifecycle transition, for
// logging and the active-connections gauge.
type NotifyFunc func(state ConnState, remote string, err error)

// Listener is the server side socket abstraction. Implementations:
// unixsock.Listener (POSIX) and tcpsock.Listener (non-POSIX, with sidecar
// discovery file).
type Listener interface {
	// Serve accepts connections until ctx is canceled or Shutdown is
	// called, invoking handler once per accepted connection in its own
	// goroutine.
	Serve(ctx context.Context, handler HandlerFunc) error

	// Shutdown stops accepting new connections and waits up to the
	// context's deadline for in-flight handlers to finish.
	Shutdown(ctx context.Context) error

	// Addr returns the address clients should dial, in a form specific to
	// the implementation (filesystem path for unixsock, host:port for
	// tcpsock).
	Addr() string

	// OpenConnections returns the number of connections currently being
	// handled.
	OpenConnections() int

	// IsRunning reports whether Serve is currently accepting.
	IsRunning() bool
}

// Dialer is the client side counterpart, implemented the same way the
// corresponding Listener frames connections.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}
