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

// Package unixsock is the POSIX Listener/Dialer: a Unix domain socket at a
// fixed filesystem path, permissioned 0600 so only the owning user can
// connect (spec §9).
package unixsock

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nabbar/cpan-bridge/broker/transport"
)

type Listener struct {
	path string
	ln   net.Listener

	notify transport.NotifyFunc

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	open    int64
}

// New builds a Listener for path; nothing is bound until Serve. Serve removes
// the socket file first if present (a stale file from an unclean shutdown),
// then creates it with 0600.
func New(path string) *Listener {
	return &Listener{path: path}
}

// SetNotify registers a lifecycle callback.
func (l *Listener) SetNotify(fn transport.NotifyFunc) {
	l.notify = fn
}

func (l *Listener) emit(state transport.ConnState, remote string, err error) {
	if l.notify != nil {
		l.notify(state, remote, err)
	}
}

func (l *Listener) Serve(ctx context.Context, handler transport.HandlerFunc) error {
	_ = os.Remove(l.path)

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", l.path, err)
	}
	if err := os.Chmod(l.path, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod unix socket %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.ln = ln
	l.running = true
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			if ctx.Err() != nil {
				return nil
			}
			return aerr
		}

		atomic.AddInt64(&l.open, 1)
		l.emit(transport.ConnStateAccepted, conn.RemoteAddr().String(), nil)

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer atomic.AddInt64(&l.open, -1)
			defer conn.Close()
			handler(ctx, conn)
			l.emit(transport.ConnStateClosed, "", nil)
		}()
	}
}

func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		_ = os.Remove(l.path)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) Addr() string { return l.path }

func (l *Listener) OpenConnections() int { return int(atomic.LoadInt64(&l.open)) }

func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Dialer connects to a unixsock.Listener's path.
type Dialer struct {
	Path string
}

func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	var dl net.Dialer
	return dl.DialContext(ctx, "unix", d.Path)
}
