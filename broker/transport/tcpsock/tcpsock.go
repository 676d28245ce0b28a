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

// Package tcpsock is the non-POSIX Listener/Dialer: an ephemeral loopback
// TCP port discovered through a sidecar file, written atomically under a
// gofrs/flock guard so a racing reader never observes a half-written
// address (spec §9).
package tcpsock

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/nabbar/cpan-bridge/broker/transport"
)

type Listener struct {
	sidecarPath string
	ln          net.Listener

	notify transport.NotifyFunc

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	open    int64
}

// New builds a Listener that binds an ephemeral loopback port and publishes
// it at sidecarPath once bound.
func New(sidecarPath string) *Listener {
	return &Listener{sidecarPath: sidecarPath}
}

func (l *Listener) SetNotify(fn transport.NotifyFunc) {
	l.notify = fn
}

func (l *Listener) emit(state transport.ConnState, remote string, err error) {
	if l.notify != nil {
		l.notify(state, remote, err)
	}
}

func (l *Listener) Serve(ctx context.Context, handler transport.HandlerFunc) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen tcp loopback: %w", err)
	}

	if err := l.publishSidecar(ln.Addr().String()); err != nil {
		_ = ln.Close()
		return err
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

// publishSidecar writes addr to a temp file under an flock-held lock on
// sidecarPath+".lock", then renames it into place, so a concurrently
// starting reader either sees no file or a complete one, never a partial
// write.
func (l *Listener) publishSidecar(addr string) error {
	fl := flock.New(l.sidecarPath + ".lock")
	locked, err := fl.TryLockContext(contextWithTimeout(), 50*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("lock sidecar file %s: %w", l.sidecarPath, err)
	}
	defer fl.Unlock()

	tmp := l.sidecarPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(addr), 0600); err != nil {
		return fmt.Errorf("write sidecar temp file: %w", err)
	}
	if err := os.Rename(tmp, l.sidecarPath); err != nil {
		return fmt.Errorf("publish sidecar file: %w", err)
	}
	return nil
}

func contextWithTimeout() context.Context {
	ctx, _ := context.WithTimeout(context.Background(), time.Second) //nolint:lostcancel
	return ctx
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
		_ = os.Remove(l.sidecarPath)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

func (l *Listener) OpenConnections() int { return int(atomic.LoadInt64(&l.open)) }

func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Dialer reads the sidecar file written by a Listener and dials the
// address it names.
type Dialer struct {
	SidecarPath string
}

func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	b, err := os.ReadFile(d.SidecarPath)
	if err != nil {
		return nil, fmt.Errorf("read sidecar file %s: %w", d.SidecarPath, err)
	}

	addr := strings.TrimSpace(string(b))
	var dl net.Dialer
	return dl.DialContext(ctx, "tcp", addr)
}
