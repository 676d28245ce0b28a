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

// Package daemon wires the broker's startup order, steady-state tickers and
// graceful shutdown (spec §4.8), grounded on the teacher's config package's
// Start/Stop/Shutdown/signal-registration idiom.
package daemon

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/config"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/envelope"
	"github.com/nabbar/cpan-bridge/broker/metrics"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/throttle"
	"github.com/nabbar/cpan-bridge/broker/transport"
	"github.com/nabbar/cpan-bridge/broker/validate"
	"github.com/sirupsen/logrus"
)

// Version is the daemon's reported build version, set by the linker via
// -ldflags or left at "dev" for local builds.
var Version = "dev"

// Daemon owns the whole process: config, registry, dispatcher, throttle,
// metrics, and the transport listener, and runs their startup order and
// signal-driven shutdown.
type Daemon struct {
	Config   *config.Config
	Registry *registry.Registry
	Dispatch *dispatch.Registry
	Throttle *throttle.Throttle
	Metrics  *metrics.Metrics
	Listener transport.Listener
	Log      *logrus.Logger

	wg sync.WaitGroup
}

// New assembles a Daemon from already-constructed components; modules have
// already called Dispatch.Register by this point (spec §4.8 step 2).
func New(cfg *config.Config, reg *registry.Registry, disp *dispatch.Registry,
	th *throttle.Throttle, m *metrics.Metrics, ln transport.Listener, log *logrus.Logger) *Daemon {
	return &Daemon{
		Config:   cfg,
		Registry: reg,
		Dispatch: disp,
		Throttle: th,
		Metrics:  m,
		Listener: ln,
		Log:      log,
	}
}

// Run opens the endpoint, starts the reaper and pressure-sampler tickers,
// logs the startup banner, then serves until ctx is canceled or a shutdown
// signal is received. It blocks until shutdown completes.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go d.handleSignals(sigCh, cancel)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runReaper(runCtx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runSampler(runCtx)
	}()

	d.logBanner()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.Listener.Serve(runCtx, d.handleConn)
	}()

	select {
	case <-runCtx.Done():
	case err := <-serveErr:
		if err != nil {
			d.Log.WithError(err).Error("listener stopped unexpectedly")
		}
	}

	return d.shutdown()
}

// handleSignals implements "a second signal within grace window → immediate
// exit" from spec §4.8: the first signal cancels runCtx (graceful path);
// the second calls os.Exit directly.
func (d *Daemon) handleSignals(sigCh chan os.Signal, cancel context.CancelFunc) {
	first := false
	for sig := range sigCh {
		if !first {
			first = true
			d.Log.WithField("signal", sig.String()).Info("received shutdown signal, starting graceful shutdown")
			cancel()
			continue
		}
		d.Log.WithField("signal", sig.String()).Warn("received second shutdown signal, exiting immediately")
		os.Exit(1)
	}
}

func (d *Daemon) logBanner() {
	d.Log.WithFields(logrus.Fields{
		"version":  Version,
		"endpoint": d.Listener.Addr(),
	}).Info("cpan-bridged starting")
}

func (d *Daemon) runReaper(ctx context.Context) {
	interval := d.Config.ReaperCadence()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := d.Registry.ReapIdle()
			if n > 0 {
				d.Log.WithField("evicted", n).Debug("reaper cycle evicted idle handles")
			}
		}
	}
}

func (d *Daemon) runSampler(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Throttle.Sample(ctx)
			mem, cpu := d.Throttle.Pressure()
			d.Metrics.SetActiveConnections(int64(d.Listener.OpenConnections()))
			_ = mem
			_ = cpu
		}
	}
}

// handleConn implements the per-connection worker steps in spec §4.7: read
// one request, validate, admit, dispatch, write one response, return (the
// Listener closes the connection).
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	req, e := envelope.ReadRequest(conn, d.Config.MaxRequestBytes)
	if e != nil {
		resp := envelope.Fail("", e.GetCode(), e.Error(), nil, false)
		_ = envelope.WriteEnvelope(conn, resp)
		return
	}

	log := d.Log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"module":     req.Module,
		"function":   req.Function,
	})

	if e := validate.CheckShape(req.Module, req.Function); e != nil {
		d.Metrics.RejectValidation()
		resp := envelope.Fail(req.RequestID, e.GetCode(), e.Error(), nil, false)
		_ = envelope.WriteEnvelope(conn, resp)
		return
	}

	if !d.Dispatch.Lookup(req.Module, req.Function) {
		d.Metrics.RejectValidation()
		e := liberr.UnknownHandler.Errorf()
		resp := envelope.Fail(req.RequestID, e.GetCode(), e.Error(), nil, false)
		_ = envelope.WriteEnvelope(conn, resp)
		return
	}

	// system handlers bypass strict_validation pattern checks but still go
	// through admission and the concurrency gate below.
	if d.Config.StrictValidation && req.Module != "system" {
		if e := validate.CheckSuspicious(req.Params); e != nil {
			d.Metrics.RejectValidation()
			d.Metrics.SecurityEvent()
			resp := envelope.Fail(req.RequestID, e.GetCode(), e.Error(), nil, false)
			_ = envelope.WriteEnvelope(conn, resp)
			return
		}
	}

	hctx, hcancel := context.WithTimeout(ctx, d.Config.HandlerTimeout())
	defer hcancel()

	if e := d.Throttle.Admit(hctx); e != nil {
		d.Metrics.RejectThrottle()
		resp := envelope.Fail(req.RequestID, e.GetCode(), e.Error(), map[string]interface{}{"retry_after_ms": 1000}, false)
		_ = envelope.WriteEnvelope(conn, resp)
		return
	}
	defer d.Throttle.Release()

	dctx := &dispatch.Context{
		Context:   hctx,
		Registry:  d.Registry,
		Config:    d.Config,
		Log:       log,
		RequestID: req.RequestID,
		Module:    req.Module,
		Function:  req.Function,
	}

	start := time.Now()
	result, derr := d.Dispatch.Dispatch(dctx, req.Params)
	dur := time.Since(start)

	if derr != nil {
		d.Metrics.ObserveRequest(req.Module, req.Function, dur, false)
		resp := envelope.Fail(req.RequestID, derr.GetCode(), derr.Error(), nil, false)
		_ = envelope.WriteEnvelope(conn, resp)
		return
	}

	d.Metrics.ObserveRequest(req.Module, req.Function, dur, true)
	resp := envelope.Ok(req.RequestID, result, dur.Milliseconds())
	_ = envelope.WriteEnvelope(conn, resp)
}

// shutdown implements spec §4.8's exit sequence: stop accepting, wait up to
// shutdown_grace_seconds for in-flight handlers, then destructor-evict the
// registry and remove the endpoint/sidecar file (the Listener's own
// Shutdown does the latter).
func (d *Daemon) shutdown() error {
	grace := d.Config.ShutdownGrace()
	if grace <= 0 {
		grace = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := d.Listener.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	d.Registry.Shutdown()
	d.Log.Info("cpan-bridged shutdown complete")
	return err
}
