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

// Package throttle is the broker's three-gate admission control (spec
// §4.5): a concurrency semaphore, a sliding per-minute rate window, and a
// process pressure sampler that graduates from a small delay to outright
// rejection as memory/CPU approach their configured limits.
package throttle

import (
	"context"
	"os"
	"sync"
	"time"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sync/semaphore"
)

// rateWindowSeconds is the sliding window's bucket count; a request is
// counted in the bucket for the current wall-clock second and the window
// sums the last 60 buckets, advancing by zeroing buckets it has scrolled past.
const rateWindowSeconds = 60

// Thresholds controls the pressure sampler's graduated response, all
// configurable per spec §4.5 ("thresholds MUST be configurable").
type Thresholds struct {
	MaxMemoryMB   int
	MaxCPUPercent int
}

// Throttle is the combined gate. Admit must be called once per request,
// before dispatch; Release must be called exactly once after the request
// completes, successfully or not, to free the concurrency slot.
type Throttle struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	buckets  [rateWindowSeconds]int
	curSlot  int64
	perMin   int

	thresholds Thresholds
	proc       *process.Process

	memPct float64
	cpuPct float64
	sampleMu sync.RWMutex
}

// New builds a Throttle admitting up to maxConcurrent in-flight requests and
// at most perMinute requests in any trailing 60-second window.
func New(maxConcurrent, perMinute int, th Thresholds) (*Throttle, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Throttle{
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		perMin:     perMinute,
		thresholds: th,
		proc:       p,
	}, nil
}

// Admit runs gate 1 (concurrency), gate 2 (rate), then gate 3 (pressure
// delay/reject), in that order, matching spec §4.5's listed precedence. On
// success the caller owns one concurrency slot and must call Release.
func (t *Throttle) Admit(ctx context.Context) liberr.Error {
	if !t.sem.TryAcquire(1) {
		return liberr.CapacityFull.Errorf()
	}

	if !t.allowRate() {
		t.sem.Release(1)
		return liberr.RateLimited.Errorf()
	}

	if e := t.applyPressure(ctx); e != nil {
		t.sem.Release(1)
		return e
	}

	return nil
}

// Release frees the concurrency slot acquired by a successful Admit.
func (t *Throttle) Release() {
	t.sem.Release(1)
}

func (t *Throttle) allowRate() bool {
	if t.perMin <= 0 {
		return true
	}

	now := time.Now().Unix()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.curSlot == 0 {
		t.curSlot = now
	}

	// advance the window, zeroing buckets scrolled past since the last call
	for ; t.curSlot < now; t.curSlot++ {
		t.buckets[(t.curSlot+1)%rateWindowSeconds] = 0
	}

	sum := 0
	for _, c := range t.buckets {
		sum += c
	}
	if sum >= t.perMin {
		return false
	}

	t.buckets[now%rateWindowSeconds]++
	return true
}

// applyPressure sleeps a graduated delay or rejects outright based on the
// most recent CPU/memory sample (refreshed by Sample, called once a second
// by the daemon's ticker, never per-request).
func (t *Throttle) applyPressure(ctx context.Context) liberr.Error {
	t.sampleMu.RLock()
	mem := t.memPct
	cpu := t.cpuPct
	t.sampleMu.RUnlock()

	pressure := mem
	if cpu > pressure {
		pressure = cpu
	}

	var delay time.Duration
	switch {
	case pressure >= 100:
		return liberr.Overloaded.Errorf()
	case pressure >= 95:
		delay = time.Second
	case pressure >= 80:
		delay = 100 * time.Millisecond
	}

	if delay == 0 {
		return nil
	}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return liberr.Timeout.Errorf()
	}
}

// Sample refreshes the memory/CPU pressure percentages from the process's
// live RSS and CPU usage against the configured limits. Intended to be
// called once a second by daemon's pressure-sampler ticker, per spec §4.5.
func (t *Throttle) Sample(ctx context.Context) {
	var memPct, cpuPct float64

	if mi, err := t.proc.MemoryInfoWithContext(ctx); err == nil && t.thresholds.MaxMemoryMB > 0 {
		usedMB := float64(mi.RSS) / (1024 * 1024)
		memPct = 100 * usedMB / float64(t.thresholds.MaxMemoryMB)
	}

	if cp, err := t.proc.CPUPercentWithContext(ctx); err == nil && t.thresholds.MaxCPUPercent > 0 {
		cpuPct = 100 * cp / float64(t.thresholds.MaxCPUPercent)
	}

	t.sampleMu.Lock()
	t.memPct = memPct
	t.cpuPct = cpuPct
	t.sampleMu.Unlock()
}

// Pressure returns the last-sampled memory/CPU percentages (of limit), for
// system.metrics reporting.
func (t *Throttle) Pressure() (memPct, cpuPct float64) {
	t.sampleMu.RLock()
	defer t.sampleMu.RUnlock()
	return t.memPct, t.cpuPct
}
