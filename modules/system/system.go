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

// Package system implements the broker's built-in introspection module
// (spec §4.10): ping/metrics/health/performance/connections/cleanup/config,
// the one module every daemon build registers unconditionally since it
// carries no third-party domain dependency of its own.
package system

import (
	"os"
	"runtime"
	"time"

	"github.com/nabbar/cpan-bridge/broker/config"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/metrics"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/throttle"
	"github.com/nabbar/cpan-bridge/broker/transport"
	"github.com/shirou/gopsutil/process"
)

// Deps bundles the daemon-owned singletons system's handlers close over.
// They are not threaded through dispatch.Context because no other module
// needs them; system is the one module allowed to see the daemon's own
// operational state.
type Deps struct {
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Throttle *throttle.Throttle
	Listener transport.Listener
	Config   *config.Holder
}

// Register wires every system.* handler into disp. Called once at startup,
// before daemon.Run opens the listener.
func Register(disp *dispatch.Registry, d Deps) {
	proc, _ := process.NewProcess(int32(os.Getpid()))

	disp.Register("system", "ping", func(ctx *dispatch.Context, _ map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"pong":           true,
			"time":           time.Now().UTC().Format(time.RFC3339Nano),
			"uptime_seconds": d.Metrics.UptimeSeconds(),
		}, nil
	}, nil)

	disp.Register("system", "metrics", func(ctx *dispatch.Context, _ map[string]interface{}) (interface{}, error) {
		memBytes, cpuPct := sampleProcess(proc)
		return d.Metrics.Snapshot(memBytes, cpuPct), nil
	}, nil)

	disp.Register("system", "health", func(ctx *dispatch.Context, _ map[string]interface{}) (interface{}, error) {
		memPct, cpuPct := d.Throttle.Pressure()
		return d.Metrics.Health(memPct, cpuPct, d.Listener.IsRunning()), nil
	}, nil)

	disp.Register("system", "performance", func(ctx *dispatch.Context, _ map[string]interface{}) (interface{}, error) {
		memBytes, cpuPct := sampleProcess(proc)
		memPct, cpuLimitPct := d.Throttle.Pressure()
		return map[string]interface{}{
			"memory_bytes":       memBytes,
			"cpu_percent":        cpuPct,
			"memory_pct_limit":   memPct,
			"cpu_pct_limit":      cpuLimitPct,
			"num_goroutine":      runtime.NumGoroutine(),
			"active_connections": d.Listener.OpenConnections(),
		}, nil
	}, nil)

	disp.Register("system", "connections", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		var kind registry.Kind
		if k, ok := params["kind"].(string); ok {
			kind = registry.Kind(k)
		}
		return map[string]interface{}{
			"handles": d.Registry.List(kind),
			"by_kind": d.Registry.StatsByKind(),
		}, nil
	}, nil)

	disp.Register("system", "cleanup", func(ctx *dispatch.Context, _ map[string]interface{}) (interface{}, error) {
		n := d.Registry.ReapIdle()
		return map[string]interface{}{"evicted": n}, nil
	}, nil)

	disp.Register("system", "config", func(ctx *dispatch.Context, _ map[string]interface{}) (interface{}, error) {
		return d.Config.Load().Redacted(), nil
	}, nil)
}

// sampleProcess reads the live RSS and CPU percent for this process,
// independent of the throttle's own limit-relative percentages, matching
// the teacher's "monitor" package's direct gopsutil sampling idiom.
func sampleProcess(proc *process.Process) (memBytes uint64, cpuPct float64) {
	if proc == nil {
		return 0, 0
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		memBytes = mi.RSS
	}
	if cp, err := proc.CPUPercent(); err == nil {
		cpuPct = cp
	}
	return
}
