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

// Package config builds the broker's immutable startup configuration (spec
// §3) from environment variables and an optional file, via spf13/viper.
package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Config is the frozen, process-wide snapshot read at startup. Every field
// is set once by Load and never mutated; concurrent reads from handler
// goroutines need no lock.
type Config struct {
	EndpointPath string
	EndpointPort int

	MaxConcurrentRequests int
	MaxRequestsPerMinute  int
	MaxMemoryMB           int
	MaxCPUPercent         int

	IdleTTLSecondsByKind map[string]int
	CapacityByKind       map[string]int

	StrictValidation bool

	MaxRequestBytes       int64
	HandlerTimeoutSeconds int
	ShutdownGraceSeconds  int

	ReaperCadenceSeconds int

	LogLevel  string
	LogFormat string
}

// defaults mirrors spec §3's documented default values.
func defaults(v *viper.Viper) {
	v.SetDefault("endpoint_path", "/var/run/cpan-bridged/bridged.sock")
	v.SetDefault("endpoint_port", 0)

	v.SetDefault("max_concurrent_requests", 100)
	v.SetDefault("max_requests_per_minute", 2000)
	v.SetDefault("max_memory_mb", 1024)
	v.SetDefault("max_cpu_percent", 200)

	v.SetDefault("strict_validation", false)

	v.SetDefault("max_request_bytes", 10*1024*1024)
	v.SetDefault("handler_timeout_seconds", 30)
	v.SetDefault("shutdown_grace_seconds", 10)
	v.SetDefault("reaper_cadence_seconds", 60)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("capacity_by_kind.db_connection", 100)
	v.SetDefault("capacity_by_kind.db_statement", 1000)
}

// Load reads configFile (ignored if empty or missing) layered under
// BRIDGE_-prefixed environment variables layered under defaults, and
// returns a frozen Config. Viper's key.sub_key dotted notation maps
// env var BRIDGE_IDLE_TTL_SECONDS_BY_KIND_DB_CONNECTION to
// idle_ttl_seconds_by_kind.db_connection and so on.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("bridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
			}
		}
	}

	c := &Config{
		EndpointPath: v.GetString("endpoint_path"),
		EndpointPort: v.GetInt("endpoint_port"),

		MaxConcurrentRequests: v.GetInt("max_concurrent_requests"),
		MaxRequestsPerMinute:  v.GetInt("max_requests_per_minute"),
		MaxMemoryMB:           v.GetInt("max_memory_mb"),
		MaxCPUPercent:         v.GetInt("max_cpu_percent"),

		IdleTTLSecondsByKind: toIntMap(v.GetStringMap("idle_ttl_seconds_by_kind")),
		CapacityByKind:       toIntMap(v.GetStringMap("capacity_by_kind")),

		StrictValidation: v.GetBool("strict_validation"),

		MaxRequestBytes:       v.GetInt64("max_request_bytes"),
		HandlerTimeoutSeconds: v.GetInt("handler_timeout_seconds"),
		ShutdownGraceSeconds:  v.GetInt("shutdown_grace_seconds"),
		ReaperCadenceSeconds:  v.GetInt("reaper_cadence_seconds"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}

	if c.EndpointPath == "" && c.EndpointPort == 0 {
		return nil, fmt.Errorf("one of endpoint_path or endpoint_port must be set")
	}

	return c, nil
}

func toIntMap(m map[string]interface{}) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		switch n := v.(type) {
		case int:
			out[k] = n
		case int64:
			out[k] = int(n)
		case float64:
			out[k] = int(n)
		}
	}
	return out
}

// HandlerTimeout is the convenience time.Duration view of HandlerTimeoutSeconds.
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

// ShutdownGrace is the convenience time.Duration view of ShutdownGraceSeconds.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// ReaperCadence is the convenience time.Duration view of ReaperCadenceSeconds.
func (c *Config) ReaperCadence() time.Duration {
	return time.Duration(c.ReaperCadenceSeconds) * time.Second
}

// Redacted returns the view served by system.config: every field, since
// this config carries no secrets (credentials for domain modules are
// supplied per-call in params, never read from this config).
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"endpoint_path":            c.EndpointPath,
		"endpoint_port":            c.EndpointPort,
		"max_concurrent_requests":  c.MaxConcurrentRequests,
		"max_requests_per_minute":  c.MaxRequestsPerMinute,
		"max_memory_mb":            c.MaxMemoryMB,
		"max_cpu_percent":          c.MaxCPUPercent,
		"idle_ttl_seconds_by_kind": c.IdleTTLSecondsByKind,
		"capacity_by_kind":         c.CapacityByKind,
		"strict_validation":        c.StrictValidation,
		"max_request_bytes":        c.MaxRequestBytes,
		"handler_timeout_seconds":  c.HandlerTimeoutSeconds,
		"shutdown_grace_seconds":   c.ShutdownGraceSeconds,
		"reaper_cadence_seconds":   c.ReaperCadenceSeconds,
	}
}

// Holder is the atomic.Pointer swap seam named in SPEC_FULL.md §3: no
// handler mutates it today (system.config is read-only) but the dispatcher
// reads every handler's config through Holder.Load so a future admin-reload
// handler only needs to call Store.
type Holder struct {
	p atomic.Pointer[Config]
}

func NewHolder(c *Config) *Holder {
	h := &Holder{}
	h.p.Store(c)
	return h
}

func (h *Holder) Load() *Config {
	return h.p.Load()
}

func (h *Holder) Store(c *Config) {
	h.p.Store(c)
}
