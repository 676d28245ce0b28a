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

// Command bridged is the long-lived broker daemon (spec §4.7, §4.8): it
// loads config, registers every module, opens the socket endpoint and
// serves until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fatih/color"
	"github.com/nabbar/cpan-bridge/broker/config"
	"github.com/nabbar/cpan-bridge/broker/daemon"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/metrics"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/throttle"
	"github.com/nabbar/cpan-bridge/broker/transport"
	"github.com/nabbar/cpan-bridge/broker/transport/tcpsock"
	"github.com/nabbar/cpan-bridge/broker/transport/unixsock"
	"github.com/nabbar/cpan-bridge/broker/validate"
	"github.com/nabbar/cpan-bridge/console"
	"github.com/nabbar/cpan-bridge/modules/crypto"
	"github.com/nabbar/cpan-bridge/modules/database"
	"github.com/nabbar/cpan-bridge/modules/datetime"
	"github.com/nabbar/cpan-bridge/modules/excel"
	"github.com/nabbar/cpan-bridge/modules/filelock"
	modhttp "github.com/nabbar/cpan-bridge/modules/http"
	"github.com/nabbar/cpan-bridge/modules/logging"
	"github.com/nabbar/cpan-bridge/modules/sftp"
	"github.com/nabbar/cpan-bridge/modules/smtp"
	"github.com/nabbar/cpan-bridge/modules/system"
	"github.com/nabbar/cpan-bridge/modules/testmod"
	"github.com/nabbar/cpan-bridge/modules/xmldom"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagSocket string
	flagPort   int
)

// version is the daemon's reported build version, set by the linker via
// -ldflags or left at "dev" for local builds.
var version = "dev"

// exit codes per spec §6: 0 clean shutdown, 2 bind failure, 3 config error, 1 unexpected.
const (
	exitOK          = 0
	exitUnexpected  = 1
	exitBindFailure = 2
	exitConfigError = 3
)

func init() {
	console.SetColor(console.ColorPrint, int(color.FgCyan), int(color.Bold))
}

func main() {
	root := &cobra.Command{
		Use:   "bridged",
		Short: "cpan-bridge request broker daemon",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "load config, register modules, and serve until shutdown",
		RunE:  run,
	}
	start.Flags().StringVar(&flagConfig, "config", "", "path to a bridged config file (yaml/json/toml, viper-compatible)")
	start.Flags().StringVar(&flagSocket, "socket", "", "override endpoint_path (Unix socket path)")
	start.Flags().IntVar(&flagPort, "port", 0, "override endpoint_port (non-POSIX TCP listener)")

	ver := &cobra.Command{
		Use:   "version",
		Short: "print the daemon build version",
		Run: func(cmd *cobra.Command, _ []string) {
			console.ColorPrint.PrintLnf("bridged %s", version)
		},
	}

	root.AddCommand(start, ver)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUnexpected)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(exitConfigError)
	}
	if flagSocket != "" {
		cfg.EndpointPath = flagSocket
	}
	if flagPort != 0 {
		cfg.EndpointPort = flagPort
	}

	log := newLogger(cfg)

	reg := registry.New(idleTTLMap(cfg), capacityMap(cfg), 5*time.Minute, 100)

	th, err := throttle.New(cfg.MaxConcurrentRequests, cfg.MaxRequestsPerMinute, throttle.Thresholds{
		MaxMemoryMB:   cfg.MaxMemoryMB,
		MaxCPUPercent: cfg.MaxCPUPercent,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "throttle init:", err)
		os.Exit(exitUnexpected)
	}

	m := metrics.New()
	vd := validate.New()
	disp := dispatch.New(vd)

	registerModules(disp, reg)

	ln, err := newListener(cfg)
	if err != nil {
		log.WithError(err).Error("failed to bind endpoint")
		os.Exit(exitBindFailure)
	}

	holder := config.NewHolder(cfg)
	system.Register(disp, system.Deps{
		Registry: reg,
		Metrics:  m,
		Throttle: th,
		Listener: ln,
		Config:   holder,
	})

	daemon.Version = version
	d := daemon.New(cfg, reg, disp, th, m, ln, log)

	console.ColorPrint.PrintLnf("bridged %s listening on %s", version, cfg.EndpointPath)

	if err := d.Run(context.Background()); err != nil {
		log.WithError(err).Error("daemon exited with error")
		os.Exit(exitUnexpected)
	}

	os.Exit(exitOK)
	return nil
}

// registerModules wires every application module into disp, matching spec
// §4.11's catalog glue: handlers are independent, pure (params, ctx) ->
// result functions and know nothing of the broker's transport/throttle.
func registerModules(disp *dispatch.Registry, reg *registry.Registry) {
	database.Register(disp, reg)
	modhttp.Register(disp, reg)
	sftp.Register(disp, reg)
	excel.Register(disp, reg)
	crypto.Register(disp, reg)
	xmldom.Register(disp, reg)
	smtp.Register(disp, reg)
	logging.Register(disp, reg)
	filelock.Register(disp, reg)
	datetime.Register(disp)
	testmod.Register(disp)
}

// newListener picks the Unix-domain-socket Listener on POSIX and the
// loopback-TCP-plus-sidecar Listener elsewhere, per spec §4.7/§9's
// platform-conditional-endpoint abstraction.
func newListener(cfg *config.Config) (transport.Listener, error) {
	if runtime.GOOS == "windows" {
		ln := tcpsock.New(sidecarPath(cfg))
		return ln, nil
	}
	ln := unixsock.New(cfg.EndpointPath)
	return ln, nil
}

func sidecarPath(cfg *config.Config) string {
	if cfg.EndpointPath != "" {
		return cfg.EndpointPath
	}
	return "cpan_bridge_socket.txt"
}

func idleTTLMap(cfg *config.Config) map[registry.Kind]time.Duration {
	out := make(map[registry.Kind]time.Duration, len(cfg.IdleTTLSecondsByKind))
	for k, v := range cfg.IdleTTLSecondsByKind {
		out[registry.Kind(k)] = time.Duration(v) * time.Second
	}
	return out
}

func capacityMap(cfg *config.Config) map[registry.Kind]int {
	out := make(map[registry.Kind]int, len(cfg.CapacityByKind))
	for k, v := range cfg.CapacityByKind {
		out[registry.Kind(k)] = v
	}
	return out
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
