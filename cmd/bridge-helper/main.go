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

// Command bridge-helper is the client transport's subprocess fallback (spec
// §4.9 step 4, §9): invoked one-shot with --one-shot, it reads a single
// request envelope from stdin, dispatches it in-process against a fresh,
// short-lived registry/dispatch table (no daemon, no shared state across
// invocations), and writes the response envelope to stdout. It must never
// itself attempt to reach the daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nabbar/cpan-bridge/broker/config"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/envelope"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
	"github.com/nabbar/cpan-bridge/modules/crypto"
	"github.com/nabbar/cpan-bridge/modules/database"
	"github.com/nabbar/cpan-bridge/modules/datetime"
	"github.com/nabbar/cpan-bridge/modules/excel"
	"github.com/nabbar/cpan-bridge/modules/filelock"
	modhttp "github.com/nabbar/cpan-bridge/modules/http"
	"github.com/nabbar/cpan-bridge/modules/logging"
	"github.com/nabbar/cpan-bridge/modules/sftp"
	"github.com/nabbar/cpan-bridge/modules/smtp"
	"github.com/nabbar/cpan-bridge/modules/testmod"
	"github.com/nabbar/cpan-bridge/modules/xmldom"
	"github.com/sirupsen/logrus"
)

func main() {
	oneShot := false
	for _, a := range os.Args[1:] {
		if a == "--one-shot" {
			oneShot = true
		}
	}
	if !oneShot {
		fmt.Fprintln(os.Stderr, "bridge-helper: only --one-shot mode is supported")
		os.Exit(1)
	}

	in, err := io.ReadAll(os.Stdin)
	if err != nil {
		writeSynthetic(fmt.Sprintf("reading stdin: %v", err))
		return
	}

	req := &envelope.Request{}
	if e := envelope.Decode(in, req); e != nil {
		writeSynthetic(fmt.Sprintf("decoding request: %v", e))
		return
	}

	cfg := oneShotConfig()
	reg := registry.New(nil, nil, 5*time.Minute, 10)
	defer reg.Shutdown()

	vd := validate.New()
	disp := dispatch.New(vd)
	registerModules(disp, reg)

	log := logrus.New()
	log.SetOutput(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HandlerTimeout())
	defer cancel()

	dctx := &dispatch.Context{
		Context:   ctx,
		Registry:  reg,
		Config:    cfg,
		Log:       log.WithField("mode", "one-shot"),
		RequestID: req.RequestID,
		Module:    req.Module,
		Function:  req.Function,
	}

	result, derr := disp.Dispatch(dctx, req.Params)
	if derr != nil {
		resp := envelope.Fail(req.RequestID, derr.GetCode(), derr.Error(), nil, false)
		writeResponse(resp)
		return
	}

	resp := envelope.Ok(req.RequestID, result, 0)
	writeResponse(resp)
}

// writeResponse writes an unframed JSON response to stdout: the stdio pipe
// to the client carries plain envelope JSON on both ends (the client reads
// all of stdout and decodes it directly), unlike the daemon socket, which
// needs the 4-byte length prefix to delimit frames on a shared stream.
func writeResponse(resp *envelope.Response) {
	b, e := envelope.Encode(resp)
	if e != nil {
		return
	}
	_, _ = os.Stdout.Write(b)
}

// registerModules mirrors cmd/bridged's catalog exactly (minus system,
// which only makes sense against a live daemon's own metrics/throttle/
// listener) so a one-shot call sees the same (module, function) surface
// the daemon would have dispatched it to.
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

// oneShotConfig builds a minimal Config for the lifetime of a single
// dispatch call; there is no endpoint to bind and no throttle in-process,
// so only the fields handlers actually read (HandlerTimeoutSeconds,
// StrictValidation) matter here.
func oneShotConfig() *config.Config {
	return &config.Config{
		HandlerTimeoutSeconds: 30,
		StrictValidation:      false,
		MaxRequestBytes:       10 * 1024 * 1024,
	}
}

func writeSynthetic(detail string) {
	writeResponse(&envelope.Response{
		Success:     false,
		Error:       detail,
		ErrorCode:   "daemon_unreachable",
		DaemonError: true,
	})
}
