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

// Package testmod implements the test.* module: stateless handlers with no
// domain dependency of their own, existing solely so the broker's
// end-to-end test suite can exercise throttle, timeout, and panic-recovery
// paths without depending on a real domain module's side effects.
// Both cmd/bridged and cmd/bridge-helper register it unconditionally.
package testmod

import (
	"fmt"
	"time"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/validate"
)

type echoParams struct {
	Value interface{} `json:"value"`
}

type delayParams struct {
	Ms int `json:"ms" validate:"min=0"`
}

type failParams struct {
	Code uint16 `json:"code"`
}

// Register wires test.echo/delay/panic/fail into disp.
func Register(disp *dispatch.Registry) {
	disp.Register("test", "echo", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"value": params["value"]}, nil
	}, &validate.Schema{Target: &echoParams{}})

	disp.Register("test", "delay", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		ms := 0
		if v, ok := params["ms"].(float64); ok {
			ms = int(v)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return map[string]interface{}{"slept_ms": ms}, nil
		case <-ctx.Context.Done():
			return nil, liberr.Timeout.Errorf()
		}
	}, &validate.Schema{Target: &delayParams{}})

	disp.Register("test", "panic", func(ctx *dispatch.Context, _ map[string]interface{}) (interface{}, error) {
		panic("test.panic handler triggered intentionally")
	}, nil)

	disp.Register("test", "fail", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		code := uint16(0)
		if v, ok := params["code"].(float64); ok {
			code = uint16(v)
		}
		if code == 0 {
			return nil, fmt.Errorf("test.fail requires a nonzero code")
		}
		return nil, liberr.ParseCodeError(int64(code)).Error(nil)
	}, &validate.Schema{Target: &failParams{}})
}
