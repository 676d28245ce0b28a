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

// Package filelock implements the filelock.* module (SPEC_FULL.md §4.11):
// advisory file locks backed by gofrs/flock.
package filelock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
)

type acquireParams struct {
	Path           string `json:"path" validate:"required"`
	Shared         bool   `json:"shared"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type handleParams struct {
	Handle string `json:"handle" validate:"required"`
}

// Register wires filelock.acquire/release/locked into disp.
func Register(disp *dispatch.Registry, reg *registry.Registry) {
	disp.Register("filelock", "acquire", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		path, _ := params["path"].(string)
		shared, _ := params["shared"].(bool)
		timeout := 5 * time.Second
		if v, ok := params["timeout_seconds"].(float64); ok && v > 0 {
			timeout = time.Duration(v) * time.Second
		}

		fl := flock.New(path)

		lctx, cancel := context.WithTimeout(ctx.Context, timeout)
		defer cancel()

		var (
			locked bool
			err    error
		)
		if shared {
			locked, err = fl.TryRLockContext(lctx, 50*time.Millisecond)
		} else {
			locked, err = fl.TryLockContext(lctx, 50*time.Millisecond)
		}
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		if !locked {
			return nil, liberr.Timeout.Error(fmt.Errorf("could not acquire lock on %q within %s", path, timeout))
		}

		handle, perr := reg.Put(registry.KindLockfile, fl, &registry.Options{
			Destructor: func() error { return fl.Unlock() },
		}, ctx.RequestID)
		if perr != nil {
			_ = fl.Unlock()
			return nil, perr
		}
		return map[string]interface{}{"handle": handle}, nil
	}, &validate.Schema{Target: &acquireParams{}})

	disp.Register("filelock", "locked", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		fl, e := lookupLock(reg, params)
		if e != nil {
			return nil, e
		}
		return map[string]interface{}{"locked": fl.Locked() || fl.RLocked()}, nil
	}, &validate.Schema{Target: &handleParams{}})

	disp.Register("filelock", "release", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		handle, _ := params["handle"].(string)
		if !reg.Delete(registry.KindLockfile, handle) {
			return nil, liberr.InvalidHandle.Errorf()
		}
		return map[string]interface{}{"released": true}, nil
	}, &validate.Schema{Target: &handleParams{}})
}

func lookupLock(reg *registry.Registry, params map[string]interface{}) (*flock.Flock, liberr.Error) {
	handle, _ := params["handle"].(string)
	v, e := reg.Get(registry.KindLockfile, handle)
	if e != nil {
		return nil, e
	}
	fl, ok := v.(*flock.Flock)
	if !ok {
		return nil, liberr.InvalidHandle.Errorf()
	}
	return fl, nil
}
