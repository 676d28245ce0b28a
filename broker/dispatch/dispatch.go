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

// Package dispatch is the broker's module/function call table (spec §4.4):
// handlers register once at startup under a (module, function) pair and are
// looked up once per request by the transport layer.
package dispatch

import (
	"context"
	"sync"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/config"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
	"github.com/sirupsen/logrus"
)

// Handler is the signature every module function implements. params is the
// request's raw, already-schema-validated field map; the returned value is
// marshaled directly into the response envelope's result field.
type Handler func(ctx *Context, params map[string]interface{}) (interface{}, error)

// Context is threaded through every handler call: the cancelable call
// context, the shared resource registry, the frozen startup config, and a
// logrus entry pre-scoped with request_id/module/function.
type Context struct {
	context.Context

	Registry *registry.Registry
	Config   *config.Config
	Log      *logrus.Entry

	RequestID string
	Module    string
	Function  string
}

type registration struct {
	handler Handler
	schema  *validate.Schema
}

// Registry is the (module, function) -> Handler call table. Register is
// only ever called during startup, before daemon.Run opens the listener;
// Lookup, Modules, Functions and Dispatch take only the read lock.
type Registry struct {
	mu    sync.RWMutex
	table map[string]map[string]registration
	vd    *validate.Validator
}

// New builds an empty dispatch table.
func New(vd *validate.Validator) *Registry {
	return &Registry{
		table: make(map[string]map[string]registration),
		vd:    vd,
	}
}

// Register adds a handler for module.function. schema may be nil when the
// handler declares no params struct to validate against.
func (r *Registry) Register(module, function string, h Handler, schema *validate.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.table[module] == nil {
		r.table[module] = make(map[string]registration)
	}
	r.table[module][function] = registration{handler: h, schema: schema}
}

// Lookup reports whether module.function is registered, without invoking it.
func (r *Registry) Lookup(module, function string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fns, ok := r.table[module]
	if !ok {
		return false
	}
	_, ok = fns[function]
	return ok
}

// Modules lists every registered module name, for system.modules.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.table))
	for m := range r.table {
		out = append(out, m)
	}
	return out
}

// Functions lists every function registered under module.
func (r *Registry) Functions(module string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fns, ok := r.table[module]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(fns))
	for f := range fns {
		out = append(out, f)
	}
	return out
}

// Dispatch validates params against the handler's schema (if any) and
// invokes it synchronously with ctx, which carries the deadline. Dispatch
// does not itself stop a handler that ignores that deadline: it returns only
// when the handler returns. It never panics: a handler panic is recovered
// and turned into HandlerError so one bad module function cannot take the
// whole daemon process down.
func (r *Registry) Dispatch(ctx *Context, params map[string]interface{}) (result interface{}, errOut liberr.Error) {
	r.mu.RLock()
	fns, ok := r.table[ctx.Module]
	if !ok {
		r.mu.RUnlock()
		return nil, liberr.UnknownHandler.Errorf()
	}
	reg, ok := fns[ctx.Function]
	r.mu.RUnlock()
	if !ok {
		return nil, liberr.UnknownHandler.Errorf()
	}

	if reg.schema != nil && r.vd != nil {
		if e := r.vd.CheckSchema(reg.schema, params); e != nil {
			return nil, e
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			errOut = liberr.HandlerError.Errorf()
		}
	}()

	res, err := reg.handler(ctx, params)

	if err != nil {
		if le, ok := err.(liberr.Error); ok {
			return nil, le
		}
		return nil, liberr.HandlerError.Error(err)
	}
	return res, nil
}
