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

// Package validate implements the broker's three-layer request validation
// (spec §4.2): raw size/shape checks, a module/function whitelist lookup,
// and a per-handler params schema enforced with go-playground/validator.
package validate

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/go-playground/validator/v10"
)

// Schema is attached to a handler registration (broker/dispatch.Register) and
// drives the struct-tag validation pass. Target must be a pointer to a zero
// value of the handler's params struct; CheckSchema fills a fresh value of
// that type from the request's raw params map with decodeParams.
type Schema struct {
	Target interface{}
}

// suspiciousPatterns are refused outright regardless of schema, per spec
// §4.2's "suspicious_input" rejection class: path traversal and shell
// metacharacters that have no legitimate use in any handler's string params.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile("[;&|`$]"),
	regexp.MustCompile(`\x00`),
}

// Validator wraps a single shared go-playground/validator instance; it is
// safe for concurrent use across every connection handler goroutine.
type Validator struct {
	mu  sync.RWMutex
	v   *validator.Validate
}

// New builds a Validator with the default struct-tag validation engine.
func New() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// CheckSize rejects a raw frame payload larger than maxBytes with
// PayloadTooLarge. maxBytes <= 0 disables the check.
func CheckSize(payload []byte, maxBytes int64) liberr.Error {
	if maxBytes > 0 && int64(len(payload)) > maxBytes {
		return liberr.PayloadTooLarge.Errorf()
	}
	return nil
}

// CheckShape rejects an envelope missing module/function, the minimum shape
// required before any dispatch lookup happens.
func CheckShape(module, function string) liberr.Error {
	if strings.TrimSpace(module) == "" || strings.TrimSpace(function) == "" {
		return liberr.InvalidEnvelope.Errorf()
	}
	return nil
}

// CheckSuspicious walks every string value reachable from params (recursing
// into nested maps and slices) and refuses the request if any value matches
// a refusal pattern.
func CheckSuspicious(params map[string]interface{}) liberr.Error {
	if hit := scanSuspicious(params); hit {
		return liberr.SuspiciousInput.Errorf()
	}
	return nil
}

func scanSuspicious(v interface{}) bool {
	switch t := v.(type) {
	case string:
		for _, re := range suspiciousPatterns {
			if re.MatchString(t) {
				return true
			}
		}
	case map[string]interface{}:
		for _, vv := range t {
			if scanSuspicious(vv) {
				return true
			}
		}
	case []interface{}:
		for _, vv := range t {
			if scanSuspicious(vv) {
				return true
			}
		}
	}
	return false
}

// decodeParams copies a raw params map into dst (a pointer to a zero-valued
// struct) using reflection over dst's json-tagged fields, matching the
// project's envelope codec (no third encode/decode pass through encoding/json
// is needed for the common case of flat scalar/slice/string fields).
func decodeParams(params map[string]interface{}, dst interface{}) liberr.Error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return liberr.InternalError.Errorf()
	}
	elem := rv.Elem()
	t := elem.Type()

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]

		raw, ok := params[name]
		if !ok || raw == nil {
			continue
		}

		fv := elem.Field(i)
		if !fv.CanSet() {
			continue
		}

		rawVal := reflect.ValueOf(raw)
		if rawVal.Type().AssignableTo(fv.Type()) {
			fv.Set(rawVal)
			continue
		}
		if rawVal.Type().ConvertibleTo(fv.Type()) {
			fv.Set(rawVal.Convert(fv.Type()))
			continue
		}
		// leave the zero value for shapes decodeParams cannot bridge
		// (nested structs, interfaces); the handler reads params directly
		// for those and validator tags on scalar fields still apply.
	}

	return nil
}

// CheckSchema decodes params into schema.Target and runs struct-tag
// validation. A nil schema means the handler declared no schema and every
// params map is accepted as-is.
func (vd *Validator) CheckSchema(schema *Schema, params map[string]interface{}) liberr.Error {
	if schema == nil || schema.Target == nil {
		return nil
	}

	target := reflect.New(reflect.TypeOf(schema.Target).Elem()).Interface()
	if e := decodeParams(params, target); e != nil {
		return e
	}

	vd.mu.RLock()
	v := vd.v
	vd.mu.RUnlock()

	if err := v.Struct(target); err != nil {
		return liberr.InvalidParams.Error(err)
	}
	return nil
}
