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

// Package datetime implements the datetime.* module (SPEC_FULL.md §4.11):
// stateless duration parsing/formatting/arithmetic wrapping the adapted
// duration package. No registry kind: every handler is a pure function of
// its params.
package datetime

import (
	"time"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/validate"
	libduration "github.com/nabbar/cpan-bridge/duration"
)

type parseParams struct {
	Value string `json:"value" validate:"required"`
}

type addParams struct {
	Time     string `json:"time" validate:"required"`
	Duration string `json:"duration" validate:"required"`
}

type diffParams struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

type rangeParams struct {
	From     string `json:"from" validate:"required"`
	Duration string `json:"duration" validate:"required"`
}

// Register wires datetime.parse/now/add/diff/range into disp.
func Register(disp *dispatch.Registry) {
	disp.Register("datetime", "parse", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		value, _ := params["value"].(string)
		d, err := libduration.Parse(value)
		if err != nil {
			return nil, liberr.InvalidParams.Error(err)
		}
		return map[string]interface{}{
			"seconds": d.Time().Seconds(),
			"string":  d.String(),
			"days":    d.Days(),
		}, nil
	}, &validate.Schema{Target: &parseParams{}})

	disp.Register("datetime", "now", func(ctx *dispatch.Context, _ map[string]interface{}) (interface{}, error) {
		now := time.Now().UTC()
		return map[string]interface{}{
			"rfc3339": now.Format(time.RFC3339Nano),
			"unix":    now.Unix(),
		}, nil
	}, nil)

	disp.Register("datetime", "add", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		at, dur, e := parseTimeAndDuration(params, "time", "duration")
		if e != nil {
			return nil, e
		}
		result := at.Add(dur.Time())
		return map[string]interface{}{"result": result.Format(time.RFC3339Nano)}, nil
	}, &validate.Schema{Target: &addParams{}})

	disp.Register("datetime", "diff", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		from, _ := params["from"].(string)
		to, _ := params["to"].(string)
		ft, err := time.Parse(time.RFC3339Nano, from)
		if err != nil {
			return nil, liberr.InvalidParams.Error(err)
		}
		tt, err := time.Parse(time.RFC3339Nano, to)
		if err != nil {
			return nil, liberr.InvalidParams.Error(err)
		}
		delta := libduration.ParseDuration(tt.Sub(ft))
		return map[string]interface{}{
			"seconds": delta.Time().Seconds(),
			"string":  delta.String(),
		}, nil
	}, &validate.Schema{Target: &diffParams{}})

	disp.Register("datetime", "range", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		from, dur, e := parseTimeAndDuration(params, "from", "duration")
		if e != nil {
			return nil, e
		}
		steps := libduration.ParseDuration(0).RangeDefTo(dur)
		_ = from
		out := make([]string, 0, len(steps))
		for _, s := range steps {
			out = append(out, s.String())
		}
		return map[string]interface{}{"steps": out}, nil
	}, &validate.Schema{Target: &rangeParams{}})
}

func parseTimeAndDuration(params map[string]interface{}, timeKey, durKey string) (time.Time, libduration.Duration, liberr.Error) {
	rawTime, _ := params[timeKey].(string)
	rawDur, _ := params[durKey].(string)

	t, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, 0, liberr.InvalidParams.Error(err)
	}
	d, err := libduration.Parse(rawDur)
	if err != nil {
		return time.Time{}, 0, liberr.InvalidParams.Error(err)
	}
	return t, d, nil
}
