/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
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
 */

// Package pidcontroller implements a small proportional-integral-derivative
// controller used to generate a non-uniform range of float64 steps between
// two bounds, such as the backoff/retry duration ranges in the duration
// package.
package pidcontroller

import "context"

// maxSteps bounds the number of iterations the controller will emit,
// protecting callers against a misconfigured (non-converging) rate set.
const maxSteps = 4096

// Controller is a minimal PID controller driving a single scalar value
// from a start point toward a target point.
type Controller struct {
	kp float64
	ki float64
	kd float64
}

// New builds a Controller with the given proportional, integral and
// derivative rates.
func New(rateP, rateI, rateD float64) *Controller {
	return &Controller{
		kp: rateP,
		ki: rateI,
		kd: rateD,
	}
}

// RangeCtx walks the value from "from" to "to", emitting each intermediate
// point computed by the PID loop until the target is reached, the loop stops
// converging or the context is canceled.
func (c *Controller) RangeCtx(ctx context.Context, from, to float64) []float64 {
	var (
		out       = make([]float64, 0, 8)
		current   = from
		integral  float64
		prevError float64
		ascending = to >= from
	)

	out = append(out, current)

	for i := 0; i < maxSteps; i++ {
		select {
		case <-ctx.Done():
			return out
		default:
		}

		err := to - current

		if ascending && err <= 0 {
			break
		} else if !ascending && err >= 0 {
			break
		}

		integral += err
		derivative := err - prevError
		prevError = err

		step := c.kp*err + c.ki*integral + c.kd*derivative

		if step == 0 {
			break
		} else if ascending && step < 0 {
			step = -step
		} else if !ascending && step > 0 {
			step = -step
		}

		current += step

		if ascending && current >= to {
			break
		} else if !ascending && current <= to {
			break
		}

		out = append(out, current)
	}

	return out
}
