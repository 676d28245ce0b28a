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

package brokererr

// These constants are the closed set of broker-level error codes (spec §7). Each one
// carries a stable wire tag (the error_code the client sees) in addition to
// the numeric CodeError used for Is/As style comparisons.
const (
	PayloadTooLarge CodeError = iota + 100
	DecodingError
	InvalidEnvelope
	UnknownHandler
	InvalidParams
	SuspiciousInput
	RateLimited
	Overloaded
	CapacityFull
	Timeout
	InvalidHandle
	HandlerError
	InternalError
	EncodingError
)

// tag maps each CodeError to the wire-visible error_code string. Handlers
// never see this map directly; the dispatcher consults it when flattening
// a brokererr.Error into a response envelope.
var tag = map[CodeError]string{
	PayloadTooLarge: "payload_too_large",
	DecodingError:   "decoding_error",
	InvalidEnvelope: "invalid_envelope",
	UnknownHandler:  "unknown_handler",
	InvalidParams:   "invalid_params",
	SuspiciousInput: "suspicious_input",
	RateLimited:     "rate_limited",
	Overloaded:      "overloaded",
	CapacityFull:    "capacity_full",
	Timeout:         "timeout",
	InvalidHandle:   "invalid_handle",
	HandlerError:    "handler_error",
	InternalError:   "internal_error",
	EncodingError:   "encoding_error",
}

// Tag returns the wire error_code for a broker CodeError, or "internal_error"
// for any code outside the closed taxonomy.
func Tag(c CodeError) string {
	if t, ok := tag[c]; ok {
		return t
	}
	return "internal_error"
}

// Retryable reports whether a client should honor retry_after_ms for this code.
func Retryable(c CodeError) bool {
	switch c {
	case RateLimited, Overloaded, Timeout:
		return true
	default:
		return false
	}
}

func init() {
	RegisterIdFctMessage(PayloadTooLarge, func(_ CodeError) string { return "request exceeded max_request_bytes" })
	RegisterIdFctMessage(DecodingError, func(_ CodeError) string { return "malformed envelope payload" })
	RegisterIdFctMessage(InvalidEnvelope, func(_ CodeError) string { return "missing or mistyped envelope field" })
	RegisterIdFctMessage(UnknownHandler, func(_ CodeError) string { return "module/function not registered" })
	RegisterIdFctMessage(InvalidParams, func(_ CodeError) string { return "params failed handler schema" })
	RegisterIdFctMessage(SuspiciousInput, func(_ CodeError) string { return "params matched a refusal pattern" })
	RegisterIdFctMessage(RateLimited, func(_ CodeError) string { return "per-minute request rate exceeded" })
	RegisterIdFctMessage(Overloaded, func(_ CodeError) string { return "process pressure over hard limit" })
	RegisterIdFctMessage(CapacityFull, func(_ CodeError) string { return "concurrency semaphore full" })
	RegisterIdFctMessage(Timeout, func(_ CodeError) string { return "handler exceeded its deadline" })
	RegisterIdFctMessage(InvalidHandle, func(_ CodeError) string { return "registry lookup missed" })
	RegisterIdFctMessage(HandlerError, func(_ CodeError) string { return "handler returned an error" })
	RegisterIdFctMessage(InternalError, func(_ CodeError) string { return "unexpected broker failure" })
	RegisterIdFctMessage(EncodingError, func(_ CodeError) string { return "value is not JSON-serializable" })
}
