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

package httpcli

import (
	"fmt"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
)

const pkgName = "httpcli"

// Error codes for HTTP client operations.
const (
	ErrorParamEmpty liberr.CodeError = iota + 2200
	ErrorParamInvalid
	ErrorParamsInvalid
	ErrorValidatorError
	ErrorClientTransportHttp2
	ErrorCreateRequest
	ErrorSendRequest
	ErrorResponseInvalid
	ErrorResponseLoadBody
	ErrorResponseStatus
	ErrorResponseUnmarshall
	URL_PARSE
	HTTP_CLIENT
	HTTP_REQUEST
	HTTP_DO
	IO_READ
	BUFFER_WRITE
)

func init() {
	if liberr.ExistInMapMessage(ErrorParamEmpty) {
		panic(fmt.Errorf("error code collision with package %s", pkgName))
	}
	liberr.RegisterIdFctMessage(ErrorParamEmpty, getMessage)
}

func getMessage(code liberr.CodeError) (message string) {
	switch code {
	case ErrorParamEmpty:
		return "at least one given parameters is empty"
	case ErrorParamInvalid:
		return "at least one given parameters is invalid"
	case ErrorParamsInvalid:
		return "request method or url is not set"
	case ErrorValidatorError:
		return "config seems to be invalid"
	case ErrorClientTransportHttp2:
		return "error while configure http2 transport for client"
	case ErrorCreateRequest:
		return "error on creating a new http request"
	case ErrorSendRequest:
		return "error on sending a http request"
	case ErrorResponseInvalid:
		return "http response is empty"
	case ErrorResponseLoadBody:
		return "error on reading http response body"
	case ErrorResponseStatus:
		return "http response status is not in the expected list"
	case ErrorResponseUnmarshall:
		return "error on unmarshalling http response body"
	case URL_PARSE:
		return "uri/url parse error"
	case HTTP_CLIENT:
		return "error on creating a new http client"
	case HTTP_REQUEST:
		return "error on creating a new http request"
	case HTTP_DO:
		return "error on sending a http request"
	case IO_READ:
		return "error on reading i/o stream"
	case BUFFER_WRITE:
		return "error on writing bytes on buffer"
	}

	return liberr.NullMessage
}
