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

// Package logging implements the logging.* module (SPEC_FULL.md §4.11):
// named logrus.Logger handles a caller can open, write structured entries
// to, and close, independent of the daemon's own internal logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
)

type openParams struct {
	Level    string `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format   string `json:"format" validate:"omitempty,oneof=json text"`
	FilePath string `json:"file_path"`
}

type handleParams struct {
	Handle string `json:"handle" validate:"required"`
}

type writeParams struct {
	Handle  string                 `json:"handle" validate:"required"`
	Level   string                 `json:"level" validate:"required,oneof=trace debug info warn error"`
	Message string                 `json:"message" validate:"required"`
	Fields  map[string]interface{} `json:"fields"`
}

// Register wires logging.open/write/close into disp.
func Register(disp *dispatch.Registry, reg *registry.Registry) {
	disp.Register("logging", "open", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		level, _ := params["level"].(string)
		format, _ := params["format"].(string)
		filePath, _ := params["file_path"].(string)

		log := logrus.New()
		if format == "text" {
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			log.SetFormatter(&logrus.JSONFormatter{})
		}

		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		log.SetLevel(lvl)

		var closer io.Closer
		if filePath != "" {
			f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, liberr.HandlerError.Error(err)
			}
			log.SetOutput(f)
			closer = f
		}

		handle, perr := reg.Put(registry.KindLogger, log, &registry.Options{
			Destructor: func() error {
				if closer != nil {
					return closer.Close()
				}
				return nil
			},
		}, ctx.RequestID)
		if perr != nil {
			return nil, perr
		}
		return map[string]interface{}{"handle": handle}, nil
	}, &validate.Schema{Target: &openParams{}})

	disp.Register("logging", "write", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		log, e := lookupLogger(reg, params)
		if e != nil {
			return nil, e
		}

		level, _ := params["level"].(string)
		message, _ := params["message"].(string)
		fields, _ := params["fields"].(map[string]interface{})

		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			lvl = logrus.InfoLevel
		}

		entry := log.WithFields(logrus.Fields(fields))
		entry.Log(lvl, message)
		return map[string]interface{}{"written": true}, nil
	}, &validate.Schema{Target: &writeParams{}})

	disp.Register("logging", "close", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		handle, _ := params["handle"].(string)
		if !reg.Delete(registry.KindLogger, handle) {
			return nil, liberr.InvalidHandle.Errorf()
		}
		return map[string]interface{}{"closed": true}, nil
	}, &validate.Schema{Target: &handleParams{}})
}

func lookupLogger(reg *registry.Registry, params map[string]interface{}) (*logrus.Logger, liberr.Error) {
	handle, _ := params["handle"].(string)
	v, e := reg.Get(registry.KindLogger, handle)
	if e != nil {
		return nil, e
	}
	log, ok := v.(*logrus.Logger)
	if !ok {
		return nil, liberr.InvalidHandle.Errorf()
	}
	return log, nil
}
