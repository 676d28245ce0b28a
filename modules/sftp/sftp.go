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

// Package sftp implements the sftp.* module (SPEC_FULL.md §4.11): remote
// file transfer sessions backed by the adapted ftpclient package
// (jlaffaye/ftp).
package sftp

import (
	"bytes"
	"io"
	"time"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
	libftpclient "github.com/nabbar/cpan-bridge/ftpclient"
)

type connectParams struct {
	Hostname       string `json:"hostname" validate:"required"`
	Login          string `json:"login"`
	Password       string `json:"password"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ForceTLS       bool   `json:"force_tls"`
}

type handleParams struct {
	Handle string `json:"handle" validate:"required"`
}

type pathParams struct {
	Handle string `json:"handle" validate:"required"`
	Path   string `json:"path" validate:"required"`
}

type getParams struct {
	Handle string `json:"handle" validate:"required"`
	Path   string `json:"path" validate:"required"`
}

type putParams struct {
	Handle  string `json:"handle" validate:"required"`
	Path    string `json:"path" validate:"required"`
	Content string `json:"content" validate:"required"`
	Append  bool   `json:"append"`
}

type renameParams struct {
	Handle string `json:"handle" validate:"required"`
	From   string `json:"from" validate:"required"`
	To     string `json:"to" validate:"required"`
}

// Register wires sftp.connect/list/get/put/delete/mkdir/rmdir/rename/close
// into disp.
func Register(disp *dispatch.Registry, reg *registry.Registry) {
	disp.Register("sftp", "connect", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		hostname, _ := params["hostname"].(string)
		login, _ := params["login"].(string)
		password, _ := params["password"].(string)
		forceTLS, _ := params["force_tls"].(bool)
		timeout := 30 * time.Second
		if v, ok := params["timeout_seconds"].(float64); ok && v > 0 {
			timeout = time.Duration(v) * time.Second
		}

		cfg := &libftpclient.Config{
			Hostname:    hostname,
			Login:       login,
			Password:    password,
			ConnTimeout: timeout,
			ForceTLS:    forceTLS,
		}

		cli, err := libftpclient.New(cfg)
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}

		handle, perr := reg.Put(registry.KindSFTPSession, cli, &registry.Options{
			Destructor: func() error { cli.Close(); return nil },
		}, ctx.RequestID)
		if perr != nil {
			return nil, perr
		}
		return map[string]interface{}{"handle": handle}, nil
	}, &validate.Schema{Target: &connectParams{}})

	disp.Register("sftp", "list", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		cli, e := lookupClient(reg, params)
		if e != nil {
			return nil, e
		}
		path, _ := params["path"].(string)
		entries, err := cli.List(path)
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		out := make([]map[string]interface{}, 0, len(entries))
		for _, en := range entries {
			out = append(out, map[string]interface{}{
				"name": en.Name,
				"size": en.Size,
				"type": int(en.Type),
				"time": en.Time.UTC().Format(time.RFC3339),
			})
		}
		return map[string]interface{}{"entries": out}, nil
	}, &validate.Schema{Target: &pathParams{}})

	disp.Register("sftp", "get", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		cli, e := lookupClient(reg, params)
		if e != nil {
			return nil, e
		}
		path, _ := params["path"].(string)
		resp, err := cli.Retr(path)
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		defer resp.Close()

		raw, err := io.ReadAll(resp)
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		return map[string]interface{}{"content": string(raw)}, nil
	}, &validate.Schema{Target: &getParams{}})

	disp.Register("sftp", "put", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		cli, e := lookupClient(reg, params)
		if e != nil {
			return nil, e
		}
		path, _ := params["path"].(string)
		content, _ := params["content"].(string)
		appendMode, _ := params["append"].(bool)

		r := bytes.NewBufferString(content)
		var err error
		if appendMode {
			err = cli.Append(path, r)
		} else {
			err = cli.Stor(path, r)
		}
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		return map[string]interface{}{"bytes_written": len(content)}, nil
	}, &validate.Schema{Target: &putParams{}})

	disp.Register("sftp", "delete", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		cli, e := lookupClient(reg, params)
		if e != nil {
			return nil, e
		}
		path, _ := params["path"].(string)
		if err := cli.Delete(path); err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		return map[string]interface{}{"deleted": true}, nil
	}, &validate.Schema{Target: &pathParams{}})

	disp.Register("sftp", "mkdir", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		cli, e := lookupClient(reg, params)
		if e != nil {
			return nil, e
		}
		path, _ := params["path"].(string)
		if err := cli.MakeDir(path); err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		return map[string]interface{}{"created": true}, nil
	}, &validate.Schema{Target: &pathParams{}})

	disp.Register("sftp", "rmdir", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		cli, e := lookupClient(reg, params)
		if e != nil {
			return nil, e
		}
		path, _ := params["path"].(string)
		if err := cli.RemoveDir(path); err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		return map[string]interface{}{"removed": true}, nil
	}, &validate.Schema{Target: &pathParams{}})

	disp.Register("sftp", "rename", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		cli, e := lookupClient(reg, params)
		if e != nil {
			return nil, e
		}
		from, _ := params["from"].(string)
		to, _ := params["to"].(string)
		if err := cli.Rename(from, to); err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		return map[string]interface{}{"renamed": true}, nil
	}, &validate.Schema{Target: &renameParams{}})

	disp.Register("sftp", "close", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		handle, _ := params["handle"].(string)
		if !reg.Delete(registry.KindSFTPSession, handle) {
			return nil, liberr.InvalidHandle.Errorf()
		}
		return map[string]interface{}{"closed": true}, nil
	}, &validate.Schema{Target: &handleParams{}})
}

func lookupClient(reg *registry.Registry, params map[string]interface{}) (libftpclient.FTPClient, liberr.Error) {
	handle, _ := params["handle"].(string)
	v, e := reg.Get(registry.KindSFTPSession, handle)
	if e != nil {
		return nil, e
	}
	cli, ok := v.(libftpclient.FTPClient)
	if !ok {
		return nil, liberr.InvalidHandle.Errorf()
	}
	return cli, nil
}
