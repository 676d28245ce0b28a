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

// Package smtp implements the smtp.* module (SPEC_FULL.md §4.11): outbound
// mail sessions backed by xhit/go-simple-mail, grounded on the general
// session-handle idiom the broker uses for every other transport module
// (see database, sftp, http).
package smtp

import (
	"time"

	libmail "github.com/xhit/go-simple-mail"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
)

type connectParams struct {
	Host           string `json:"host" validate:"required"`
	Port           int    `json:"port" validate:"required,min=1,max=65535"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Encryption     string `json:"encryption" validate:"omitempty,oneof=none ssl tls"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type handleParams struct {
	Handle string `json:"handle" validate:"required"`
}

type sendParams struct {
	Handle  string   `json:"handle" validate:"required"`
	From    string   `json:"from" validate:"required,email"`
	To      []string `json:"to" validate:"required,min=1,dive,email"`
	Cc      []string `json:"cc" validate:"omitempty,dive,email"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	HTML    bool     `json:"html"`
}

// session wraps a connected SMTP client for reuse across smtp.send calls.
type session struct {
	client *libmail.SMTPClient
}

// Register wires smtp.connect/send/close into disp.
func Register(disp *dispatch.Registry, reg *registry.Registry) {
	disp.Register("smtp", "connect", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		host, _ := params["host"].(string)
		username, _ := params["username"].(string)
		password, _ := params["password"].(string)
		encryption, _ := params["encryption"].(string)
		port := 587
		if v, ok := params["port"].(float64); ok && v > 0 {
			port = int(v)
		}
		timeout := 10 * time.Second
		if v, ok := params["timeout_seconds"].(float64); ok && v > 0 {
			timeout = time.Duration(v) * time.Second
		}

		server := libmail.NewSMTPClient()
		server.Host = host
		server.Port = port
		server.Username = username
		server.Password = password
		server.ConnectTimeout = timeout
		server.SendTimeout = timeout
		server.KeepAlive = true

		switch encryption {
		case "ssl":
			server.Encryption = libmail.EncryptionSSL
		case "tls":
			server.Encryption = libmail.EncryptionTLS
		default:
			server.Encryption = libmail.EncryptionNone
		}
		if username != "" {
			server.Authentication = libmail.AuthPlain
		}

		cli, err := server.Connect()
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}

		sess := &session{client: cli}
		handle, perr := reg.Put(registry.KindSMTPSession, sess, &registry.Options{
			Destructor: func() error { return sess.client.Close() },
		}, ctx.RequestID)
		if perr != nil {
			return nil, perr
		}
		return map[string]interface{}{"handle": handle}, nil
	}, &validate.Schema{Target: &connectParams{}})

	disp.Register("smtp", "send", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		sess, e := lookupSession(reg, params)
		if e != nil {
			return nil, e
		}

		from, _ := params["from"].(string)
		subject, _ := params["subject"].(string)
		body, _ := params["body"].(string)
		html, _ := params["html"].(bool)
		to := toStringSlice(params["to"])
		cc := toStringSlice(params["cc"])

		msg := libmail.NewMSG()
		msg.SetFrom(from).AddTo(to...).SetSubject(subject)
		if len(cc) > 0 {
			msg.AddCc(cc...)
		}
		if html {
			msg.SetBody(libmail.TextHTML, body)
		} else {
			msg.SetBody(libmail.TextPlain, body)
		}

		if err := msg.Send(sess.client); err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		return map[string]interface{}{"sent": true}, nil
	}, &validate.Schema{Target: &sendParams{}})

	disp.Register("smtp", "close", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		handle, _ := params["handle"].(string)
		if !reg.Delete(registry.KindSMTPSession, handle) {
			return nil, liberr.InvalidHandle.Errorf()
		}
		return map[string]interface{}{"closed": true}, nil
	}, &validate.Schema{Target: &handleParams{}})
}

func lookupSession(reg *registry.Registry, params map[string]interface{}) (*session, liberr.Error) {
	handle, _ := params["handle"].(string)
	v, e := reg.Get(registry.KindSMTPSession, handle)
	if e != nil {
		return nil, e
	}
	sess, ok := v.(*session)
	if !ok {
		return nil, liberr.InvalidHandle.Errorf()
	}
	return sess, nil
}

func toStringSlice(raw interface{}) []string {
	arr, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
