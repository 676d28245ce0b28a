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

// Package crypto implements the crypto.* module (SPEC_FULL.md §4.11):
// AES-GCM cipher handles backed by the adapted crypt package.
package crypto

import (
	"encoding/hex"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
	libcrypt "github.com/nabbar/cpan-bridge/crypt"
)

type openParams struct {
	HexKey   string `json:"hex_key"`
	HexNonce string `json:"hex_nonce"`
}

type handleParams struct {
	Handle string `json:"handle" validate:"required"`
}

type encodeParams struct {
	Handle    string `json:"handle" validate:"required"`
	Plaintext string `json:"plaintext" validate:"required"`
}

type decodeParams struct {
	Handle     string `json:"handle" validate:"required"`
	Ciphertext string `json:"ciphertext" validate:"required"`
}

// Register wires crypto.open/encode/decode/close into disp. A fresh
// random key/nonce is generated with GenKey/GenNonce when the caller
// doesn't supply hex_key/hex_nonce, and returned so the caller can
// persist it for a later session.
func Register(disp *dispatch.Registry, reg *registry.Registry) {
	disp.Register("crypto", "open", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		hexKey, _ := params["hex_key"].(string)
		hexNonce, _ := params["hex_nonce"].(string)

		var (
			key   [32]byte
			nonce [12]byte
			err   error
		)

		if hexKey != "" {
			if key, err = libcrypt.GetHexKey(hexKey); err != nil {
				return nil, liberr.InvalidParams.Error(err)
			}
		} else if key, err = libcrypt.GenKey(); err != nil {
			return nil, liberr.HandlerError.Error(err)
		}

		if hexNonce != "" {
			if nonce, err = libcrypt.GetHexNonce(hexNonce); err != nil {
				return nil, liberr.InvalidParams.Error(err)
			}
		} else if nonce, err = libcrypt.GenNonce(); err != nil {
			return nil, liberr.HandlerError.Error(err)
		}

		c, err := libcrypt.New(key, nonce)
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}

		handle, perr := reg.Put(registry.KindCipher, c, nil, ctx.RequestID)
		if perr != nil {
			return nil, perr
		}
		return map[string]interface{}{
			"handle":    handle,
			"hex_key":   hex.EncodeToString(key[:]),
			"hex_nonce": hex.EncodeToString(nonce[:]),
		}, nil
	}, &validate.Schema{Target: &openParams{}})

	disp.Register("crypto", "encode", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		c, e := lookupCipher(reg, params)
		if e != nil {
			return nil, e
		}
		plaintext, _ := params["plaintext"].(string)
		out := c.EncodeHex([]byte(plaintext))
		return map[string]interface{}{"ciphertext": string(out)}, nil
	}, &validate.Schema{Target: &encodeParams{}})

	disp.Register("crypto", "decode", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		c, e := lookupCipher(reg, params)
		if e != nil {
			return nil, e
		}
		ciphertext, _ := params["ciphertext"].(string)
		out, err := c.DecodeHex([]byte(ciphertext))
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		return map[string]interface{}{"plaintext": string(out)}, nil
	}, &validate.Schema{Target: &decodeParams{}})

	disp.Register("crypto", "close", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		handle, _ := params["handle"].(string)
		if !reg.Delete(registry.KindCipher, handle) {
			return nil, liberr.InvalidHandle.Errorf()
		}
		return map[string]interface{}{"closed": true}, nil
	}, &validate.Schema{Target: &handleParams{}})
}

func lookupCipher(reg *registry.Registry, params map[string]interface{}) (libcrypt.Crypt, liberr.Error) {
	handle, _ := params["handle"].(string)
	v, e := reg.Get(registry.KindCipher, handle)
	if e != nil {
		return nil, e
	}
	c, ok := v.(libcrypt.Crypt)
	if !ok {
		return nil, liberr.InvalidHandle.Errorf()
	}
	return c, nil
}
