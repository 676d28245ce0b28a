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

// Package xmldom implements the xmldom.* module (SPEC_FULL.md §4.11):
// CSS-selector-addressable document trees backed by PuerkitoBio/goquery,
// which wraps golang.org/x/net/html and andybalholm/cascadia. A parallel
// encoding/xml decode path backs xmldom.parse_strict for callers that need
// an XML-only parser (goquery is an HTML parser at heart and is lenient
// about malformed markup, which strict XML callers don't want).
package xmldom

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
)

type parseParams struct {
	Content string `json:"content" validate:"required"`
}

type handleParams struct {
	Handle string `json:"handle" validate:"required"`
}

type queryParams struct {
	Handle   string `json:"handle" validate:"required"`
	Selector string `json:"selector" validate:"required"`
}

type attrParams struct {
	Handle   string `json:"handle" validate:"required"`
	Selector string `json:"selector" validate:"required"`
	Name     string `json:"name" validate:"required"`
}

// Register wires xmldom.parse/parse_strict/query/html/attr/close into
// disp.
func Register(disp *dispatch.Registry, reg *registry.Registry) {
	disp.Register("xmldom", "parse", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		content, _ := params["content"].(string)
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
		if err != nil {
			return nil, liberr.DecodingError.Error(err)
		}

		handle, perr := reg.Put(registry.KindXMLDOMDoc, doc, nil, ctx.RequestID)
		if perr != nil {
			return nil, perr
		}
		return map[string]interface{}{"handle": handle}, nil
	}, &validate.Schema{Target: &parseParams{}})

	disp.Register("xmldom", "parse_strict", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		content, _ := params["content"].(string)
		dec := xml.NewDecoder(strings.NewReader(content))
		for {
			_, err := dec.Token()
			if err != nil {
				if err == io.EOF {
					break
				}
				return nil, liberr.DecodingError.Error(err)
			}
		}
		return map[string]interface{}{"well_formed": true}, nil
	}, &validate.Schema{Target: &parseParams{}})

	disp.Register("xmldom", "query", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		doc, e := lookupDoc(reg, params)
		if e != nil {
			return nil, e
		}
		selector, _ := params["selector"].(string)

		sel := doc.Find(selector)
		out := make([]string, 0, sel.Length())
		sel.Each(func(_ int, s *goquery.Selection) {
			out = append(out, strings.TrimSpace(s.Text()))
		})
		return map[string]interface{}{"matches": out, "count": sel.Length()}, nil
	}, &validate.Schema{Target: &queryParams{}})

	disp.Register("xmldom", "html", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		doc, e := lookupDoc(reg, params)
		if e != nil {
			return nil, e
		}
		selector, _ := params["selector"].(string)

		sel := doc.Find(selector)
		out := make([]string, 0, sel.Length())
		sel.Each(func(_ int, s *goquery.Selection) {
			h, err := s.Html()
			if err == nil {
				out = append(out, h)
			}
		})
		return map[string]interface{}{"matches": out}, nil
	}, &validate.Schema{Target: &queryParams{}})

	disp.Register("xmldom", "attr", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		doc, e := lookupDoc(reg, params)
		if e != nil {
			return nil, e
		}
		selector, _ := params["selector"].(string)
		name, _ := params["name"].(string)

		val, ok := doc.Find(selector).First().Attr(name)
		return map[string]interface{}{"value": val, "found": ok}, nil
	}, &validate.Schema{Target: &attrParams{}})

	disp.Register("xmldom", "close", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		handle, _ := params["handle"].(string)
		if !reg.Delete(registry.KindXMLDOMDoc, handle) {
			return nil, liberr.InvalidHandle.Errorf()
		}
		return map[string]interface{}{"closed": true}, nil
	}, &validate.Schema{Target: &handleParams{}})
}

func lookupDoc(reg *registry.Registry, params map[string]interface{}) (*goquery.Document, liberr.Error) {
	handle, _ := params["handle"].(string)
	v, e := reg.Get(registry.KindXMLDOMDoc, handle)
	if e != nil {
		return nil, e
	}
	doc, ok := v.(*goquery.Document)
	if !ok {
		return nil, liberr.InvalidHandle.Errorf()
	}
	return doc, nil
}
