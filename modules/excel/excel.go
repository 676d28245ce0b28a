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

// Package excel implements the excel.* module (SPEC_FULL.md §4.11): a
// minimal xlsx reader/writer built directly on archive/zip + encoding/xml.
// No library in the retrieval pack speaks the OOXML spreadsheet format
// (see DESIGN.md), so this module is the one stdlib-only exception to the
// broker's third-party-first policy.
package excel

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
)

type sheetXML struct {
	XMLName xml.Name `xml:"worksheet"`
	Data    struct {
		Rows []struct {
			Cells []struct {
				Ref   string `xml:"r,attr"`
				Value string `xml:"v"`
			} `xml:"c"`
		} `xml:"row"`
	} `xml:"sheetData"`
}

// workbook is the open, in-memory representation of a single-sheet xlsx
// document. Multi-sheet workbooks are not supported: only sheet1 is read
// and written.
type workbook struct {
	rows [][]string
}

type openParams struct {
	Content string `json:"content" validate:"required"`
}

type newParams struct{}

type handleParams struct {
	Handle string `json:"handle" validate:"required"`
}

type cellParams struct {
	Handle string `json:"handle" validate:"required"`
	Row    int    `json:"row" validate:"min=0"`
	Col    int    `json:"col" validate:"min=0"`
}

type setCellParams struct {
	Handle string `json:"handle" validate:"required"`
	Row    int    `json:"row" validate:"min=0"`
	Col    int    `json:"col" validate:"min=0"`
	Value  string `json:"value"`
}

// Register wires excel.new/open/get_cell/set_cell/rows/export/close into
// disp.
func Register(disp *dispatch.Registry, reg *registry.Registry) {
	disp.Register("excel", "new", func(ctx *dispatch.Context, _ map[string]interface{}) (interface{}, error) {
		wb := &workbook{}
		handle, perr := reg.Put(registry.KindWorkbook, wb, nil, ctx.RequestID)
		if perr != nil {
			return nil, perr
		}
		return map[string]interface{}{"handle": handle}, nil
	}, &validate.Schema{Target: &newParams{}})

	disp.Register("excel", "open", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		encoded, _ := params["content"].(string)
		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, liberr.DecodingError.Error(err)
		}

		rows, err := readXLSX(content)
		if err != nil {
			return nil, liberr.DecodingError.Error(err)
		}

		wb := &workbook{rows: rows}
		handle, perr := reg.Put(registry.KindWorkbook, wb, nil, ctx.RequestID)
		if perr != nil {
			return nil, perr
		}
		return map[string]interface{}{"handle": handle, "row_count": len(rows)}, nil
	}, &validate.Schema{Target: &openParams{}})

	disp.Register("excel", "rows", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		wb, e := lookupWorkbook(reg, params)
		if e != nil {
			return nil, e
		}
		return map[string]interface{}{"rows": wb.rows}, nil
	}, &validate.Schema{Target: &handleParams{}})

	disp.Register("excel", "get_cell", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		wb, e := lookupWorkbook(reg, params)
		if e != nil {
			return nil, e
		}
		row := paramInt(params, "row")
		col := paramInt(params, "col")
		if row < 0 || row >= len(wb.rows) || col < 0 || col >= len(wb.rows[row]) {
			return map[string]interface{}{"value": ""}, nil
		}
		return map[string]interface{}{"value": wb.rows[row][col]}, nil
	}, &validate.Schema{Target: &cellParams{}})

	disp.Register("excel", "set_cell", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		wb, e := lookupWorkbook(reg, params)
		if e != nil {
			return nil, e
		}
		row := paramInt(params, "row")
		col := paramInt(params, "col")
		value, _ := params["value"].(string)

		for len(wb.rows) <= row {
			wb.rows = append(wb.rows, nil)
		}
		for len(wb.rows[row]) <= col {
			wb.rows[row] = append(wb.rows[row], "")
		}
		wb.rows[row][col] = value
		return map[string]interface{}{"set": true}, nil
	}, &validate.Schema{Target: &setCellParams{}})

	disp.Register("excel", "export", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		wb, e := lookupWorkbook(reg, params)
		if e != nil {
			return nil, e
		}
		raw, err := writeXLSX(wb.rows)
		if err != nil {
			return nil, liberr.EncodingError.Error(err)
		}
		return map[string]interface{}{"content": base64.StdEncoding.EncodeToString([]byte(raw))}, nil
	}, &validate.Schema{Target: &handleParams{}})

	disp.Register("excel", "close", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		handle, _ := params["handle"].(string)
		if !reg.Delete(registry.KindWorkbook, handle) {
			return nil, liberr.InvalidHandle.Errorf()
		}
		return map[string]interface{}{"closed": true}, nil
	}, &validate.Schema{Target: &handleParams{}})
}

func lookupWorkbook(reg *registry.Registry, params map[string]interface{}) (*workbook, liberr.Error) {
	handle, _ := params["handle"].(string)
	v, e := reg.Get(registry.KindWorkbook, handle)
	if e != nil {
		return nil, e
	}
	wb, ok := v.(*workbook)
	if !ok {
		return nil, liberr.InvalidHandle.Errorf()
	}
	return wb, nil
}

func paramInt(params map[string]interface{}, key string) int {
	if v, ok := params[key].(float64); ok {
		return int(v)
	}
	return 0
}

// readXLSX extracts sheet1's cell grid from the workbook's first worksheet
// part, ignoring styles, shared strings formatting, and every part other
// than sheet1.xml (merged cells, formulas, and multi-sheet workbooks are
// out of scope).
func readXLSX(raw []byte) ([][]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, err
	}

	var sheetData []byte
	for _, f := range zr.File {
		if f.Name == "xl/worksheets/sheet1.xml" {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			sheetData, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, err
			}
			break
		}
	}
	if sheetData == nil {
		return nil, fmt.Errorf("xl/worksheets/sheet1.xml not found in archive")
	}

	var sheet sheetXML
	if err := xml.Unmarshal(sheetData, &sheet); err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(sheet.Data.Rows))
	for _, r := range sheet.Data.Rows {
		row := make([]string, 0, len(r.Cells))
		for _, c := range r.Cells {
			row = append(row, c.Value)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// writeXLSX produces a minimal single-sheet xlsx archive: only the parts
// required by the OOXML spec for a reader to recognize the document
// ([Content_Types].xml, workbook.xml, the workbook rels, and sheet1.xml).
func writeXLSX(rows [][]string) (string, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	write := func(name, content string) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write([]byte(content))
		return err
	}

	if err := write("[Content_Types].xml", contentTypesXML); err != nil {
		return "", err
	}
	if err := write("_rels/.rels", rootRelsXML); err != nil {
		return "", err
	}
	if err := write("xl/workbook.xml", workbookXML); err != nil {
		return "", err
	}
	if err := write("xl/_rels/workbook.xml.rels", workbookRelsXML); err != nil {
		return "", err
	}
	if err := write("xl/worksheets/sheet1.xml", renderSheetXML(rows)); err != nil {
		return "", err
	}

	if err := zw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderSheetXML(rows [][]string) string {
	buf := &bytes.Buffer{}
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	buf.WriteString(`<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main"><sheetData>`)
	for ri, row := range rows {
		fmt.Fprintf(buf, `<row r="%d">`, ri+1)
		for ci, cell := range row {
			ref := cellRef(ri, ci)
			fmt.Fprintf(buf, `<c r="%s" t="str"><v>%s</v></c>`, ref, xmlEscape(cell))
		}
		buf.WriteString(`</row>`)
	}
	buf.WriteString(`</sheetData></worksheet>`)
	return buf.String()
}

func cellRef(row, col int) string {
	letters := ""
	n := col + 1
	for n > 0 {
		n--
		letters = string(rune('A'+n%26)) + letters
		n /= 26
	}
	return letters + strconv.Itoa(row+1)
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
	`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
	`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
	`<Default Extension="xml" ContentType="application/xml"/>` +
	`<Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/>` +
	`<Override PartName="/xl/worksheets/sheet1.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/>` +
	`</Types>`

const rootRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
	`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="xl/workbook.xml"/>` +
	`</Relationships>`

const workbookXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
	`<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">` +
	`<sheets><sheet name="Sheet1" sheetId="1" r:id="rId1"/></sheets>` +
	`</workbook>`

const workbookRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
	`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet1.xml"/>` +
	`</Relationships>`
