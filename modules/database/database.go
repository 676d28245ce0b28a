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

// Package database implements the database.* module (SPEC_FULL.md §4.11):
// db_connection handles backed by gorm.io/gorm, grounded on the adapted
// database/gorm package. No db_statement handles are minted.
package database

import (
	"fmt"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/nabbar/cpan-bridge/broker/dispatch"
	"github.com/nabbar/cpan-bridge/broker/registry"
	"github.com/nabbar/cpan-bridge/broker/validate"
	libgorm "github.com/nabbar/cpan-bridge/database/gorm"
)

type connectParams struct {
	Driver string `json:"driver" validate:"required,oneof=mysql psql sqlite sqlserver clickhouse"`
	DSN    string `json:"dsn" validate:"required"`
}

type handleParams struct {
	Handle string `json:"handle" validate:"required"`
}

type execParams struct {
	Handle string                 `json:"handle" validate:"required"`
	Query  string                 `json:"query" validate:"required"`
	Args   map[string]interface{} `json:"args"`
}

// Register wires database.connect/query/exec/close into disp.
func Register(disp *dispatch.Registry, reg *registry.Registry) {
	disp.Register("database", "connect", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		driver, _ := params["driver"].(string)
		dsn, _ := params["dsn"].(string)

		cfg := &libgorm.Config{
			Driver:               libgorm.DriverFromString(driver),
			DSN:                  dsn,
			EnableConnectionPool: true,
			PoolMaxIdleConns:     2,
			PoolMaxOpenConns:     10,
		}
		if cfg.Driver == libgorm.DriverNone {
			return nil, liberr.InvalidParams.Error(fmt.Errorf("unsupported driver %q", driver))
		}

		db, e := libgorm.New(cfg)
		if e != nil {
			return nil, liberr.HandlerError.Error(e)
		}

		handle, perr := reg.Put(registry.KindDBConnection, db, &registry.Options{
			Destructor: func() error { db.Close(); return nil },
		}, ctx.RequestID)
		if perr != nil {
			return nil, perr
		}
		return map[string]interface{}{"handle": handle}, nil
	}, &validate.Schema{Target: &connectParams{}})

	disp.Register("database", "ping", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		db, e := lookupDB(reg, params)
		if e != nil {
			return nil, e
		}
		if ce := db.CheckConn(); ce != nil {
			return nil, liberr.HandlerError.Error(ce)
		}
		return map[string]interface{}{"ok": true}, nil
	}, &validate.Schema{Target: &handleParams{}})

	disp.Register("database", "exec", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		db, e := lookupDB(reg, params)
		if e != nil {
			return nil, e
		}
		query, _ := params["query"].(string)
		if query == "" {
			return nil, liberr.InvalidParams.Error(fmt.Errorf("query is required"))
		}
		args := flattenArgs(params["args"])

		tx := db.GetDB().Exec(query, args...)
		if tx.Error != nil {
			return nil, liberr.HandlerError.Error(tx.Error)
		}
		return map[string]interface{}{"rows_affected": tx.RowsAffected}, nil
	}, &validate.Schema{Target: &execParams{}})

	disp.Register("database", "query", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		db, e := lookupDB(reg, params)
		if e != nil {
			return nil, e
		}
		query, _ := params["query"].(string)
		if query == "" {
			return nil, liberr.InvalidParams.Error(fmt.Errorf("query is required"))
		}
		args := flattenArgs(params["args"])

		rows, err := db.GetDB().Raw(query, args...).Rows()
		if err != nil {
			return nil, liberr.HandlerError.Error(err)
		}
		defer rows.Close()

		cols, _ := rows.Columns()
		out := make([]map[string]interface{}, 0)
		for rows.Next() {
			vals := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, liberr.HandlerError.Error(err)
			}
			row := make(map[string]interface{}, len(cols))
			for i, c := range cols {
				row[c] = vals[i]
			}
			out = append(out, row)
		}
		return map[string]interface{}{"rows": out}, nil
	}, &validate.Schema{Target: &execParams{}})

	disp.Register("database", "close", func(ctx *dispatch.Context, params map[string]interface{}) (interface{}, error) {
		handle, _ := params["handle"].(string)
		if !reg.Delete(registry.KindDBConnection, handle) {
			return nil, liberr.InvalidHandle.Errorf()
		}
		return map[string]interface{}{"closed": true}, nil
	}, &validate.Schema{Target: &handleParams{}})
}

func lookupDB(reg *registry.Registry, params map[string]interface{}) (libgorm.Database, liberr.Error) {
	handle, _ := params["handle"].(string)
	v, e := reg.Get(registry.KindDBConnection, handle)
	if e != nil {
		return nil, e
	}
	db, ok := v.(libgorm.Database)
	if !ok {
		return nil, liberr.InvalidHandle.Errorf()
	}
	return db, nil
}

func flattenArgs(raw interface{}) []interface{} {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make([]interface{}, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
