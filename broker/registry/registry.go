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

// Package registry is the broker's thread-safe resource registry (spec §3,
// §4.3): one table per handle Kind, each independently locked, giving
// persistent identity across calls to connections, statements, sessions,
// workbooks, cipher contexts and parsed documents.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	liberr "github.com/nabbar/cpan-bridge/broker/brokererr"
	"github.com/google/uuid"
)

// Kind is the closed set of resource categories named in spec §3.
type Kind string

const (
	KindDBConnection  Kind = "db_connection"
	KindDBStatement   Kind = "db_statement"
	KindHTTPSession   Kind = "http_session"
	KindSFTPSession   Kind = "sftp_session"
	KindSMTPSession   Kind = "smtp_session"
	KindWorkbook      Kind = "workbook"
	KindWorksheet     Kind = "worksheet"
	KindXMLDocument   Kind = "xml_document"
	KindXMLDOMParser  Kind = "xml_dom_parser"
	KindXMLDOMDoc     Kind = "xml_dom_document"
	KindXMLDOMNode    Kind = "xml_dom_node"
	KindXMLDOMNodeSet Kind = "xml_dom_nodelist"
	KindCipher        Kind = "cipher"
	KindLogger        Kind = "logger"
	KindLockfile      Kind = "lockfile"
)

// knownKinds is consulted to validate a Kind at Put time, independent of
// whether any table for it has been created yet.
var knownKinds = map[Kind]bool{
	KindDBConnection: true, KindDBStatement: true, KindHTTPSession: true,
	KindSFTPSession: true, KindSMTPSession: true, KindWorkbook: true,
	KindWorksheet: true, KindXMLDocument: true, KindXMLDOMParser: true,
	KindXMLDOMDoc: true, KindXMLDOMNode: true, KindXMLDOMNodeSet: true,
	KindCipher: true, KindLogger: true, KindLockfile: true,
}

// Options customizes a single Put call.
type Options struct {
	TTL        time.Duration
	Destructor func() error
}

// Summary is the diagnostic view returned by List and used by system.connections.
type Summary struct {
	Handle       string    `json:"handle"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	OwnerConnID  string    `json:"owner_conn_id,omitempty"`
}

// Stats is the per-kind counter view used by system.metrics.
type Stats struct {
	Count    int           `json:"count"`
	OldestAge int64         `json:"oldest_age_ms"`
}

type entry struct {
	value       interface{}
	kind        Kind
	createdAt   time.Time
	lastUsedAt  time.Time
	ttl         time.Duration
	destructor  func() error
	ownerConnID string
}

type table struct {
	mu       sync.Mutex
	items    map[string]*entry
	capacity int
	ttl      time.Duration
}

// Registry holds one table per Kind. ReapIdle and Shutdown visit tables in
// the fixed order of Kinds(); List and StatsByKind visit them in map order.
// No operation holds more than one table lock at a time.
type Registry struct {
	mu        sync.RWMutex
	tables    map[Kind]*table
	defTTL    map[Kind]time.Duration
	defCap    map[Kind]int
	onEvict   func(kind Kind, handle string)
}

// New builds a Registry. defTTL/defCap supply the per-kind idle TTL and
// capacity from config; missing kinds fall back to fallbackTTL/fallbackCap.
func New(defTTL map[Kind]time.Duration, defCap map[Kind]int, fallbackTTL time.Duration, fallbackCap int) *Registry {
	r := &Registry{
		tables: make(map[Kind]*table),
		defTTL: map[Kind]time.Duration{},
		defCap: map[Kind]int{},
	}
	for k := range knownKinds {
		ttl := fallbackTTL
		if v, ok := defTTL[k]; ok {
			ttl = v
		}
		cap_ := fallbackCap
		if v, ok := defCap[k]; ok {
			cap_ = v
		}
		r.defTTL[k] = ttl
		r.defCap[k] = cap_
		r.tables[k] = &table{items: make(map[string]*entry), capacity: cap_, ttl: ttl}
	}
	return r
}

// OnEvict registers a callback invoked (outside any lock) whenever an entry
// is evicted, for metrics/audit logging.
func (r *Registry) OnEvict(fn func(kind Kind, handle string)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

func newHandle(kind Kind) string {
	id := uuid.New()
	h := hex.EncodeToString(id[:])
	return fmt.Sprintf("%s_%s", kind, h)
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Put mints a new handle for value under kind, evicting the oldest-idle
// entry first if the kind is at capacity. Reaching capacity is never an
// error; Put fails only for a kind outside Kinds(), with InvalidParams.
func (r *Registry) Put(kind Kind, value interface{}, opts *Options, ownerConnID string) (string, liberr.Error) {
	r.mu.RLock()
	t, ok := r.tables[kind]
	r.mu.RUnlock()
	if !ok {
		return "", liberr.InvalidParams.Errorf("unknown resource kind %q", kind)
	}

	ttl := t.ttl
	var destructor func() error
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		destructor = opts.Destructor
	}

	now := time.Now()
	h := newHandle(kind)

	t.mu.Lock()
	t.items[h] = &entry{
		value:       value,
		kind:        kind,
		createdAt:   now,
		lastUsedAt:  now,
		ttl:         ttl,
		destructor:  destructor,
		ownerConnID: ownerConnID,
	}
	var evicted []string
	for t.capacity > 0 && len(t.items) > t.capacity {
		oldest := ""
		var oldestAt time.Time
		for k, e := range t.items {
			if oldest == "" || e.lastUsedAt.Before(oldestAt) {
				oldest = k
				oldestAt = e.lastUsedAt
			}
		}
		if oldest == "" {
			break
		}
		e := t.items[oldest]
		delete(t.items, oldest)
		evicted = append(evicted, oldest)
		if e.destructor != nil {
			_ = e.destructor()
		}
	}
	t.mu.Unlock()

	r.notifyEvicted(kind, evicted)
	return h, nil
}

func (r *Registry) notifyEvicted(kind Kind, handles []string) {
	if len(handles) == 0 {
		return
	}
	r.mu.RLock()
	cb := r.onEvict
	r.mu.RUnlock()
	if cb == nil {
		return
	}
	for _, h := range handles {
		cb(kind, h)
	}
}

// Get fetches the live value for handle and refreshes last_used_at. Returns
// InvalidHandle if the handle is missing (wrong kind, evicted, or never existed).
func (r *Registry) Get(kind Kind, handle string) (interface{}, liberr.Error) {
	r.mu.RLock()
	t, ok := r.tables[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, liberr.InvalidHandle.Errorf("unknown resource kind %q", kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.items[handle]
	if !ok {
		return nil, liberr.InvalidHandle.Errorf("no live resource for handle %q", handle)
	}
	e.lastUsedAt = time.Now()
	return e.value, nil
}

// Touch refreshes last_used_at without returning the value. Idempotent;
// missing handles are a silent no-op, matching spec §4.3.
func (r *Registry) Touch(kind Kind, handle string) {
	r.mu.RLock()
	t, ok := r.tables[kind]
	r.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	if e, ok := t.items[handle]; ok {
		e.lastUsedAt = time.Now()
	}
	t.mu.Unlock()
}

// Delete runs handle's destructor exactly once and removes it. Returns
// ok=true the first time, ok=false (missing) on any subsequent call.
func (r *Registry) Delete(kind Kind, handle string) bool {
	r.mu.RLock()
	t, ok := r.tables[kind]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	e, ok := t.items[handle]
	if ok {
		delete(t.items, handle)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	if e.destructor != nil {
		_ = e.destructor()
	}
	return true
}

// ReapIdle evicts every entry whose idle time exceeds its TTL across all
// kinds, in a fixed kind order, and returns the number reaped. It is
// non-preempting: a handler holding a value via a prior Get is unaffected.
func (r *Registry) ReapIdle() int {
	r.mu.RLock()
	tables := make(map[Kind]*table, len(r.tables))
	for k, t := range r.tables {
		tables[k] = t
	}
	r.mu.RUnlock()

	count := 0
	now := time.Now()

	for _, kind := range Kinds() {
		t, ok := tables[kind]
		if !ok {
			continue
		}

		var expired []string
		var destructors []func() error

		t.mu.Lock()
		for h, e := range t.items {
			if e.ttl > 0 && now.Sub(e.lastUsedAt) > e.ttl {
				expired = append(expired, h)
				destructors = append(destructors, e.destructor)
			}
		}
		for _, h := range expired {
			delete(t.items, h)
		}
		t.mu.Unlock()

		for _, d := range destructors {
			if d != nil {
				_ = d()
			}
		}
		count += len(expired)
		r.notifyEvicted(kind, expired)
	}
	return count
}

// List returns diagnostic summaries, optionally filtered to one kind.
func (r *Registry) List(kind Kind) []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Summary
	for k, t := range r.tables {
		if kind != "" && k != kind {
			continue
		}
		t.mu.Lock()
		for h, e := range t.items {
			out = append(out, Summary{
				Handle:      h,
				Kind:        k,
				CreatedAt:   e.createdAt,
				LastUsedAt:  e.lastUsedAt,
				OwnerConnID: e.ownerConnID,
			})
		}
		t.mu.Unlock()
	}
	return out
}

// StatsByKind returns counts and oldest-entry age for every kind.
func (r *Registry) StatsByKind() map[Kind]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Kind]Stats, len(r.tables))
	now := time.Now()
	for k, t := range r.tables {
		t.mu.Lock()
		s := Stats{Count: len(t.items)}
		for _, e := range t.items {
			age := now.Sub(e.createdAt).Milliseconds()
			if age > s.OldestAge {
				s.OldestAge = age
			}
		}
		t.mu.Unlock()
		out[k] = s
	}
	return out
}

// Kinds returns the closed set of kinds in a fixed, stable order — used both
// for iteration during ReapIdle and to document the registry's closed set.
func Kinds() []Kind {
	return []Kind{
		KindDBConnection, KindDBStatement, KindHTTPSession, KindSFTPSession,
		KindSMTPSession, KindWorkbook, KindWorksheet, KindXMLDocument,
		KindXMLDOMParser, KindXMLDOMDoc, KindXMLDOMNode, KindXMLDOMNodeSet,
		KindCipher, KindLogger, KindLockfile,
	}
}

// Shutdown destructor-evicts every entry in every kind, in a fixed order,
// used by daemon shutdown (spec §4.7/§4.8).
func (r *Registry) Shutdown() {
	r.mu.RLock()
	tables := make(map[Kind]*table, len(r.tables))
	for k, t := range r.tables {
		tables[k] = t
	}
	r.mu.RUnlock()

	for _, kind := range Kinds() {
		t, ok := tables[kind]
		if !ok {
			continue
		}
		t.mu.Lock()
		items := t.items
		t.items = make(map[string]*entry)
		t.mu.Unlock()

		for _, e := range items {
			if e.destructor != nil {
				_ = e.destructor()
			}
		}
	}
}
