package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// RPCHandler answers a remote procedure call in tests.
type RPCHandler func(params map[string]any) ([]byte, error)

// Memory is an in-memory Backend used by tests. Rows are stored as
// generic maps; remote procedures are answered by registered handlers
// and every call is recorded for assertions.
type Memory struct {
	mu       sync.Mutex
	tables   map[string][]map[string]any
	handlers map[string]RPCHandler
	calls    []rpcCall
	subs     map[string][]*memorySub
	errs     map[string]error
}

type rpcCall struct {
	fn     string
	params map[string]any
}

type memorySub struct {
	owner  *Memory
	table  string
	filter string
	fn     func(payload []byte)
	closed bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		tables:   make(map[string][]map[string]any),
		handlers: make(map[string]RPCHandler),
		subs:     make(map[string][]*memorySub),
		errs:     make(map[string]error),
	}
}

var _ Backend = (*Memory)(nil)

// Seed adds rows to a table.
func (m *Memory) Seed(table string, rows ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], rows...)
}

// Handle registers the handler answering a remote procedure.
func (m *Memory) Handle(fn string, handler RPCHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[fn] = handler
}

// FailTable makes every store operation on the table return err. A nil
// err clears the failure.
func (m *Memory) FailTable(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, table)
		return
	}
	m.errs[table] = err
}

// RPCCalls returns the recorded parameter sets for a procedure, in call
// order.
func (m *Memory) RPCCalls(fn string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, c := range m.calls {
		if c.fn == fn {
			out = append(out, c.params)
		}
	}
	return out
}

// Rows returns a copy of the current rows in a table.
func (m *Memory) Rows(table string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	out := make([]map[string]any, len(rows))
	copy(out, rows)
	return out
}

// EmitChange delivers a change notification to subscribers of the table.
// Subscribers with a row filter only fire when the filter matches.
func (m *Memory) EmitChange(table, filter string, payload []byte) {
	m.mu.Lock()
	var targets []func(payload []byte)
	for _, sub := range m.subs[table] {
		if sub.closed {
			continue
		}
		if sub.filter != "" && filter != "" && sub.filter != filter {
			continue
		}
		targets = append(targets, sub.fn)
	}
	m.mu.Unlock()

	for _, fn := range targets {
		fn(payload)
	}
}

func (m *Memory) Select(ctx context.Context, q Query) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs[q.Table]; err != nil {
		return nil, err
	}

	var matched []map[string]any
	for _, row := range m.tables[q.Table] {
		if rowMatches(row, q.Filters) {
			matched = append(matched, row)
		}
	}

	if q.OrderBy != "" {
		col, desc := q.OrderBy, q.Descending
		sort.SliceStable(matched, func(i, j int) bool {
			a := fmt.Sprint(matched[i][col])
			b := fmt.Sprint(matched[j][col])
			if desc {
				return a > b
			}
			return a < b
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	if q.Single {
		if len(matched) != 1 {
			return nil, fmt.Errorf("select %s: expected one row, got %d", q.Table, len(matched))
		}
		return json.Marshal(matched[0])
	}
	if matched == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(matched)
}

func (m *Memory) Insert(ctx context.Context, table string, record any) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs[table]; err != nil {
		return nil, err
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("insert %s: record must be an object: %w", table, err)
	}
	m.tables[table] = append(m.tables[table], row)
	return raw, nil
}

func (m *Memory) Update(ctx context.Context, table string, fields map[string]any, filters ...Filter) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs[table]; err != nil {
		return nil, err
	}

	var updated []map[string]any
	for _, row := range m.tables[table] {
		if rowMatches(row, filters) {
			for k, v := range fields {
				row[k] = v
			}
			updated = append(updated, row)
		}
	}
	if updated == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(updated)
}

func (m *Memory) Delete(ctx context.Context, table string, filters ...Filter) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs[table]; err != nil {
		return nil, err
	}

	var kept, removed []map[string]any
	for _, row := range m.tables[table] {
		if rowMatches(row, filters) {
			removed = append(removed, row)
		} else {
			kept = append(kept, row)
		}
	}
	m.tables[table] = kept
	if removed == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(removed)
}

func (m *Memory) CallRPC(ctx context.Context, fn string, params map[string]any) ([]byte, error) {
	m.mu.Lock()
	handler, ok := m.handlers[fn]
	m.calls = append(m.calls, rpcCall{fn: fn, params: params})
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("rpc %s: no handler registered", fn)
	}
	return handler(params)
}

func (m *Memory) SubscribeChanges(ctx context.Context, table, filter string, fn func(payload []byte)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memorySub{owner: m, table: table, filter: filter, fn: fn}
	m.subs[table] = append(m.subs[table], sub)
	return sub, nil
}

func (s *memorySub) Unsubscribe(ctx context.Context) error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.closed = true
	return nil
}

func rowMatches(row map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got, ok := row[f.Column]
		switch f.Op {
		case "is":
			want := fmt.Sprint(f.Value)
			if want == "null" {
				if ok && got != nil {
					return false
				}
				continue
			}
			if !ok || fmt.Sprint(got) != want {
				return false
			}
		default:
			if !ok || fmt.Sprint(got) != fmt.Sprint(f.Value) {
				return false
			}
		}
	}
	return true
}
