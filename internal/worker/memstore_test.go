package worker

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bracketrun/equityfleet/internal/store"
)

// memStore is a minimal in-memory interpreter of the handful of fixed SQL
// shapes lock.Service/lifecycle.Service/orders.Service issue. It exists so
// worker_test.go can drive the real concrete services end to end without a
// live database or a brittle sqlmock expectation script for every goroutine
// interleaving Run() produces; each package's own unit tests already cover
// SQL correctness against go-sqlmock.
type memStore struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
}

func newMemStore() *memStore {
	return &memStore{tables: make(map[string][]map[string]any)}
}

var (
	insertRe = regexp.MustCompile(`(?is)^\s*INSERT INTO (\w+)\s*\(([^)]*)\)\s*VALUES\s*\(([^)]*)\)(?:\s*ON CONFLICT\s*\(([^)]*)\)\s*DO NOTHING)?\s*$`)
	updateRe = regexp.MustCompile(`(?is)^\s*UPDATE (\w+) SET (.+?) WHERE (.+)$`)
	selectRe = regexp.MustCompile(`(?is)^\s*SELECT (.+?) FROM (\w+)(?:\s+WHERE (.+))?$`)
	condEqRe = regexp.MustCompile(`(?i)^(\w+)\s*(!=|=|<)\s*\?$`)
	condInRe = regexp.MustCompile(`(?i)^(\w+)\s+(NOT\s+)?IN\s*\(([^)]*)\)$`)
)

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type condition struct {
	col     string
	op      string // "=", "!=", "<", "in", "not_in"
	nargs   int
}

func parseConditions(where string) []condition {
	parts := regexp.MustCompile(`(?i)\s+AND\s+`).Split(where, -1)
	conds := make([]condition, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if m := condInRe.FindStringSubmatch(p); m != nil {
			op := "in"
			if strings.TrimSpace(m[2]) != "" {
				op = "not_in"
			}
			conds = append(conds, condition{col: m[1], op: op, nargs: len(splitCSV(m[3]))})
			continue
		}
		if m := condEqRe.FindStringSubmatch(p); m != nil {
			op := map[string]string{"=": "=", "!=": "!=", "<": "<"}[m[2]]
			conds = append(conds, condition{col: m[1], op: op, nargs: 1})
			continue
		}
		panic("memstore: unrecognized WHERE condition: " + p)
	}
	return conds
}

func matches(row map[string]any, conds []condition, args []any) (bool, int) {
	consumed := 0
	for _, c := range conds {
		switch c.op {
		case "=":
			if !equal(row[c.col], args[consumed]) {
				return false, 0
			}
		case "!=":
			if equal(row[c.col], args[consumed]) {
				return false, 0
			}
		case "<":
			if !lessThan(row[c.col], args[consumed]) {
				return false, 0
			}
		case "in":
			found := false
			for i := 0; i < c.nargs; i++ {
				if equal(row[c.col], args[consumed+i]) {
					found = true
				}
			}
			if !found {
				return false, 0
			}
		case "not_in":
			for i := 0; i < c.nargs; i++ {
				if equal(row[c.col], args[consumed+i]) {
					return false, 0
				}
			}
		}
		consumed += c.nargs
	}
	return true, consumed
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// lessThan only ever compares time.Time values in this schema (expires_at <
// now, in CleanupExpired).
func lessThan(a, b any) bool {
	at, ok := a.(time.Time)
	if !ok {
		return false
	}
	bt, ok := b.(time.Time)
	if !ok {
		return false
	}
	return at.Before(bt)
}

func assignInto(dest any, v any) error {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr {
		return fmt.Errorf("memstore: scan destination must be a pointer")
	}
	elem := rv.Elem()
	sv := reflect.ValueOf(v)
	if !sv.Type().ConvertibleTo(elem.Type()) {
		return fmt.Errorf("memstore: cannot scan %T into %s", v, elem.Type())
	}
	elem.Set(sv.Convert(elem.Type()))
	return nil
}

func (m *memStore) execInsert(query string, args []any) (bool, error) {
	mm := insertRe.FindStringSubmatch(query)
	if mm == nil {
		return false, fmt.Errorf("memstore: unrecognized INSERT: %s", query)
	}
	table, colsCSV, _, conflictCol := mm[1], mm[2], mm[3], strings.TrimSpace(mm[4])
	cols := splitCSV(colsCSV)
	if len(cols) != len(args) {
		return false, fmt.Errorf("memstore: insert into %s: %d cols, %d args", table, len(cols), len(args))
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = args[i]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if conflictCol != "" {
		for _, existing := range m.tables[table] {
			if equal(existing[conflictCol], row[conflictCol]) {
				return false, nil
			}
		}
	}
	m.tables[table] = append(m.tables[table], row)
	return true, nil
}

func (m *memStore) execUpdate(query string, args []any) (int64, error) {
	mm := updateRe.FindStringSubmatch(query)
	if mm == nil {
		return 0, fmt.Errorf("memstore: unrecognized UPDATE: %s", query)
	}
	table, setClause, whereClause := mm[1], mm[2], mm[3]
	setCols := []string{}
	for _, a := range splitCSV(setClause) {
		parts := strings.SplitN(a, "=", 2)
		setCols = append(setCols, strings.TrimSpace(parts[0]))
	}
	conds := parseConditions(whereClause)

	m.mu.Lock()
	defer m.mu.Unlock()
	setArgs := args[:len(setCols)]
	whereArgs := args[len(setCols):]
	var affected int64
	for _, row := range m.tables[table] {
		ok, _ := matches(row, conds, whereArgs)
		if !ok {
			continue
		}
		for i, c := range setCols {
			row[c] = setArgs[i]
		}
		affected++
	}
	return affected, nil
}

func (m *memStore) querySelect(query string, args []any) ([]string, []map[string]any, error) {
	mm := selectRe.FindStringSubmatch(query)
	if mm == nil {
		return nil, nil, fmt.Errorf("memstore: unrecognized SELECT: %s", query)
	}
	cols := splitCSV(mm[1])
	table := mm[2]
	where := mm[3]

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	if where == "" {
		out = append(out, m.tables[table]...)
	} else {
		conds := parseConditions(where)
		for _, row := range m.tables[table] {
			if ok, _ := matches(row, conds, args); ok {
				out = append(out, row)
			}
		}
	}
	return cols, out, nil
}

func (m *memStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	q := strings.TrimSpace(query)
	switch {
	case strings.HasPrefix(strings.ToUpper(q), "UPDATE"):
		return m.execUpdate(q, args)
	case strings.HasPrefix(strings.ToUpper(q), "INSERT"):
		inserted, err := m.execInsert(q, args)
		if err != nil {
			return 0, err
		}
		if !inserted {
			return 0, nil
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("memstore: unsupported Exec: %s", q)
	}
}

func (m *memStore) QueryOne(ctx context.Context, query string, args ...any) store.Row {
	cols, rows, err := m.querySelect(strings.TrimSpace(query), args)
	if err != nil {
		return errRow{err}
	}
	if len(rows) == 0 {
		return errRow{store.ErrNoRows}
	}
	return &memRow{cols: cols, row: rows[0]}
}

func (m *memStore) QueryAll(ctx context.Context, query string, args ...any) (store.Rows, error) {
	cols, rows, err := m.querySelect(strings.TrimSpace(query), args)
	if err != nil {
		return nil, err
	}
	return &memRows{cols: cols, rows: rows, idx: -1}, nil
}

func (m *memStore) InsertIfAbsent(ctx context.Context, query string, args ...any) (bool, error) {
	return m.execInsert(strings.TrimSpace(query), args)
}

func (m *memStore) Begin(ctx context.Context) (store.Tx, error) {
	return memTx{m}, nil
}

func (m *memStore) Close() error { return nil }

// memTx applies directly to the parent store; none of these tests assert
// rollback-on-error semantics (orders/service_test.go already covers that
// against go-sqlmock), so Commit/Rollback are no-ops.
type memTx struct{ s *memStore }

func (t memTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return t.s.Exec(ctx, query, args...)
}
func (t memTx) QueryOne(ctx context.Context, query string, args ...any) store.Row {
	return t.s.QueryOne(ctx, query, args...)
}
func (t memTx) QueryAll(ctx context.Context, query string, args ...any) (store.Rows, error) {
	return t.s.QueryAll(ctx, query, args...)
}
func (t memTx) InsertIfAbsent(ctx context.Context, query string, args ...any) (bool, error) {
	return t.s.InsertIfAbsent(ctx, query, args...)
}
func (t memTx) Commit() error   { return nil }
func (t memTx) Rollback() error { return nil }

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type memRow struct {
	cols []string
	row  map[string]any
}

func (r *memRow) Scan(dest ...any) error {
	if len(dest) != len(r.cols) {
		return fmt.Errorf("memstore: scan arity mismatch: %d dest, %d cols", len(dest), len(r.cols))
	}
	for i, d := range dest {
		if err := assignInto(d, r.row[r.cols[i]]); err != nil {
			return err
		}
	}
	return nil
}

type memRows struct {
	cols []string
	rows []map[string]any
	idx  int
}

func (r *memRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *memRows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.rows) {
		return fmt.Errorf("memstore: Scan called out of range")
	}
	row := r.rows[r.idx]
	for i, d := range dest {
		if err := assignInto(d, row[r.cols[i]]); err != nil {
			return err
		}
	}
	return nil
}

func (r *memRows) Close() error { return nil }
func (r *memRows) Err() error   { return nil }

var (
	_ store.Store = (*memStore)(nil)
	_ store.Tx    = memTx{}
)
