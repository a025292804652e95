// Query builder and executor: a single-use chainable description of one
// operation, the terminal calls that run it, and the execution algorithm
// shared by All, First and Count.

package dirdb

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/maruel/dirdb/internal/recfile"
)

// Direction selects result order.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Query describes one pending operation on a table. It is single-use: the
// first terminal call (Insert, Update, Remove, Find, All, First, Count,
// Meta, Indexes) consumes it, and any later terminal call fails with
// [ErrorCodeQueryConsumed]. Builder methods do no I/O and no validation;
// everything is checked when the terminal runs.
type Query struct {
	db       *DB
	table    string
	consumed bool
	err      error

	selectFields []string
	filter       any
	orderDir     Direction
	orderField   string
	limit        int
	offset       int
}

// Select sets the projection: results keep only the listed fields, fields
// absent from an entry are skipped silently.
func (q *Query) Select(fields ...string) *Query {
	q.selectFields = fields
	return q
}

// Where sets the filter predicate, a map from field name to expected value.
// A scalar expectation against a list-valued field means membership; a list
// expectation means every listed element must be a member. nil clears the
// filter.
func (q *Query) Where(filter any) *Query {
	q.filter = filter
	return q
}

// Order sets the sort direction and optionally the sort field, default
// "id". The field must be indexed by the time the query runs.
func (q *Query) Order(dir Direction, field ...string) *Query {
	q.orderDir = dir
	q.orderField = idField
	if len(field) > 0 {
		q.orderField = field[0]
	}
	if len(field) > 1 {
		q.err = errValidation("Order takes at most one field, got %d", len(field))
	}
	return q
}

// Limit bounds the result length. Zero means unbounded.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// begin consumes the query. Every terminal goes through here first, so a
// second terminal call fails regardless of how the first one ended.
func (q *Query) begin() error {
	if q.consumed {
		return errConsumed()
	}
	q.consumed = true
	if q.err != nil {
		return q.err
	}
	return validateName("table", q.table)
}

// Insert stores rec as a new entry and returns the stored record including
// its assigned id. The id counter, row count and index sequences are
// persisted before the entry file becomes visible, so a crash in between
// leaves an unused id rather than an entry unknown to the indexes.
func (q *Query) Insert(rec Record) (Record, error) {
	if err := q.begin(); err != nil {
		return nil, err
	}
	norm, err := normalizeRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := q.db.ensureTable(q.table); err != nil {
		return nil, err
	}
	prev, err := q.db.loadMeta(q.table)
	var m *Metadata
	switch {
	case err == nil:
		m = prev.Clone()
	case HasCode(err, ErrorCodeNotFound):
		prev = nil
		m = newMetadata(q.db.pending[q.table])
	default:
		return nil, err
	}
	id := m.LastID + 1
	norm[idField] = id
	if err := appendIndexValues(m, norm, id); err != nil {
		return nil, err
	}
	m.LastID = id
	m.Count++

	tmp, err := recfile.WriteTemp(q.db.tableDir(q.table), map[string]any(norm), q.db.compress)
	if err != nil {
		return nil, errStorage(fmt.Sprintf("failed to write entry %d of table %q", id, q.table), err)
	}
	if err := q.db.persistMeta(q.table, m); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, q.db.entryPath(q.table, id)); err != nil {
		rollback := q.db.rollbackMeta(q.table, prev)
		_ = os.Remove(tmp)
		return nil, errStorage(fmt.Sprintf("failed to commit entry %d of table %q", id, q.table), errors.Join(err, rollback))
	}
	delete(q.db.pending, q.table)
	if err := q.db.invalidateCache(q.table); err != nil {
		return nil, err
	}
	return norm, nil
}

// Update replaces the entry identified by id with values. The id field is
// forced back to id; index positions are rewritten only when a declared
// field's value actually changed. Returns the persisted record.
func (q *Query) Update(id int64, values Record) (Record, error) {
	if err := q.begin(); err != nil {
		return nil, err
	}
	norm, err := normalizeRecord(values)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(q.db.entryPath(q.table, id)); err != nil {
		if os.IsNotExist(err) {
			return nil, errNotFound(fmt.Sprintf("entry %d of table %q", id, q.table))
		}
		return nil, errStorage(fmt.Sprintf("failed to stat entry %d of table %q", id, q.table), err)
	}
	norm[idField] = id
	prev, err := q.db.loadMeta(q.table)
	if err != nil {
		return nil, err
	}
	pos := prev.rowPosition(id)
	if pos < 0 {
		return nil, newError(ErrorCodeCorrupt, fmt.Sprintf("entry %d of table %q has a file but no index row", id, q.table))
	}
	m := prev.Clone()
	changed, err := updateIndexValues(m, pos, norm)
	if err != nil {
		return nil, err
	}

	tmp, err := recfile.WriteTemp(q.db.tableDir(q.table), map[string]any(norm), q.db.compress)
	if err != nil {
		return nil, errStorage(fmt.Sprintf("failed to write entry %d of table %q", id, q.table), err)
	}
	if changed {
		if err := q.db.persistMeta(q.table, m); err != nil {
			_ = os.Remove(tmp)
			return nil, err
		}
	}
	if err := os.Rename(tmp, q.db.entryPath(q.table, id)); err != nil {
		var rollback error
		if changed {
			rollback = q.db.rollbackMeta(q.table, prev)
		}
		_ = os.Remove(tmp)
		return nil, errStorage(fmt.Sprintf("failed to commit entry %d of table %q", id, q.table), errors.Join(err, rollback))
	}
	if err := q.db.invalidateCache(q.table); err != nil {
		return nil, err
	}
	return norm, nil
}

// Remove deletes the entries with the given ids. Each id is its own atomic
// step and removal continues to completion: a missing id reports NotFound
// without rolling back ids already removed. Per-id errors are joined.
func (q *Query) Remove(ids ...int64) error {
	if err := q.begin(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return errValidation("Remove requires at least one id")
	}
	var errs []error
	for _, id := range ids {
		if err := q.db.removeOne(q.table, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (db *DB) removeOne(table string, id int64) error {
	m, err := db.loadMeta(table)
	if err != nil {
		return err
	}
	pos := m.rowPosition(id)
	if pos < 0 {
		return errNotFound(fmt.Sprintf("entry %d of table %q", id, table))
	}
	next := m.Clone()
	removeIndexPosition(next, pos)
	// Metadata first: a crash after this point leaves an orphan file that no
	// index references, never a referenced row with no bookkeeping.
	if err := db.persistMeta(table, next); err != nil {
		return err
	}
	if err := os.Remove(db.entryPath(table, id)); err != nil && !os.IsNotExist(err) {
		return errStorage(fmt.Sprintf("failed to delete entry %d of table %q", id, table), err)
	}
	return db.invalidateCache(table)
}

// Find returns the entry whose field equals value, or (nil, nil) when
// nothing matches. field defaults to "id", which reads the entry file
// directly; any other field requires an index and resolves through it.
// The projection set by Select applies to the result.
func (q *Query) Find(value any, field ...string) (Record, error) {
	if err := q.begin(); err != nil {
		return nil, err
	}
	if len(field) > 1 {
		return nil, errValidation("Find takes at most one field, got %d", len(field))
	}
	f := idField
	if len(field) == 1 {
		f = field[0]
	}
	if f == idField {
		id, err := asID(value)
		if err != nil {
			return nil, err
		}
		return q.findByID(id)
	}
	id, err := q.db.findIDBy(q.table, f, value)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}
	return q.findByID(id)
}

func (q *Query) findByID(id int64) (Record, error) {
	rec, err := q.db.readEntryMaybe(q.table, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return projectRecord(rec, q.selectFields), nil
}

// All executes the query and returns the matching entries.
func (q *Query) All() ([]Record, error) {
	if err := q.begin(); err != nil {
		return nil, err
	}
	return q.execute()
}

// First executes the query and returns its first entry, or (nil, nil) when
// the result is empty.
func (q *Query) First() (Record, error) {
	if err := q.begin(); err != nil {
		return nil, err
	}
	result, err := q.execute()
	if err != nil || len(result) == 0 {
		return nil, err
	}
	return result[0], nil
}

// Count returns the number of matching entries. With no filter, limit or
// offset set it reads the row count straight from metadata; otherwise it
// executes the full query and measures the result.
func (q *Query) Count() (int, error) {
	if err := q.begin(); err != nil {
		return 0, err
	}
	if q.filter == nil && q.limit == 0 && q.offset == 0 {
		m, err := q.db.loadMeta(q.table)
		if err != nil {
			return 0, err
		}
		return m.Count, nil
	}
	result, err := q.execute()
	if err != nil {
		return 0, err
	}
	return len(result), nil
}

// Meta returns a snapshot of the table's metadata. Mutating the snapshot
// never affects the store.
func (q *Query) Meta() (*Metadata, error) {
	if err := q.begin(); err != nil {
		return nil, err
	}
	m, err := q.db.loadMeta(q.table)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Indexes declares the table's index fields, rebuilding existing sequences
// when the declaration changed.
func (q *Query) Indexes(fields ...string) (IndexStatus, error) {
	if err := q.begin(); err != nil {
		return "", err
	}
	return q.db.declareIndexes(q.table, fields)
}

// execute runs the read path: fingerprint, cache probe, order, paginate,
// filter, project, cache store. Pagination applies before filtering, so
// limit and offset slice the ordered id list, not the filtered result.
func (q *Query) execute() ([]Record, error) {
	if q.orderDir != Asc && q.orderDir != Desc {
		return nil, errValidation("order direction must be %q or %q, got %q", Asc, Desc, q.orderDir)
	}
	if q.limit < 0 {
		return nil, errValidation("limit must not be negative, got %d", q.limit)
	}
	if q.offset < 0 {
		return nil, errValidation("offset must not be negative, got %d", q.offset)
	}
	filter, err := normalizeFilter(q.filter)
	if err != nil {
		return nil, err
	}

	fp, err := fingerprint(q.shape(filter))
	if err != nil {
		return nil, errStorage("failed to fingerprint query", err)
	}
	if cached, ok, err := q.db.loadCache(q.table, fp); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	m, err := q.db.loadMeta(q.table)
	if err != nil {
		return nil, err
	}
	ids := m.Indexes[idField]
	if len(ids) == 0 {
		return nil, nil
	}
	keys, ok := m.Indexes[q.orderField]
	if !ok {
		return nil, errNotIndexed(q.orderField)
	}

	type row struct {
		key any
		id  int64
	}
	rows := make([]row, len(ids))
	for i, raw := range ids {
		id, ok := raw.(int64)
		if !ok {
			return nil, newError(ErrorCodeCorrupt, fmt.Sprintf("id sequence of table %q holds %T at position %d", q.table, raw, i))
		}
		rows[i] = row{key: keys[i], id: id}
	}
	desc := q.orderDir == Desc
	slices.SortStableFunc(rows, func(a, b row) int {
		if c := compareValues(a.key, b.key); c != 0 {
			if desc {
				return -c
			}
			return c
		}
		// Equal sort keys tie-break by ascending id in both directions.
		return cmp.Compare(a.id, b.id)
	})

	switch {
	case q.limit > 0:
		if q.offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.offset:min(q.offset+q.limit, len(rows))]
		}
	case q.offset > 0:
		if q.offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.offset:]
		}
	}

	result := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := q.db.readEntry(q.table, r.id)
		if err != nil {
			return nil, err
		}
		if filter != nil && !matchesFilter(rec, filter) {
			continue
		}
		result = append(result, projectRecord(rec, q.selectFields))
	}

	if err := q.db.storeCache(q.table, fp, result); err != nil {
		return nil, err
	}
	return result, nil
}

// shape is the canonical description of the query hashed into the cache
// fingerprint. Identical queries always produce identical shapes.
func (q *Query) shape(filter map[string]any) map[string]any {
	s := map[string]any{
		"table":  q.table,
		"order":  q.orderField,
		"dir":    string(q.orderDir),
		"limit":  int64(q.limit),
		"offset": int64(q.offset),
	}
	if filter != nil {
		s["where"] = filter
	}
	if len(q.selectFields) > 0 {
		sel := make([]any, len(q.selectFields))
		for i, f := range q.selectFields {
			sel[i] = f
		}
		s["select"] = sel
	}
	return s
}

// normalizeFilter validates the predicate shape and maps its expectations
// onto the stored value domain. Anything but a field-to-value map, a
// closure for instance, is unsupported.
func normalizeFilter(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	var raw map[string]any
	switch f := v.(type) {
	case map[string]any:
		raw = f
	case Record:
		raw = map[string]any(f)
	default:
		return nil, errUnsupportedPredicate(v)
	}
	out := make(map[string]any, len(raw))
	for f, want := range raw {
		nv, err := normalizeValue(want)
		if err != nil {
			return nil, newError(ErrorCodeUnsupportedPredicate, fmt.Sprintf("predicate value for field %q", f)).Wrap(err)
		}
		out[f] = nv
	}
	return out, nil
}

// matchesFilter evaluates every predicate field conjunctively. A field
// absent from the entry compares as nil.
func matchesFilter(rec Record, filter map[string]any) bool {
	for f, want := range filter {
		if !matchesValue(rec[f], want) {
			return false
		}
	}
	return true
}

// matchesValue applies the containment rules: a list-valued entry field
// matches a scalar expectation by membership and a list expectation when
// every expected element is a member; anything else is plain equality.
func matchesValue(have, want any) bool {
	list, ok := have.([]any)
	if !ok {
		return equalValues(have, want)
	}
	wants, ok := want.([]any)
	if !ok {
		return containsValue(list, want)
	}
	for _, w := range wants {
		if !containsValue(list, w) {
			return false
		}
	}
	return true
}

func containsValue(list []any, v any) bool {
	return slices.ContainsFunc(list, func(e any) bool { return equalValues(e, v) })
}

// projectRecord keeps only the listed fields, skipping fields the record
// does not carry. An empty projection returns the record unchanged.
func projectRecord(rec Record, fields []string) Record {
	if len(fields) == 0 {
		return rec
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out
}

// asID coerces a caller-supplied id to int64.
func asID(v any) (int64, error) {
	nv, err := normalizeValue(v)
	if err != nil {
		return 0, err
	}
	id, ok := nv.(int64)
	if !ok {
		return 0, errValidation("id must be an integer, got %T", v)
	}
	return id, nil
}
