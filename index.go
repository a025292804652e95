// Index bookkeeping: declaration with rebuild, sequence maintenance on
// insert/update/remove, and indexed lookup.

package dirdb

import (
	"fmt"
	"maps"
	"slices"
)

// IndexStatus is the outcome of an index declaration.
type IndexStatus string

const (
	// IndexCreated means the table had no entries yet; the declaration is
	// recorded and takes effect at first insert.
	IndexCreated IndexStatus = "created"
	// IndexUnchanged means the declaration matches the current index set; no
	// I/O happened.
	IndexUnchanged IndexStatus = "unchanged"
	// IndexRebuilt means every declared sequence was rebuilt from the live
	// entries and persisted.
	IndexRebuilt IndexStatus = "rebuilt"
)

// normalizeIndexFields canonicalizes a declaration: "id" always comes
// first, duplicates collapse, caller order is otherwise preserved.
func normalizeIndexFields(fields []string) ([]string, error) {
	out := []string{idField}
	seen := map[string]bool{idField: true}
	for _, f := range fields {
		if f == "" {
			return nil, errValidation("index field names must not be empty")
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// declareIndexes records or applies an index declaration for the table.
func (db *DB) declareIndexes(table string, fields []string) (IndexStatus, error) {
	norm, err := normalizeIndexFields(fields)
	if err != nil {
		return "", err
	}
	m, err := db.loadMeta(table)
	if err != nil {
		if HasCode(err, ErrorCodeNotFound) {
			// No entries yet: remember the declaration for the first insert.
			db.pending[table] = norm
			return IndexCreated, nil
		}
		return "", err
	}

	current := slices.Sorted(maps.Keys(m.Indexes))
	if slices.Equal(current, slices.Sorted(slices.Values(norm))) {
		return IndexUnchanged, nil
	}

	// Rebuild every declared sequence by scanning live entries in id order.
	ids := m.Indexes[idField]
	indexes := make(map[string][]any, len(norm))
	for _, f := range norm {
		indexes[f] = make([]any, 0, len(ids))
	}
	for i, raw := range ids {
		id, ok := raw.(int64)
		if !ok {
			return "", newError(ErrorCodeCorrupt, fmt.Sprintf("id sequence of table %q holds %T at position %d", table, raw, i))
		}
		rec, err := db.readEntry(table, id)
		if err != nil {
			return "", err
		}
		for _, f := range norm {
			if f == idField {
				indexes[f] = append(indexes[f], id)
				continue
			}
			v, ok := rec[f]
			if !ok {
				return "", errMissingIndexField(f)
			}
			indexes[f] = append(indexes[f], cloneValue(v))
		}
	}
	rebuilt := &Metadata{LastID: m.LastID, Count: m.Count, Indexes: indexes}
	if err := db.persistMeta(table, rebuilt); err != nil {
		return "", err
	}
	if err := db.invalidateCache(table); err != nil {
		return "", err
	}
	return IndexRebuilt, nil
}

// appendIndexValues validates that rec carries every declared field and
// appends a new position to all sequences. Called on a metadata clone
// before any file is touched, so a missing field aborts cleanly.
func appendIndexValues(m *Metadata, rec Record, id int64) error {
	for f := range m.Indexes {
		if f == idField {
			continue
		}
		if _, ok := rec[f]; !ok {
			return errMissingIndexField(f)
		}
	}
	for f := range m.Indexes {
		if f == idField {
			m.Indexes[f] = append(m.Indexes[f], id)
			continue
		}
		m.Indexes[f] = append(m.Indexes[f], cloneValue(rec[f]))
	}
	return nil
}

// updateIndexValues rewrites sequences at the row's position for declared
// fields whose value changed. The id sequence is never touched. Reports
// whether anything changed.
func updateIndexValues(m *Metadata, pos int, rec Record) (bool, error) {
	for f := range m.Indexes {
		if f == idField {
			continue
		}
		if _, ok := rec[f]; !ok {
			return false, errMissingIndexField(f)
		}
	}
	changed := false
	for f, seq := range m.Indexes {
		if f == idField {
			continue
		}
		if v := rec[f]; !equalValues(seq[pos], v) {
			seq[pos] = cloneValue(v)
			changed = true
		}
	}
	return changed, nil
}

// removeIndexPosition deletes pos from every sequence, preserving
// cross-sequence alignment, and decrements the live count.
func removeIndexPosition(m *Metadata, pos int) {
	for f, seq := range m.Indexes {
		m.Indexes[f] = slices.Delete(seq, pos, pos+1)
	}
	m.Count--
}

// findIDBy returns the id of the first row whose indexed field equals
// value, or 0 when nothing matches.
func (db *DB) findIDBy(table, field string, value any) (int64, error) {
	m, err := db.loadMeta(table)
	if err != nil {
		return 0, err
	}
	seq, ok := m.Indexes[field]
	if !ok {
		return 0, errNotIndexed(field)
	}
	nv, err := normalizeValue(value)
	if err != nil {
		return 0, err
	}
	ids := m.Indexes[idField]
	for i, v := range seq {
		if equalValues(v, nv) {
			id, ok := ids[i].(int64)
			if !ok {
				return 0, newError(ErrorCodeCorrupt, fmt.Sprintf("id sequence of table %q holds %T at position %d", table, ids[i], i))
			}
			return id, nil
		}
	}
	return 0, nil
}
