// Per-table metadata: the id counter, live row count, and position-aligned
// index sequences. Loaded through a per-handle cache, persisted atomically.

package dirdb

import (
	"fmt"
	"os"

	"github.com/maruel/dirdb/internal/recfile"
)

// Metadata tracks a table's id counter, live row count, and secondary
// indexes. Every sequence in Indexes, including the mandatory "id" one, has
// the same length, and position i across all sequences refers to the same
// logical row.
type Metadata struct {
	LastID  int64
	Count   int
	Indexes map[string][]any
}

// newMetadata returns fresh metadata for an empty table. fields carries any
// pending index declaration; the "id" sequence always exists.
func newMetadata(fields []string) *Metadata {
	m := &Metadata{Indexes: map[string][]any{idField: {}}}
	for _, f := range fields {
		if _, ok := m.Indexes[f]; !ok {
			m.Indexes[f] = []any{}
		}
	}
	return m
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	c := &Metadata{LastID: m.LastID, Count: m.Count}
	if m.Indexes != nil {
		c.Indexes = make(map[string][]any, len(m.Indexes))
		for f, seq := range m.Indexes {
			cseq := make([]any, len(seq))
			for i, v := range seq {
				cseq[i] = cloneValue(v)
			}
			c.Indexes[f] = cseq
		}
	}
	return c
}

// indexed reports whether field has a declared sequence.
func (m *Metadata) indexed(field string) bool {
	_, ok := m.Indexes[field]
	return ok
}

// rowPosition returns the position of id in the "id" sequence, or -1.
func (m *Metadata) rowPosition(id int64) int {
	for i, v := range m.Indexes[idField] {
		if vid, ok := v.(int64); ok && vid == id {
			return i
		}
	}
	return -1
}

// toValue maps the metadata onto the on-disk value domain.
func (m *Metadata) toValue() map[string]any {
	indexes := make(map[string]any, len(m.Indexes))
	for f, seq := range m.Indexes {
		indexes[f] = append([]any{}, seq...)
	}
	return map[string]any{
		"last_id": m.LastID,
		"count":   int64(m.Count),
		"indexes": indexes,
	}
}

// metadataFromValue rebuilds metadata from a decoded payload.
func metadataFromValue(v any) (*Metadata, error) {
	root, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata payload is %T, not a map", v)
	}
	lastID, ok := root["last_id"].(int64)
	if !ok {
		return nil, fmt.Errorf("metadata last_id is %T, not an integer", root["last_id"])
	}
	count, ok := root["count"].(int64)
	if !ok {
		return nil, fmt.Errorf("metadata count is %T, not an integer", root["count"])
	}
	rawIndexes, ok := root["indexes"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata indexes is %T, not a map", root["indexes"])
	}
	m := &Metadata{LastID: lastID, Count: int(count), Indexes: make(map[string][]any, len(rawIndexes))}
	n := -1
	for f, rawSeq := range rawIndexes {
		seq, ok := rawSeq.([]any)
		if !ok {
			return nil, fmt.Errorf("index %q is %T, not a sequence", f, rawSeq)
		}
		if n == -1 {
			n = len(seq)
		} else if len(seq) != n {
			return nil, fmt.Errorf("index %q has %d values, others have %d", f, len(seq), n)
		}
		m.Indexes[f] = seq
	}
	if !m.indexed(idField) {
		return nil, fmt.Errorf("metadata misses the %q index", idField)
	}
	return m, nil
}

// loadMeta returns the table's metadata, from the handle cache when
// possible. The returned value is shared with the cache: readers must not
// mutate it, mutators work on a Clone and commit through persistMeta.
func (db *DB) loadMeta(table string) (*Metadata, error) {
	if m, ok := db.meta[table]; ok {
		return m, nil
	}
	raw, err := recfile.ReadFile(db.metaPath(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotFound(fmt.Sprintf("table %q", table))
		}
		return nil, wrapRead(fmt.Sprintf("metadata of table %q", table), err)
	}
	m, err := metadataFromValue(raw)
	if err != nil {
		return nil, newError(ErrorCodeCorrupt, fmt.Sprintf("failed to decode metadata of table %q", table)).Wrap(err)
	}
	db.meta[table] = m
	return m, nil
}

// persistMeta writes the meta file atomically and then updates the handle
// cache, so later loads from this handle observe the committed value.
func (db *DB) persistMeta(table string, m *Metadata) error {
	if err := recfile.WriteFile(db.metaPath(table), m.toValue(), db.compress); err != nil {
		return errStorage(fmt.Sprintf("failed to persist metadata of table %q", table), err)
	}
	db.meta[table] = m
	return nil
}

// rollbackMeta restores the metadata that was current before a failed entry
// commit. prev is nil when the table had none, in which case the meta file
// is removed again.
func (db *DB) rollbackMeta(table string, prev *Metadata) error {
	if prev == nil {
		delete(db.meta, table)
		if err := os.Remove(db.metaPath(table)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return db.persistMeta(table, prev)
}
