// Database handle: owns one database directory, the per-table metadata
// cache, and pending index declarations. The sole entry point for queries.

package dirdb

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/maruel/dirdb/internal/recfile"
)

// DefaultDatabase is used when Open receives an empty database name.
const DefaultDatabase = "default"

// markerName is the empty file dropped into every directory so an
// accidentally exposed static file server lists nothing.
const markerName = "index.html"

const entryPrefix = "entry_"

// Option configures a handle at Open time.
type Option func(*DB)

// WithCompression makes the handle write snappy-compressed payloads.
// Reading is driven by each file's header flag, so compressed and plain
// files mix freely within a table.
func WithCompression() Option {
	return func(db *DB) {
		db.compress = true
	}
}

// DB is a handle on one logical database under a root directory.
//
// A handle is not safe for concurrent use: it keeps a metadata cache and
// pending index declarations as plain maps and performs no locking. Owners
// sharing a handle across goroutines must serialize access themselves.
// Across processes, mutations are a read-modify-write of the meta file
// with no lock; concurrent writers can corrupt index alignment or reuse an
// id. Either keep a single writer or guard mutations with an external
// advisory lock per table.
type DB struct {
	root     string
	name     string
	dir      string
	compress bool

	meta    map[string]*Metadata
	pending map[string][]string
}

// Open returns a handle on the database directory <root>/<database>,
// creating it when missing. An empty database name selects
// [DefaultDatabase].
func Open(root, database string, opts ...Option) (*DB, error) {
	if root == "" {
		return nil, errValidation("root path must not be empty")
	}
	if database == "" {
		database = DefaultDatabase
	}
	if err := validateName("database", database); err != nil {
		return nil, err
	}
	db := &DB{
		root:    root,
		name:    database,
		dir:     filepath.Join(root, database),
		meta:    map[string]*Metadata{},
		pending: map[string][]string{},
	}
	for _, o := range opts {
		o(db)
	}
	if err := ensureDir(db.dir); err != nil {
		return nil, err
	}
	return db, nil
}

// Table starts a query against the named table. Every call returns a fresh
// single-use query with default state: ascending order by id, no filter,
// no projection, no bounds.
func (db *DB) Table(name string) *Query {
	return &Query{db: db, table: name, orderDir: Asc, orderField: idField}
}

// Name returns the logical database name.
func (db *DB) Name() string {
	return db.name
}

// Path returns the database directory.
func (db *DB) Path() string {
	return db.dir
}

// Tables lists the existing table directories, sorted.
func (db *DB) Tables() ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, errStorage(fmt.Sprintf("failed to list database %q", db.name), err)
	}
	var tables []string
	for _, e := range entries {
		if e.IsDir() {
			tables = append(tables, e.Name())
		}
	}
	slices.Sort(tables)
	return tables, nil
}

// Refresh drops the handle's cached metadata for the table, or for every
// table when name is empty, so the next operation re-reads the meta file.
// Use it when another process mutated the database (see [DB.Watch]).
func (db *DB) Refresh(table string) {
	if table == "" {
		clear(db.meta)
		return
	}
	delete(db.meta, table)
}

// validateName rejects names that would escape the directory layout.
func validateName(kind, name string) error {
	if name == "" {
		return errValidation("%s name must not be empty", kind)
	}
	if name == "." || name == ".." || filepath.Base(name) != name {
		return errValidation("invalid %s name %q", kind, name)
	}
	return nil
}

// ensureDir creates dir and its marker file if missing.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return errStorage(fmt.Sprintf("failed to create directory %s", dir), err)
	}
	marker := filepath.Join(dir, markerName)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil { //nolint:gosec // G306: 0o644 is intentional for readable files
		return errStorage(fmt.Sprintf("failed to create marker in %s", dir), err)
	}
	return nil
}

// ensureTable lazily creates the table directory with its marker.
func (db *DB) ensureTable(table string) error {
	return ensureDir(db.tableDir(table))
}

func (db *DB) tableDir(table string) string {
	return filepath.Join(db.dir, table)
}

func (db *DB) metaPath(table string) string {
	return filepath.Join(db.tableDir(table), "meta")
}

func (db *DB) entryPath(table string, id int64) string {
	return filepath.Join(db.tableDir(table), entryPrefix+strconv.FormatInt(id, 10))
}

func (db *DB) cachePath(table, fp string) string {
	return filepath.Join(db.tableDir(table), cachePrefix+fp)
}

// readEntry loads one entry; a missing file is a storage error here since
// callers pass ids listed in metadata.
func (db *DB) readEntry(table string, id int64) (Record, error) {
	rec, err := db.readEntryMaybe(table, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errStorage(fmt.Sprintf("entry %d of table %q", id, table), os.ErrNotExist)
	}
	return rec, nil
}

// readEntryMaybe loads one entry, returning (nil, nil) when the file does
// not exist.
func (db *DB) readEntryMaybe(table string, id int64) (Record, error) {
	raw, err := recfile.ReadFile(db.entryPath(table, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapRead(fmt.Sprintf("entry %d of table %q", id, table), err)
	}
	rec, ok := raw.(map[string]any)
	if !ok {
		return nil, newError(ErrorCodeCorrupt, fmt.Sprintf("entry %d of table %q holds %T, not a map", id, table, raw))
	}
	return Record(rec), nil
}
