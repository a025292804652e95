// Change notification: a filesystem watcher over the database directory so
// read-only handles can follow another process's writes.

package dirdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op classifies a watched change.
type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpRemove Op = "remove"
)

// Event is one observed change. Table is empty for database-level changes.
// Entries land through an atomic rename, so a new or replaced file
// surfaces as OpCreate.
type Event struct {
	Table string
	Op    Op
	Path  string
}

// Watcher streams changes made to the database directory, typically by
// another process. It never touches the owning handle's state: on an event
// for a table you care about, call [DB.Refresh] yourself before reading.
//
// Drain both [Watcher.Events] and [Watcher.Errors]; both close after
// [Watcher.Close].
type Watcher struct {
	db     *DB
	fsw    *fsnotify.Watcher
	events chan Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

// Watch starts watching the database directory and every existing table
// directory. Table directories created later are picked up automatically.
// The watcher stops when ctx is canceled or [Watcher.Close] is called.
func (db *DB) Watch(ctx context.Context) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errStorage("failed to start watcher", err)
	}
	if err := fsw.Add(db.dir); err != nil {
		_ = fsw.Close()
		return nil, errStorage(fmt.Sprintf("failed to watch %s", db.dir), err)
	}
	tables, err := db.Tables()
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	for _, t := range tables {
		if err := fsw.Add(db.tableDir(t)); err != nil {
			_ = fsw.Close()
			return nil, errStorage(fmt.Sprintf("failed to watch table %q", t), err)
		}
	}
	w := &Watcher{
		db:     db,
		fsw:    fsw,
		events: make(chan Event),
		errs:   make(chan error),
		done:   make(chan struct{}),
	}
	go w.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = w.Close()
		case <-w.done:
		}
	}()
	return w, nil
}

// Events delivers data changes: entry files and meta files. Marker files,
// cache artifacts and in-flight temp files are filtered out.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors delivers watch failures.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Close stops the watcher. Events and Errors close shortly after.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.fsw.Close()
}

func (w *Watcher) run() {
	defer close(w.events)
	defer close(w.errs)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		// A new table directory extends the watch instead of reporting.
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = w.fsw.Add(ev.Name)
			return
		}
	}
	name := filepath.Base(ev.Name)
	if name == markerName || strings.HasPrefix(name, ".tmp-") || strings.HasPrefix(name, cachePrefix) {
		return
	}
	op, ok := opOf(ev)
	if !ok {
		return
	}
	table := ""
	if rel, err := filepath.Rel(w.db.dir, ev.Name); err == nil {
		if dir := filepath.Dir(rel); dir != "." {
			table = dir
		}
	}
	select {
	case w.events <- Event{Table: table, Op: op, Path: ev.Name}:
	case <-w.done:
	}
}

func opOf(ev fsnotify.Event) (Op, bool) {
	switch {
	case ev.Has(fsnotify.Create):
		return OpCreate, true
	case ev.Has(fsnotify.Write):
		return OpWrite, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return OpRemove, true
	}
	return "", false
}
