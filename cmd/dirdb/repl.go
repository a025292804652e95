// The shell itself: command parsing and dispatch, the interactive loop with
// line editing and history via liner, and the pipe-driven script mode.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/dirdb"
	"github.com/peterh/liner"
)

const (
	prompt      = "dirdb> "
	historyFile = ".dirdb_history"
)

var commandNames = []string{
	"all", "at", "count", "exit", "find", "findby", "help", "index",
	"insert", "log", "meta", "quit", "refresh", "remove", "snapshot",
	"tables", "update", "watch",
}

const helpText = `Commands:
  tables                               list tables
  insert <table> <json>                store a new record
  update <table> <id> <json>           replace a record
  remove <table> <id> [id...]          delete records
  find <table> <id>                    load one record by id
  findby <table> <field> <json>        load one record by indexed field
  all <table> [opt...]                 list records
  count <table> [opt...]               count records
  index <table> <field> [field...]     declare indexes
  meta <table>                         show table metadata
  refresh [table]                      drop cached metadata
  snapshot [message]                   commit the database to history
  log [n]                              list snapshots
  at <hash> <table> <id>               load a record as of a snapshot
  watch [seconds]                      stream file changes (default 5s)
  help, exit, quit

Query options (all/count): limit=N offset=N order=asc|desc[:field]
  where=<json, no spaces> select=f1,f2`

type session struct {
	db           *dirdb.DB
	out          io.Writer
	autoSnapshot bool
}

func runREPL(s *session, root string) error {
	l := liner.NewLiner()
	defer func() { _ = l.Close() }()
	l.SetCtrlCAborts(true)
	l.SetCompleter(func(line string) []string {
		var out []string
		for _, c := range commandNames {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c+" ")
			}
		}
		return out
	})

	histPath := filepath.Join(root, historyFile)
	if f, err := os.Open(histPath); err == nil { //nolint:gosec // G304: path under the user's own root
		_, _ = l.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil { //nolint:gosec // G304: path under the user's own root
			_, _ = l.WriteHistory(f)
			_ = f.Close()
		}
	}()

	fmt.Fprintf(s.out, "dirdb shell on %s. Type help for commands.\n", s.db.Path())
	for {
		line, err := l.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		l.AppendHistory(line)
		quit, err := s.execute(line)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// runScript executes commands line by line. Unlike the interactive loop it
// stops at the first failing command.
func runScript(s *session, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		quit, err := s.execute(line)
		if err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
		if quit {
			return nil
		}
	}
	return sc.Err()
}

func (s *session) execute(line string) (bool, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	cmd = strings.ToLower(cmd)
	rest = strings.TrimSpace(rest)
	var err error
	switch cmd {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "tables":
		err = s.cmdTables()
	case "insert":
		err = s.cmdInsert(rest)
	case "update":
		err = s.cmdUpdate(rest)
	case "remove":
		err = s.cmdRemove(rest)
	case "find":
		err = s.cmdFind(rest)
	case "findby":
		err = s.cmdFindBy(rest)
	case "all":
		err = s.cmdAll(rest)
	case "count":
		err = s.cmdCount(rest)
	case "index":
		err = s.cmdIndex(rest)
	case "meta":
		err = s.cmdMeta(rest)
	case "refresh":
		s.db.Refresh(rest)
	case "snapshot":
		err = s.cmdSnapshot(rest)
	case "log":
		err = s.cmdLog(rest)
	case "at":
		err = s.cmdAt(rest)
	case "watch":
		err = s.cmdWatch(rest)
	default:
		return false, fmt.Errorf("unknown command %q; type help", cmd)
	}
	if err == nil && s.autoSnapshot && isMutation(cmd) {
		err = s.recordMutation(line)
	}
	return false, err
}

// isMutation reports whether cmd changes table content.
func isMutation(cmd string) bool {
	switch cmd {
	case "insert", "update", "remove", "index":
		return true
	}
	return false
}

// recordMutation snapshots the database with the executed command as the
// message. Active when the shell runs with -history.
func (s *session) recordMutation(line string) error {
	h, err := s.db.History()
	if err != nil {
		return err
	}
	hash, err := h.Snapshot(line)
	if err != nil {
		return err
	}
	if hash != "" {
		slog.Debug("Recorded snapshot", "hash", hash)
	}
	return nil
}

func (s *session) cmdTables() error {
	tables, err := s.db.Tables()
	if err != nil {
		return err
	}
	for _, t := range tables {
		fmt.Fprintln(s.out, t)
	}
	return nil
}

func (s *session) cmdInsert(rest string) error {
	table, payload, _ := strings.Cut(rest, " ")
	rec, err := parseRecord(payload)
	if err != nil {
		return err
	}
	stored, err := s.db.Table(table).Insert(rec)
	if err != nil {
		return err
	}
	return s.printJSON(stored)
}

func (s *session) cmdUpdate(rest string) error {
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) < 3 {
		return errors.New("usage: update <table> <id> <json>")
	}
	id, err := parseID(parts[1])
	if err != nil {
		return err
	}
	rec, err := parseRecord(parts[2])
	if err != nil {
		return err
	}
	stored, err := s.db.Table(parts[0]).Update(id, rec)
	if err != nil {
		return err
	}
	return s.printJSON(stored)
}

func (s *session) cmdRemove(rest string) error {
	args := strings.Fields(rest)
	if len(args) < 2 {
		return errors.New("usage: remove <table> <id> [id...]")
	}
	ids := make([]int64, len(args)-1)
	for i, a := range args[1:] {
		id, err := parseID(a)
		if err != nil {
			return err
		}
		ids[i] = id
	}
	if err := s.db.Table(args[0]).Remove(ids...); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "removed %d\n", len(ids))
	return nil
}

func (s *session) cmdFind(rest string) error {
	args := strings.Fields(rest)
	if len(args) != 2 {
		return errors.New("usage: find <table> <id>")
	}
	id, err := parseID(args[1])
	if err != nil {
		return err
	}
	rec, err := s.db.Table(args[0]).Find(id)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Fprintln(s.out, "(not found)")
		return nil
	}
	return s.printJSON(rec)
}

func (s *session) cmdFindBy(rest string) error {
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) < 3 {
		return errors.New("usage: findby <table> <field> <json value>")
	}
	value, err := parseValue(parts[2])
	if err != nil {
		return err
	}
	rec, err := s.db.Table(parts[0]).Find(value, parts[1])
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Fprintln(s.out, "(not found)")
		return nil
	}
	return s.printJSON(rec)
}

func (s *session) cmdAll(rest string) error {
	q, err := s.query(strings.Fields(rest))
	if err != nil {
		return err
	}
	recs, err := q.All()
	if err != nil {
		return err
	}
	return s.printJSON(recs)
}

func (s *session) cmdCount(rest string) error {
	q, err := s.query(strings.Fields(rest))
	if err != nil {
		return err
	}
	n, err := q.Count()
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, n)
	return nil
}

func (s *session) cmdIndex(rest string) error {
	args := strings.Fields(rest)
	if len(args) < 2 {
		return errors.New("usage: index <table> <field> [field...]")
	}
	status, err := s.db.Table(args[0]).Indexes(args[1:]...)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(status))
	return nil
}

func (s *session) cmdMeta(rest string) error {
	if rest == "" {
		return errors.New("usage: meta <table>")
	}
	m, err := s.db.Table(rest).Meta()
	if err != nil {
		return err
	}
	return s.printJSON(m)
}

func (s *session) cmdSnapshot(message string) error {
	h, err := s.db.History()
	if err != nil {
		return err
	}
	hash, err := h.Snapshot(message)
	if err != nil {
		return err
	}
	if hash == "" {
		fmt.Fprintln(s.out, "nothing to snapshot")
		return nil
	}
	fmt.Fprintln(s.out, hash)
	return nil
}

func (s *session) cmdLog(rest string) error {
	n := 10
	if rest != "" {
		v, err := strconv.Atoi(rest)
		if err != nil || v <= 0 {
			return fmt.Errorf("bad count %q", rest)
		}
		n = v
	}
	h, err := s.db.History()
	if err != nil {
		return err
	}
	commits, err := h.Log(n)
	if err != nil {
		return err
	}
	for _, c := range commits {
		fmt.Fprintf(s.out, "%s  %s  %s\n", c.Hash[:8], c.When.Format(time.DateTime), c.Message)
	}
	return nil
}

func (s *session) cmdAt(rest string) error {
	args := strings.Fields(rest)
	if len(args) != 3 {
		return errors.New("usage: at <hash> <table> <id>")
	}
	id, err := parseID(args[2])
	if err != nil {
		return err
	}
	h, err := s.db.History()
	if err != nil {
		return err
	}
	rec, err := h.EntryAt(args[0], args[1], id)
	if err != nil {
		return err
	}
	return s.printJSON(rec)
}

func (s *session) cmdWatch(rest string) error {
	secs := 5
	if rest != "" {
		v, err := strconv.Atoi(rest)
		if err != nil || v <= 0 {
			return fmt.Errorf("bad duration %q, want seconds", rest)
		}
		secs = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(secs)*time.Second)
	defer cancel()
	w, err := s.db.Watch(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	fmt.Fprintf(s.out, "watching %s for %ds\n", s.db.Path(), secs)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			fmt.Fprintf(s.out, "%-6s %-12s %s\n", ev.Op, ev.Table, filepath.Base(ev.Path))
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			slog.Warn("Watch error", "err", err)
		}
	}
}

// query builds a Query from "<table> [key=value...]" arguments.
func (s *session) query(args []string) (*dirdb.Query, error) {
	if len(args) == 0 {
		return nil, errors.New("missing table name")
	}
	q := s.db.Table(args[0])
	for _, tok := range args[1:] {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, fmt.Errorf("bad option %q, want key=value", tok)
		}
		switch key {
		case "limit":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("bad limit %q", val)
			}
			q = q.Limit(n)
		case "offset":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("bad offset %q", val)
			}
			q = q.Offset(n)
		case "order":
			dir, field, _ := strings.Cut(val, ":")
			var d dirdb.Direction
			switch dir {
			case "asc":
				d = dirdb.Asc
			case "desc":
				d = dirdb.Desc
			default:
				return nil, fmt.Errorf("bad order %q, want asc or desc", dir)
			}
			if field == "" {
				q = q.Order(d)
			} else {
				q = q.Order(d, field)
			}
		case "where":
			rec, err := parseRecord(val)
			if err != nil {
				return nil, err
			}
			q = q.Where(rec)
		case "select":
			q = q.Select(strings.Split(val, ",")...)
		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
	}
	return q, nil
}

func (s *session) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(data))
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", s)
	}
	return id, nil
}

func parseRecord(s string) (dirdb.Record, error) {
	if s == "" {
		return nil, errors.New("missing record payload")
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid record payload: %w", err)
	}
	rec, _ := jsonValue(m).(map[string]any)
	return dirdb.Record(rec), nil
}

func parseValue(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	return jsonValue(v), nil
}

// jsonValue rewrites json.Number leaves into int64 when integral, float64
// otherwise.
func jsonValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i, e := range x {
			x[i] = jsonValue(e)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = jsonValue(e)
		}
		return x
	default:
		return v
	}
}
