// Snapshot history: version the database directory in a git repository at
// the storage root, using go-git so no git binary is needed.

package dirdb

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/maruel/dirdb/internal/recfile"
)

const (
	historyAuthor = "dirdb"
	historyEmail  = "dirdb@localhost"
)

// historyIgnore keeps derived files out of snapshots. Cache artifacts are
// rebuilt on demand and temp files never outlive a commit.
const historyIgnore = "cache_*\n.tmp-*\n"

// Commit is one snapshot in the history.
type Commit struct {
	Hash    string
	Message string
	Author  string
	Email   string
	When    time.Time
}

// History versions the storage root in a git repository. Snapshots stage
// only the owning handle's database directory, so handles on different
// databases under one root share the repository without stepping on each
// other.
type History struct {
	db    *DB
	repo  *gogit.Repository
	name  string
	email string
	mu    sync.Mutex
}

// History opens the git repository at the storage root, initializing it on
// first use. Snapshots are committed under a fixed default identity; use
// [DB.HistoryAs] to attribute them to someone.
func (db *DB) History() (*History, error) {
	return db.HistoryAs(historyAuthor, historyEmail)
}

// HistoryAs is [DB.History] with an explicit committer identity.
func (db *DB) HistoryAs(name, email string) (*History, error) {
	if name == "" || email == "" {
		return nil, errValidation("history identity needs a name and an email")
	}
	repo, err := gogit.PlainOpen(db.root)
	if err != nil {
		// Not a repository yet, initialize one.
		repo, err = gogit.PlainInit(db.root, false)
		if err != nil {
			return nil, errStorage(fmt.Sprintf("failed to initialize history at %s", db.root), err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, errStorage("failed to read history config", err)
		}
		cfg.User.Name = name
		cfg.User.Email = email
		if err := repo.SetConfig(cfg); err != nil {
			return nil, errStorage("failed to write history config", err)
		}
	}
	ignore := filepath.Join(db.root, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte(historyIgnore), 0o644); err != nil { //nolint:gosec // G306: 0o644 is intentional
			return nil, errStorage("failed to write history ignore file", err)
		}
	}
	return &History{db: db, repo: repo, name: name, email: email}, nil
}

// Snapshot stages the database directory and commits it. Returns the commit
// hash, or "" when nothing changed since the last snapshot. An empty
// message gets a default one.
func (h *History) Snapshot(message string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, err := h.repo.Worktree()
	if err != nil {
		return "", errStorage("failed to get history worktree", err)
	}
	if _, err := w.Add(h.db.name); err != nil {
		return "", errStorage(fmt.Sprintf("failed to stage database %q", h.db.name), err)
	}
	status, err := w.Status()
	if err != nil {
		return "", errStorage("failed to get history status", err)
	}
	staged := false
	for p, st := range status {
		if p != h.db.name && !strings.HasPrefix(p, h.db.name+"/") {
			continue
		}
		if st.Staging != gogit.Unmodified && st.Staging != gogit.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		return "", nil
	}

	if message == "" {
		message = fmt.Sprintf("snapshot of %s", h.db.name)
	}
	now := time.Now()
	sig := &object.Signature{Name: h.name, Email: h.email, When: now}
	hash, err := w.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", errStorage("failed to commit snapshot", err)
	}
	return hash.String(), nil
}

// Log returns up to n snapshots touching the database, newest first. n <= 0
// means no bound beyond an internal safety cap.
func (h *History) Log(n int) ([]Commit, error) {
	if n <= 0 || n > 1000 {
		n = 1000
	}
	prefix := h.db.name + "/"
	iter, err := h.repo.Log(&gogit.LogOptions{
		PathFilter: func(p string) bool { return strings.HasPrefix(p, prefix) },
	})
	if err != nil {
		return nil, nil // no commits yet is not an error
	}
	defer iter.Close()

	var commits []Commit
	for range n {
		c, err := iter.Next()
		if err != nil {
			break
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		commits = append(commits, Commit{
			Hash:    c.Hash.String(),
			Message: subject,
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			When:    c.Author.When,
		})
	}
	return commits, nil
}

// EntryAt decodes one entry as of the given snapshot. hash may be "HEAD" or
// empty for the latest snapshot. Returns NotFound when the commit or the
// entry does not exist at it.
func (h *History) EntryAt(hash, table string, id int64) (Record, error) {
	ph := plumbing.NewHash(hash)
	if hash == "" || hash == "HEAD" {
		ref, err := h.repo.Head()
		if err != nil {
			return nil, errNotFound("snapshot")
		}
		ph = ref.Hash()
	}
	c, err := h.repo.CommitObject(ph)
	if err != nil {
		return nil, errNotFound(fmt.Sprintf("snapshot %s", hash))
	}
	p := path.Join(h.db.name, table, entryPrefix+strconv.FormatInt(id, 10))
	f, err := c.File(p)
	if err != nil {
		return nil, errNotFound(fmt.Sprintf("entry %d of table %q at %s", id, table, c.Hash))
	}
	r, err := f.Reader()
	if err != nil {
		return nil, errStorage(fmt.Sprintf("failed to open %s at %s", p, c.Hash), err)
	}
	defer func() { _ = r.Close() }()
	v, err := recfile.Decode(r)
	if err != nil {
		return nil, wrapRead(fmt.Sprintf("entry %d of table %q at %s", id, table, c.Hash), err)
	}
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, newError(ErrorCodeCorrupt, fmt.Sprintf("entry %d of table %q at %s holds %T, not a map", id, table, c.Hash, v))
	}
	return Record(rec), nil
}
