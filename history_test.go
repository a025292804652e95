package dirdb

import (
	"testing"
)

func TestHistorySnapshot(t *testing.T) {
	db := setupDB(t)
	stored := mustInsert(t, db, "items", Record{"name": "draft"})
	h, err := db.History()
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	hash1, err := h.Snapshot("first")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if hash1 == "" {
		t.Fatal("Snapshot returned no hash for new content")
	}

	// Nothing changed, so no new commit.
	again, err := h.Snapshot("noop")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if again != "" {
		t.Errorf("Snapshot() = %q, want empty for a clean tree", again)
	}

	if _, err := db.Table("items").Update(stored.ID(), Record{"name": "final"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	hash2, err := h.Snapshot("second")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if hash2 == "" || hash2 == hash1 {
		t.Fatalf("Snapshot() = %q, want a fresh hash", hash2)
	}

	t.Run("log", func(t *testing.T) {
		commits, err := h.Log(10)
		if err != nil {
			t.Fatalf("Log failed: %v", err)
		}
		if len(commits) != 2 {
			t.Fatalf("Log() returned %d commits, want 2", len(commits))
		}
		if commits[0].Message != "second" || commits[1].Message != "first" {
			t.Errorf("Log() = %q then %q, want newest first", commits[0].Message, commits[1].Message)
		}
		if commits[0].Author != historyAuthor {
			t.Errorf("author = %q, want %q", commits[0].Author, historyAuthor)
		}
	})

	t.Run("entry at snapshot", func(t *testing.T) {
		rec, err := h.EntryAt(hash1, "items", stored.ID())
		if err != nil {
			t.Fatalf("EntryAt failed: %v", err)
		}
		if rec["name"] != "draft" {
			t.Errorf("name at first snapshot = %v, want draft", rec["name"])
		}
		for _, ref := range []string{hash2, "HEAD", ""} {
			rec, err := h.EntryAt(ref, "items", stored.ID())
			if err != nil {
				t.Fatalf("EntryAt(%q) failed: %v", ref, err)
			}
			if rec["name"] != "final" {
				t.Errorf("name at %q = %v, want final", ref, rec["name"])
			}
		}
	})

	t.Run("removed entry stays reachable", func(t *testing.T) {
		if err := db.Table("items").Remove(stored.ID()); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		hash3, err := h.Snapshot("third")
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if _, err := h.EntryAt(hash3, "items", stored.ID()); !HasCode(err, ErrorCodeNotFound) {
			t.Errorf("EntryAt after removal error = %v, want not found", err)
		}
		rec, err := h.EntryAt(hash2, "items", stored.ID())
		if err != nil {
			t.Fatalf("EntryAt failed: %v", err)
		}
		if rec["name"] != "final" {
			t.Errorf("name = %v, want the value before removal", rec["name"])
		}
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		_, err := h.EntryAt("0123456789abcdef0123456789abcdef01234567", "items", stored.ID())
		wantCode(t, err, ErrorCodeNotFound)
	})
}

func TestHistoryAs(t *testing.T) {
	db := setupDB(t)
	mustInsert(t, db, "items", Record{"n": 1})
	h, err := db.HistoryAs("alice", "alice@example.com")
	if err != nil {
		t.Fatalf("HistoryAs failed: %v", err)
	}
	if _, err := h.Snapshot("by alice"); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	commits, err := h.Log(1)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(commits) != 1 || commits[0].Author != "alice" || commits[0].Email != "alice@example.com" {
		t.Errorf("Log() = %+v, want alice's commit", commits)
	}
	if _, err := db.HistoryAs("", ""); !HasCode(err, ErrorCodeValidationFailed) {
		t.Errorf("HistoryAs with no identity error = %v, want a validation failure", err)
	}
}

func TestHistoryBeforeFirstSnapshot(t *testing.T) {
	db := setupDB(t)
	mustInsert(t, db, "items", Record{"n": 1})
	h, err := db.History()
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	commits, err := h.Log(10)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(commits) != 0 {
		t.Errorf("Log() = %v, want none before the first snapshot", commits)
	}
	_, err = h.EntryAt("HEAD", "items", 1)
	wantCode(t, err, ErrorCodeNotFound)
}

func TestHistoryIgnoresDerivedFiles(t *testing.T) {
	db := setupDB(t)
	mustInsert(t, db, "items", Record{"n": 1})
	h, err := db.History()
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if _, err := h.Snapshot("base"); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	// A query only materializes a cache artifact, which snapshots ignore.
	if _, err := db.Table("items").All(); err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(cacheArtifacts(t, db, "items")) == 0 {
		t.Fatal("expected a cache artifact on disk")
	}
	hash, err := h.Snapshot("cache only")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if hash != "" {
		t.Errorf("Snapshot() = %q, want empty: cache artifacts are not content", hash)
	}
}

func TestHistoryScopesDatabase(t *testing.T) {
	root := t.TempDir()
	dba, err := Open(root, "first")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	dbb, err := Open(root, "second")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustInsert(t, dba, "items", Record{"n": 1})
	mustInsert(t, dbb, "items", Record{"n": 2})

	ha, err := dba.History()
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	hb, err := dbb.History()
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if _, err := ha.Snapshot("a1"); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, err := hb.Snapshot("b1"); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// A change in one database is invisible to the other's snapshots.
	mustInsert(t, dba, "items", Record{"n": 3})
	hash, err := hb.Snapshot("b idle")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if hash != "" {
		t.Errorf("Snapshot() = %q, want empty: only the other database changed", hash)
	}

	commits, err := ha.Log(10)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(commits) != 1 || commits[0].Message != "a1" {
		t.Errorf("Log() = %+v, want only the a1 commit", commits)
	}
	commits, err = hb.Log(10)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(commits) != 1 || commits[0].Message != "b1" {
		t.Errorf("Log() = %+v, want only the b1 commit", commits)
	}
}
