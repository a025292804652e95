package dirdb

import (
	"os"
	"testing"

	"github.com/maruel/dirdb/internal/recfile"
)

func TestMeta(t *testing.T) {
	t.Run("snapshot is isolated", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"n": 1})
		m, err := db.Table("items").Meta()
		if err != nil {
			t.Fatalf("Meta failed: %v", err)
		}
		m.Count = 42
		m.Indexes[idField][0] = int64(99)
		again, err := db.Table("items").Meta()
		if err != nil {
			t.Fatalf("Meta failed: %v", err)
		}
		if again.Count != 1 || again.Indexes[idField][0] != int64(1) {
			t.Errorf("Meta() = %+v, a caller mutation leaked into the store", again)
		}
	})

	t.Run("missing table", func(t *testing.T) {
		db := setupDB(t)
		_, err := db.Table("nothing").Meta()
		wantCode(t, err, ErrorCodeNotFound)
	})

	t.Run("fresh handle reads the persisted state", func(t *testing.T) {
		root := t.TempDir()
		db, err := Open(root, "testdb")
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if _, err := db.Table("items").Indexes("cat"); err != nil {
			t.Fatalf("Indexes failed: %v", err)
		}
		for _, cat := range []string{"a", "b", "c"} {
			mustInsert(t, db, "items", Record{"cat": cat})
		}

		other, err := Open(root, "testdb")
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		m, err := other.Table("items").Meta()
		if err != nil {
			t.Fatalf("Meta failed: %v", err)
		}
		if m.LastID != 3 || m.Count != 3 {
			t.Errorf("lastID = %d count = %d, want 3 and 3", m.LastID, m.Count)
		}
		if len(m.Indexes["cat"]) != 3 {
			t.Errorf("cat sequence = %v, want 3 values", m.Indexes["cat"])
		}
	})
}

func TestMetaCorruption(t *testing.T) {
	// Each case plants a broken meta file and expects the loader to classify
	// it as corruption, not as a missing table or a storage fault.
	write := func(t *testing.T, db *DB, v any) {
		t.Helper()
		if err := recfile.WriteFile(db.metaPath("items"), v, false); err != nil {
			t.Fatalf("failed to plant metadata: %v", err)
		}
	}

	t.Run("garbage bytes", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"n": 1})
		if err := os.WriteFile(db.metaPath("items"), []byte("not a payload"), 0o644); err != nil {
			t.Fatalf("failed to overwrite metadata: %v", err)
		}
		db.Refresh("items")
		_, err := db.Table("items").Meta()
		wantCode(t, err, ErrorCodeCorrupt)
	})

	t.Run("non-map payload", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"n": 1})
		write(t, db, []any{int64(1)})
		db.Refresh("items")
		_, err := db.Table("items").Meta()
		wantCode(t, err, ErrorCodeCorrupt)
	})

	t.Run("misaligned sequences", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"n": 1})
		write(t, db, map[string]any{
			"last_id": int64(1),
			"count":   int64(1),
			"indexes": map[string]any{
				idField: []any{int64(1)},
				"cat":   []any{},
			},
		})
		db.Refresh("items")
		_, err := db.Table("items").Meta()
		wantCode(t, err, ErrorCodeCorrupt)
	})

	t.Run("missing id sequence", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"n": 1})
		write(t, db, map[string]any{
			"last_id": int64(1),
			"count":   int64(1),
			"indexes": map[string]any{"cat": []any{"a"}},
		})
		db.Refresh("items")
		_, err := db.Table("items").Meta()
		wantCode(t, err, ErrorCodeCorrupt)
	})
}
