package dirdb

import (
	"reflect"
	"slices"
	"testing"
)

func TestOrder(t *testing.T) {
	t.Run("by id", func(t *testing.T) {
		db := setupDB(t)
		for i := 1; i <= 5; i++ {
			mustInsert(t, db, "items", Record{"n": i})
		}
		all, err := db.Table("items").Order(Asc).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{1, 2, 3, 4, 5}) {
			t.Errorf("asc ids = %v", ids)
		}
		all, err = db.Table("items").Order(Desc).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{5, 4, 3, 2, 1}) {
			t.Errorf("desc ids = %v", ids)
		}
	})

	t.Run("by indexed field with ties", func(t *testing.T) {
		db := setupDB(t)
		if _, err := db.Table("items").Indexes("cat"); err != nil {
			t.Fatalf("Indexes failed: %v", err)
		}
		for _, cat := range []string{"b", "a", "a", "c"} {
			mustInsert(t, db, "items", Record{"cat": cat})
		}
		all, err := db.Table("items").Order(Asc, "cat").All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{2, 3, 1, 4}) {
			t.Errorf("asc by cat ids = %v, want ties broken by ascending id", ids)
		}
		all, err = db.Table("items").Order(Desc, "cat").All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{4, 1, 2, 3}) {
			t.Errorf("desc by cat ids = %v, want ties still ascending by id", ids)
		}
	})

	t.Run("mixed value kinds sort by kind", func(t *testing.T) {
		db := setupDB(t)
		if _, err := db.Table("items").Indexes("v"); err != nil {
			t.Fatalf("Indexes failed: %v", err)
		}
		mustInsert(t, db, "items", Record{"v": "text"})
		mustInsert(t, db, "items", Record{"v": 7})
		mustInsert(t, db, "items", Record{"v": nil})
		mustInsert(t, db, "items", Record{"v": true})
		all, err := db.Table("items").Order(Asc, "v").All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{3, 4, 2, 1}) {
			t.Errorf("ids = %v, want nil < bool < number < string", ids)
		}
	})

	t.Run("undeclared field", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"n": 1})
		_, err := db.Table("items").Order(Asc, "ghost").All()
		wantCode(t, err, ErrorCodeNotIndexed)
	})

	t.Run("bad direction", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"n": 1})
		_, err := db.Table("items").Order(Direction("sideways")).All()
		wantCode(t, err, ErrorCodeValidationFailed)
	})
}

func TestPagination(t *testing.T) {
	setup := func(t *testing.T) *DB {
		t.Helper()
		db := setupDB(t)
		for i := 1; i <= 5; i++ {
			mustInsert(t, db, "items", Record{"n": i})
		}
		return db
	}

	tests := []struct {
		name   string
		limit  int
		offset int
		want   []int64
	}{
		{"offset and limit", 2, 2, []int64{3, 4}},
		{"limit alone", 2, 0, []int64{1, 2}},
		{"offset alone", 0, 3, []int64{4, 5}},
		{"limit past the end", 10, 3, []int64{4, 5}},
		{"offset past the end", 2, 9, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setup(t)
			q := db.Table("items")
			if tt.limit > 0 {
				q = q.Limit(tt.limit)
			}
			if tt.offset > 0 {
				q = q.Offset(tt.offset)
			}
			all, err := q.All()
			if err != nil {
				t.Fatalf("All failed: %v", err)
			}
			if ids := idsOf(all); !slices.Equal(ids, tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}

	t.Run("negative bounds", func(t *testing.T) {
		db := setup(t)
		_, err := db.Table("items").Limit(-1).All()
		wantCode(t, err, ErrorCodeValidationFailed)
		_, err = db.Table("items").Offset(-1).All()
		wantCode(t, err, ErrorCodeValidationFailed)
	})

	// Pagination slices the ordered id list before the filter runs, so a
	// filtered page can come back shorter than the limit.
	t.Run("applies before filtering", func(t *testing.T) {
		db := setupDB(t)
		for _, flag := range []bool{true, false, true, true} {
			mustInsert(t, db, "items", Record{"keep": flag})
		}
		all, err := db.Table("items").Where(Record{"keep": true}).Limit(2).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{1}) {
			t.Errorf("ids = %v, want [1]: the page [1 2] is taken first, then 2 drops", ids)
		}
	})
}

func TestFilter(t *testing.T) {
	setupSizes := func(t *testing.T) *DB {
		t.Helper()
		db := setupDB(t)
		mustInsert(t, db, "products", Record{"name": "a", "sizes": []any{"S", "L"}})
		mustInsert(t, db, "products", Record{"name": "b", "sizes": []any{"M", "L", "XL"}})
		mustInsert(t, db, "products", Record{"name": "c", "sizes": []any{"S", "M", "L"}})
		return db
	}

	t.Run("list expectation needs every element", func(t *testing.T) {
		db := setupSizes(t)
		all, err := db.Table("products").Where(Record{"sizes": []any{"L", "XL"}}).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{2}) {
			t.Errorf("ids = %v, want only the entry carrying both L and XL", ids)
		}
	})

	t.Run("scalar expectation means membership", func(t *testing.T) {
		db := setupSizes(t)
		all, err := db.Table("products").Where(Record{"sizes": "S"}).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{1, 3}) {
			t.Errorf("ids = %v, want [1 3]", ids)
		}
	})

	t.Run("scalar equality crosses int and float", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"price": 2})
		mustInsert(t, db, "items", Record{"price": 3.5})
		all, err := db.Table("items").Where(Record{"price": 2.0}).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{1}) {
			t.Errorf("ids = %v, want the integer price to match 2.0", ids)
		}
	})

	t.Run("nested values compare deeply", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"attrs": map[string]any{"color": "blue", "n": 1}})
		mustInsert(t, db, "items", Record{"attrs": map[string]any{"color": "red"}})
		all, err := db.Table("items").Where(Record{"attrs": map[string]any{"n": 1, "color": "blue"}}).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{1}) {
			t.Errorf("ids = %v, want [1]", ids)
		}
	})

	t.Run("absent field reads as nil", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"a": 1})
		mustInsert(t, db, "items", Record{"a": 1, "ghost": 2})
		all, err := db.Table("items").Where(Record{"ghost": nil}).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{1}) {
			t.Errorf("ids = %v, want the entry without the field", ids)
		}
		all, err = db.Table("items").Where(Record{"ghost": 7}).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if len(all) != 0 {
			t.Errorf("got %d entries, want none", len(all))
		}
	})

	t.Run("plain map predicates work too", func(t *testing.T) {
		db := setupSizes(t)
		all, err := db.Table("products").Where(map[string]any{"name": "b"}).All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if ids := idsOf(all); !slices.Equal(ids, []int64{2}) {
			t.Errorf("ids = %v, want [2]", ids)
		}
	})

	t.Run("unsupported predicates", func(t *testing.T) {
		db := setupSizes(t)
		_, err := db.Table("products").Where(func(Record) bool { return true }).All()
		wantCode(t, err, ErrorCodeUnsupportedPredicate)
		_, err = db.Table("products").Where([]any{"S"}).All()
		wantCode(t, err, ErrorCodeUnsupportedPredicate)
		_, err = db.Table("products").Where(Record{"sizes": func() {}}).All()
		wantCode(t, err, ErrorCodeUnsupportedPredicate)
	})
}

func TestSelect(t *testing.T) {
	t.Run("keeps only listed fields", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"name": "a", "price": 1.5, "stock": 3})
		all, err := db.Table("items").Select("name", "price").All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		want := Record{"name": "a", "price": 1.5}
		if !reflect.DeepEqual(all[0], want) {
			t.Errorf("All() = %#v, want %#v", all[0], want)
		}
	})

	t.Run("skips absent fields", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"name": "a"})
		all, err := db.Table("items").Select("name", "ghost").All()
		if err != nil {
			t.Fatalf("All failed: %v", err)
		}
		if _, ok := all[0]["ghost"]; ok {
			t.Error("projection invented a field")
		}
		if all[0]["name"] != "a" {
			t.Errorf("name = %v, want a", all[0]["name"])
		}
	})

	t.Run("applies to Find", func(t *testing.T) {
		db := setupDB(t)
		stored := mustInsert(t, db, "items", Record{"name": "a", "price": 1.5})
		got, err := db.Table("items").Select("name").Find(stored.ID())
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if !reflect.DeepEqual(got, Record{"name": "a"}) {
			t.Errorf("Find() = %#v, want only name", got)
		}
	})
}

func TestFirst(t *testing.T) {
	db := setupDB(t)
	// No metadata at all yet: the table was never written to.
	_, err := db.Table("items").First()
	wantCode(t, err, ErrorCodeNotFound)
	mustInsert(t, db, "items", Record{"n": 1})
	mustInsert(t, db, "items", Record{"n": 2})
	got, err := db.Table("items").Order(Desc).First()
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if got.ID() != 2 {
		t.Errorf("First() id = %d, want 2", got.ID())
	}
	got, err = db.Table("items").Where(Record{"n": 99}).First()
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if got != nil {
		t.Errorf("First() = %#v, want nil for an empty result", got)
	}
}

func TestCount(t *testing.T) {
	db := setupDB(t)
	for i := 1; i <= 4; i++ {
		mustInsert(t, db, "items", Record{"n": i, "even": i%2 == 0})
	}

	t.Run("plain count reads metadata", func(t *testing.T) {
		n, err := db.Table("items").Count()
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 4 {
			t.Errorf("Count() = %d, want 4", n)
		}
	})

	t.Run("filtered count executes the query", func(t *testing.T) {
		n, err := db.Table("items").Where(Record{"even": true}).Count()
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 2 {
			t.Errorf("Count() = %d, want 2", n)
		}
	})

	t.Run("bounded count measures the page", func(t *testing.T) {
		n, err := db.Table("items").Limit(3).Count()
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 3 {
			t.Errorf("Count() = %d, want 3", n)
		}
	})

	t.Run("missing table", func(t *testing.T) {
		_, err := db.Table("nothing").Count()
		wantCode(t, err, ErrorCodeNotFound)
	})
}

func TestFind(t *testing.T) {
	t.Run("by id", func(t *testing.T) {
		db := setupDB(t)
		stored := mustInsert(t, db, "items", Record{"name": "a"})
		got, err := db.Table("items").Find(stored.ID())
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if got["name"] != "a" {
			t.Errorf("Find() = %#v", got)
		}
	})

	t.Run("missing id is not an error", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"name": "a"})
		got, err := db.Table("items").Find(99)
		if err != nil || got != nil {
			t.Errorf("Find(99) = %#v, %v, want nil, nil", got, err)
		}
	})

	t.Run("by indexed field", func(t *testing.T) {
		db := setupDB(t)
		if _, err := db.Table("items").Indexes("slug"); err != nil {
			t.Fatalf("Indexes failed: %v", err)
		}
		mustInsert(t, db, "items", Record{"slug": "first"})
		want := mustInsert(t, db, "items", Record{"slug": "second"})
		got, err := db.Table("items").Find("second", "slug")
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if got.ID() != want.ID() {
			t.Errorf("Find() id = %d, want %d", got.ID(), want.ID())
		}
		got, err = db.Table("items").Find("nobody", "slug")
		if err != nil || got != nil {
			t.Errorf("Find(nobody) = %#v, %v, want nil, nil", got, err)
		}
	})

	t.Run("by undeclared field", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"name": "a"})
		_, err := db.Table("items").Find("a", "name")
		wantCode(t, err, ErrorCodeNotIndexed)
	})

	t.Run("non-integer id", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"name": "a"})
		_, err := db.Table("items").Find("a")
		wantCode(t, err, ErrorCodeValidationFailed)
	})

	t.Run("duplicate field values return the first row", func(t *testing.T) {
		db := setupDB(t)
		if _, err := db.Table("items").Indexes("cat"); err != nil {
			t.Fatalf("Indexes failed: %v", err)
		}
		first := mustInsert(t, db, "items", Record{"cat": "x"})
		mustInsert(t, db, "items", Record{"cat": "x"})
		got, err := db.Table("items").Find("x", "cat")
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if got.ID() != first.ID() {
			t.Errorf("Find() id = %d, want the earliest match %d", got.ID(), first.ID())
		}
	})
}

func TestUpdate(t *testing.T) {
	t.Run("replaces the record", func(t *testing.T) {
		db := setupDB(t)
		stored := mustInsert(t, db, "items", Record{"name": "a", "extra": true})
		updated, err := db.Table("items").Update(stored.ID(), Record{"name": "b"})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if updated["name"] != "b" {
			t.Errorf("name = %v, want b", updated["name"])
		}
		got, err := db.Table("items").Find(stored.ID())
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if _, ok := got["extra"]; ok {
			t.Error("update merged instead of replacing")
		}
	})

	t.Run("id is immutable", func(t *testing.T) {
		db := setupDB(t)
		stored := mustInsert(t, db, "items", Record{"name": "a"})
		updated, err := db.Table("items").Update(stored.ID(), Record{"id": int64(42), "name": "b"})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if updated.ID() != stored.ID() {
			t.Errorf("id = %d, want %d", updated.ID(), stored.ID())
		}
	})

	t.Run("missing id", func(t *testing.T) {
		db := setupDB(t)
		mustInsert(t, db, "items", Record{"name": "a"})
		_, err := db.Table("items").Update(99, Record{"name": "b"})
		wantCode(t, err, ErrorCodeNotFound)
	})
}
