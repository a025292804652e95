// Record values: normalization into the stable on-disk value domain, deep
// cloning, and the equality/ordering shared by filters and sorts.

package dirdb

import (
	"cmp"
	"maps"
	"math"
	"reflect"
	"slices"
)

// idField is the reserved field carrying the assigned entry id.
const idField = "id"

// Record is one stored entry: a schemaless mapping from field name to value.
// After normalization a value is nil, bool, int64, float64, string, []any,
// or map[string]any, nested freely.
type Record map[string]any

// ID returns the record's assigned id, or 0 if absent.
func (r Record) ID() int64 {
	id, _ := r[idField].(int64)
	return id
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		c := make([]any, len(x))
		for i, e := range x {
			c[i] = cloneValue(e)
		}
		return c
	case map[string]any:
		c := make(map[string]any, len(x))
		for k, e := range x {
			c[k] = cloneValue(e)
		}
		return c
	default:
		return x
	}
}

// normalizeRecord rebuilds rec with every value normalized. The result never
// aliases the input.
func normalizeRecord(rec Record) (Record, error) {
	if len(rec) == 0 {
		return nil, errValidation("record must be a non-empty field-to-value map")
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		if k == "" {
			return nil, errValidation("record field names must not be empty")
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

// normalizeValue maps arbitrary caller values onto the on-disk value domain.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case string:
		return x, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintToInt64(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt64(x)
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = ne
		}
		return out, nil
	case Record:
		return normalizeValue(map[string]any(x))
	}
	// Typed slices ([]string, []int, ...) and string-keyed maps arrive via
	// reflection; anything else has no stable encoding.
	rv := reflect.ValueOf(v)
	switch rv.Kind() { //nolint:exhaustive // Everything else is unsupported.
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			ne, err := normalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errValidation("map keys must be strings, got %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		for _, k := range rv.MapKeys() {
			ne, err := normalizeValue(rv.MapIndex(k).Interface())
			if err != nil {
				return nil, err
			}
			out[k.String()] = ne
		}
		return out, nil
	}
	return nil, errValidation("unsupported value type %T", v)
}

func uintToInt64(x uint64) (any, error) {
	if x > math.MaxInt64 {
		return nil, errValidation("integer value %d overflows int64", x)
	}
	return int64(x), nil //nolint:gosec // G115: bounds-checked above
}

// equalValues reports deep equality over normalized values. int64 and
// float64 compare numerically so 2 matches 2.0.
func equalValues(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch va := a.(type) {
	case nil:
		return b == nil
	case bool:
		vb, ok := b.(bool)
		return ok && va == vb
	case string:
		vb, ok := b.(string)
		return ok && va == vb
	case []any:
		vb, ok := b.([]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !equalValues(va[i], vb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		vb, ok := b.(map[string]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for k, ea := range va {
			eb, ok := vb[k]
			if !ok || !equalValues(ea, eb) {
				return false
			}
		}
		return true
	}
	return false
}

// compareValues is a total order over normalized values used for sorting:
// values of different kinds order by kind rank (nil < bool < number <
// string < list < map), numbers compare numerically across int64/float64.
func compareValues(a, b any) int {
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch va := a.(type) {
	case nil:
		return 0
	case bool:
		vb := b.(bool)
		if va == vb {
			return 0
		}
		if !va {
			return -1
		}
		return 1
	case int64:
		if vb, ok := b.(int64); ok {
			return cmp.Compare(va, vb)
		}
	case string:
		return cmp.Compare(va, b.(string))
	case []any:
		vb := b.([]any)
		for i := range min(len(va), len(vb)) {
			if c := compareValues(va[i], vb[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(va), len(vb))
	case map[string]any:
		vb := b.(map[string]any)
		ka := slices.Sorted(maps.Keys(va))
		kb := slices.Sorted(maps.Keys(vb))
		for i := range min(len(ka), len(kb)) {
			if c := cmp.Compare(ka[i], kb[i]); c != 0 {
				return c
			}
			if c := compareValues(va[ka[i]], vb[kb[i]]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(ka), len(kb))
	}
	fa, _ := asFloat(a)
	fb, _ := asFloat(b)
	return cmp.Compare(fa, fb)
}

func kindRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
