// Typed views: a generic struct-shaped facade over a table, with a field
// catalog reflected from the struct via JSON Schema.

package dirdb

import (
	"bytes"
	"encoding/json"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

// FieldKind classifies a catalog field by its stored value shape.
type FieldKind string

const (
	KindText   FieldKind = "text"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindList   FieldKind = "list"
	KindMap    FieldKind = "map"
)

// Field describes one struct field of a bound view. Required and
// Description come from the struct's jsonschema tags.
type Field struct {
	Name        string
	Kind        FieldKind
	Required    bool
	Description string
}

// View is a typed facade over one table. Values cross the boundary through
// encoding/json, so the usual json tags apply. Declare an
// `ID int64 json:"id,omitempty"` field to receive assigned ids; with
// omitempty a zero id is left for Insert to assign.
type View[T any] struct {
	db     *DB
	table  string
	fields []Field
}

// Bind builds a typed view of the table for struct type T. The field
// catalog, including required flags and descriptions, is reflected from T's
// jsonschema tags.
func Bind[T any](db *DB, table string) (*View[T], error) {
	if err := validateName("table", table); err != nil {
		return nil, err
	}
	fields, err := fieldsFromType[T]()
	if err != nil {
		return nil, err
	}
	return &View[T]{db: db, table: table, fields: fields}, nil
}

// Fields returns the reflected field catalog.
func (v *View[T]) Fields() []Field {
	return slices.Clone(v.fields)
}

// Insert stores item as a new entry and returns it with the assigned id.
// Fields are required when their json tag has no omitempty; a required
// pointer, slice or map must not be nil, since nil encodes to null.
func (v *View[T]) Insert(item T) (T, error) {
	var zero T
	rec, err := v.encode(item)
	if err != nil {
		return zero, err
	}
	stored, err := v.db.Table(v.table).Insert(rec)
	if err != nil {
		return zero, err
	}
	return decodeRecord[T](stored)
}

// Get returns the entry with the given id, reporting whether it exists.
func (v *View[T]) Get(id int64) (T, bool, error) {
	var zero T
	rec, err := v.db.Table(v.table).Find(id)
	if err != nil || rec == nil {
		return zero, false, err
	}
	item, err := decodeRecord[T](rec)
	if err != nil {
		return zero, false, err
	}
	return item, true, nil
}

// Update replaces the entry identified by id with item.
func (v *View[T]) Update(id int64, item T) (T, error) {
	var zero T
	rec, err := v.encode(item)
	if err != nil {
		return zero, err
	}
	stored, err := v.db.Table(v.table).Update(id, rec)
	if err != nil {
		return zero, err
	}
	return decodeRecord[T](stored)
}

// Remove deletes the entries with the given ids.
func (v *View[T]) Remove(ids ...int64) error {
	return v.db.Table(v.table).Remove(ids...)
}

// All returns every entry of the table, ascending by id.
func (v *View[T]) All() ([]T, error) {
	recs, err := v.db.Table(v.table).All()
	if err != nil {
		return nil, err
	}
	out := make([]T, len(recs))
	for i, rec := range recs {
		if out[i], err = decodeRecord[T](rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (v *View[T]) encode(item T) (Record, error) {
	rec, err := toRecord(item)
	if err != nil {
		return nil, err
	}
	for _, f := range v.fields {
		if !f.Required || f.Name == idField {
			continue
		}
		if val, ok := rec[f.Name]; !ok || val == nil {
			return nil, errValidation("required field %q is missing", f.Name)
		}
	}
	return rec, nil
}

// toRecord round-trips item through JSON into the record value domain,
// keeping integers as int64 rather than letting them widen to float64.
func toRecord(item any) (Record, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, errValidation("failed to encode %T: %v", item, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errValidation("%T does not encode to a field-to-value map", item)
	}
	rec := make(Record, len(m))
	for k, val := range m {
		rec[k] = fromJSONValue(val)
	}
	return rec, nil
}

func fromJSONValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i, e := range x {
			x[i] = fromJSONValue(e)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = fromJSONValue(e)
		}
		return x
	default:
		return x
	}
}

func decodeRecord[T any](rec Record) (T, error) {
	var out T
	data, err := json.Marshal(map[string]any(rec))
	if err != nil {
		return out, errStorage("failed to re-encode record", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, errValidation("record does not fit %T: %v", out, err)
	}
	return out, nil
}

// fieldsFromType reflects T into a field catalog.
//
// It uses github.com/invopop/jsonschema to pick up field descriptions from
// `jsonschema:"description=..."` tags and required fields from the schema.
func fieldsFromType[T any]() ([]Field, error) {
	t := reflect.TypeFor[T]()
	structType := t
	if t.Kind() == reflect.Pointer {
		structType = t.Elem()
	}
	if structType.Kind() != reflect.Struct {
		return nil, errValidation("view type must be a struct or pointer to struct, got %s", t.Kind())
	}

	// Inline properties, no $ref indirection.
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(structType)

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	var fields []Field
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Key
		kind := KindText
		for i := range structType.NumField() {
			field := structType.Field(i)
			if jsonFieldName(&field) == name {
				kind = kindOf(field.Type)
				break
			}
		}
		fields = append(fields, Field{
			Name:        name,
			Kind:        kind,
			Required:    required[name],
			Description: pair.Value.Description,
		})
	}
	if len(fields) == 0 {
		return nil, errValidation("view type %s exposes no fields", structType)
	}
	return fields, nil
}

// jsonFieldName returns the JSON name of a struct field.
func jsonFieldName(field *reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return field.Name
	}
	return name
}

// kindOf maps a Go type onto the stored value shapes.
func kindOf(t reflect.Type) FieldKind {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// time.Time and []byte both travel as JSON strings.
	if t == reflect.TypeFor[time.Time]() {
		return KindText
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		return KindText
	}
	switch t.Kind() { //nolint:exhaustive // Everything else defaults to text.
	case reflect.String:
		return KindText
	case reflect.Bool:
		return KindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindNumber
	case reflect.Slice, reflect.Array:
		return KindList
	case reflect.Struct, reflect.Map:
		return KindMap
	}
	return KindText
}
