// Package dirdb is an embeddable, process-local record store that persists
// schemaless records as individual files under a directory hierarchy.
//
// # Overview
//
// A [DB] handle owns one database directory under a caller-supplied root.
// Tables are subdirectories created lazily on first insert; each holds one
// file per entry, a meta file with the id counter, the live row count and
// the index sequences, and cache artifacts of prior query results. Every
// operation starts at [DB.Table], which returns a single-use [Query].
//
//	db, err := dirdb.Open("/var/data", "shop")
//	rec, err := db.Table("products").Insert(dirdb.Record{"name": "shirt", "price": 19.99})
//	all, err := db.Table("products").Order(dirdb.Desc, "price").Limit(10).All()
//
// # Queries Are Single-Use
//
// A [Query] is consumed by its first terminal call. Running a second
// terminal on the same value fails with [ErrorCodeQueryConsumed]; each
// logical operation starts fresh from [DB.Table].
//
// # Indexes
//
// [Query.Indexes] declares fields kept as position-aligned value sequences
// in the table metadata. Declared fields become mandatory on insert and
// update, and enable [Query.Find] by field and [Query.Order] by field. The
// id sequence always exists.
//
// # Result Cache
//
// [Query.All] persists its result as a cache artifact keyed by a
// fingerprint of the query shape. Any mutation removes all of the table's
// artifacts before it returns, so identical queries are cheap between
// mutations and never stale across them within a single writer.
//
// # Concurrency
//
// A handle is single-threaded by contract: it keeps per-table metadata
// cached without locking. Share a handle across goroutines only behind
// external serialization. Across processes, mutations are a read-modify-
// write of the meta file; run a single writer or hold an external advisory
// lock per table. [DB.Watch] and [DB.Refresh] let read-only handles follow
// another process's writes.
package dirdb
