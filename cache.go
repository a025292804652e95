// Result-cache artifacts: query-shape fingerprinting, artifact read/write,
// and invalidation on mutation.

package dirdb

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maruel/dirdb/internal/recfile"
)

// base32Enc uses the base32 "Extended Hex" alphabet (0-9A-V) which is
// ASCII-sorted and safe on case-insensitive filesystems.
var base32Enc = base32.HexEncoding.WithPadding(base32.NoPadding)

const cachePrefix = "cache_"

// fingerprint hashes the canonical encoding of a query shape. Identical
// shapes always map to the same artifact name.
func fingerprint(shape map[string]any) (string, error) {
	data, err := recfile.Marshal(shape)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return base32Enc.EncodeToString(h[:]), nil
}

// loadCache returns the materialized result stored under fp, if any.
func (db *DB) loadCache(table, fp string) ([]Record, bool, error) {
	raw, err := recfile.ReadFile(db.cachePath(table, fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, wrapRead(fmt.Sprintf("cache artifact of table %q", table), err)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, false, newError(ErrorCodeCorrupt, fmt.Sprintf("cache artifact of table %q holds %T, not a sequence", table, raw))
	}
	out := make([]Record, 0, len(list))
	for i, e := range list {
		rec, ok := e.(map[string]any)
		if !ok {
			return nil, false, newError(ErrorCodeCorrupt, fmt.Sprintf("cache artifact of table %q holds %T at position %d", table, e, i))
		}
		out = append(out, Record(rec))
	}
	return out, true, nil
}

// storeCache persists the assembled result under fp.
func (db *DB) storeCache(table, fp string, result []Record) error {
	list := make([]any, len(result))
	for i, r := range result {
		list[i] = map[string]any(r)
	}
	if err := recfile.WriteFile(db.cachePath(table, fp), list, db.compress); err != nil {
		return errStorage(fmt.Sprintf("failed to persist cache artifact of table %q", table), err)
	}
	return nil
}

// invalidateCache removes every cache artifact of the table. Mutations call
// this before returning, so no later read can serve a stale result.
func (db *DB) invalidateCache(table string) error {
	entries, err := os.ReadDir(db.tableDir(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errStorage(fmt.Sprintf("failed to list table %q", table), err)
	}
	var errs []error
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), cachePrefix) {
			if err := os.Remove(filepath.Join(db.tableDir(table), e.Name())); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return errStorage(fmt.Sprintf("failed to invalidate cache of table %q", table), err)
	}
	return nil
}
