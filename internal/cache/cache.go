// Package cache implements the on-disk JSON cache persistence used by the
// phoneme, inference, primer, model, and session caches (spec.md §6).
// Every cache file shares one envelope format and is written atomically.
package cache

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Version is the envelope version written by this package. Reads reject any
// other value rather than attempt a migration.
const Version = "1.0"

// gzipThresholdBytes is the size above which a payload MAY be
// gzip-compressed, per spec.md §6. We always compress once the marshaled
// envelope crosses this line.
const gzipThresholdBytes = 100 * 1024

// Entry is one cache file's envelope, as persisted to and loaded from disk.
type Entry struct {
	CacheType    string          `json:"cache_type"`
	Version      string          `json:"version"`
	Timestamp    time.Time       `json:"timestamp"`
	EntriesCount int             `json:"entries_count"`
	Data         json.RawMessage `json:"data"`
	Checksum     string          `json:"checksum,omitempty"`
}

// now is overridden in tests for deterministic timestamps.
var now = time.Now

// Write marshals data as a cache envelope of the given cacheType and
// entriesCount, checksums it, and writes it atomically to path via a
// temp-file-then-rename. Payloads over gzipThresholdBytes are gzip-compressed
// and written to path+".gz" instead.
func Write(path, cacheType string, entriesCount int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cache: marshal data: %w", err)
	}

	entry := Entry{
		CacheType:    cacheType,
		Version:      Version,
		Timestamp:    now(),
		EntriesCount: entriesCount,
		Data:         raw,
	}

	sum, err := checksum(entry)
	if err != nil {
		return fmt.Errorf("cache: checksum: %w", err)
	}
	entry.Checksum = sum

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: marshal envelope: %w", err)
	}

	target := path
	if len(encoded) > gzipThresholdBytes {
		target = path + ".gz"
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(encoded); err != nil {
			return fmt.Errorf("cache: gzip: %w", err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("cache: gzip: %w", err)
		}
		encoded = buf.Bytes()
	}

	return writeAtomic(target, encoded)
}

// Read loads and validates the cache envelope at path (or path+".gz" if
// path itself is absent). A version mismatch or checksum mismatch is not an
// error: Read returns (nil, nil) so callers fall back to fresh state, per
// spec.md's R1.
func Read(path string) (*Entry, error) {
	raw, err := readEither(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, nil
	}

	if entry.Version != Version {
		return nil, nil
	}

	wantSum := entry.Checksum
	entry.Checksum = ""
	gotSum, err := checksum(entry)
	entry.Checksum = wantSum
	if err != nil || gotSum != wantSum {
		return nil, nil
	}

	return &entry, nil
}

// Unmarshal decodes entry.Data into v. Callers use this after a successful
// Read to recover the typed payload.
func (e *Entry) Unmarshal(v any) error {
	return json.Unmarshal(e.Data, v)
}

// checksum computes the hex SHA-256 of entry with its Checksum field held
// empty, matching spec.md §6's "checksum of the object with checksum field
// absent" (omitempty drops it from the marshaled JSON).
func checksum(entry Entry) (string, error) {
	entry.Checksum = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func readEither(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	gz, gzErr := os.ReadFile(path + ".gz")
	if gzErr != nil {
		return nil, err
	}
	r, gzErr := gzip.NewReader(bytes.NewReader(gz))
	if gzErr != nil {
		return nil, gzErr
	}
	defer r.Close()
	return io.ReadAll(r)
}

// writeAtomic writes data to a temp file in dir(path) and renames it into
// place, avoiding a reader ever observing a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: rename into place: %w", err)
	}
	return nil
}
