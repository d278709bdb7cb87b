package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type payload struct {
	Foo string `json:"foo"`
	Bar int    `json:"bar"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phoneme_cache.json")

	want := payload{Foo: "hello", Bar: 42}
	if err := Write(path, "phoneme", 1, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entry, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if entry == nil {
		t.Fatal("expected non-nil entry")
	}
	if entry.CacheType != "phoneme" || entry.Version != Version || entry.EntriesCount != 1 {
		t.Fatalf("unexpected envelope: %+v", entry)
	}

	var got payload
	if err := entry.Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadMissingFileReturnsNil(t *testing.T) {
	entry, err := Read(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry, got %+v", entry)
	}
}

func TestReadChecksumMismatchYieldsNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inference_cache.json")

	if err := Write(path, "inference", 1, payload{Foo: "x"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := readEither(path)
	if err != nil {
		t.Fatalf("readEither: %v", err)
	}
	tampered := append([]byte(nil), raw...)
	for i := range tampered {
		if tampered[i] == 'x' {
			tampered[i] = 'y'
			break
		}
	}
	if err := writeAtomic(path, tampered); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}

	entry, err := Read(path)
	if err != nil {
		t.Fatalf("Read must not error on checksum mismatch: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry on checksum mismatch, got %+v", entry)
	}
}

func TestReadVersionMismatchYieldsNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_cache.json")

	entry := Entry{CacheType: "model", Version: "0.9", Timestamp: time.Now(), EntriesCount: 0, Data: []byte(`{}`)}
	sum, err := checksum(entry)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	entry.Checksum = sum

	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := writeAtomic(path, raw); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil entry on version mismatch, got %+v", got)
	}
}

func TestWriteCompressesLargePayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session_cache.json")

	big := make([]byte, gzipThresholdBytes+1024)
	for i := range big {
		big[i] = byte('a' + i%26)
	}

	if err := Write(path, "session", 1, string(big)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".gz"); err != nil {
		t.Fatalf("expected gzip file at %s.gz: %v", path, err)
	}

	entry, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if entry == nil {
		t.Fatal("expected non-nil entry read back from gzip file")
	}
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "primer_microcache.json")

	if err := Write(path, "primer", 1, payload{Foo: "first"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(path, "primer", 1, payload{Foo: "second"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entry, err := Read(path)
	if err != nil || entry == nil {
		t.Fatalf("Read failed: %v", err)
	}
	var got payload
	entry.Unmarshal(&got)
	if got.Foo != "second" {
		t.Fatalf("expected latest write to win, got %+v", got)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	if len(matches) != 0 {
		t.Fatalf("expected no leftover temp files, found %v", matches)
	}
}
