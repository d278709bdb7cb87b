package cache

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStrategyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "provider_strategy.json")

	want := Strategy{ProviderID: "accelerator", MeasuredAt: time.Now().Truncate(time.Second), P95Ms: 312.5, RTF: 0.18}
	if err := WriteStrategy(path, want); err != nil {
		t.Fatalf("WriteStrategy: %v", err)
	}

	got, err := ReadStrategy(path)
	if err != nil {
		t.Fatalf("ReadStrategy: %v", err)
	}
	if got == nil {
		t.Fatal("expected non-nil strategy")
	}
	if got.ProviderID != want.ProviderID || got.P95Ms != want.P95Ms || got.RTF != want.RTF {
		t.Fatalf("got %+v, want %+v", *got, want)
	}
}

func TestStrategyFreshness(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	fresh := Strategy{MeasuredAt: now.Add(-23 * time.Hour)}
	stale := Strategy{MeasuredAt: now.Add(-25 * time.Hour)}

	if !fresh.Fresh(now) {
		t.Fatal("expected 23h-old strategy to be fresh")
	}
	if stale.Fresh(now) {
		t.Fatal("expected 25h-old strategy to be stale")
	}
}

func TestReadStrategyMissingFileReturnsNil(t *testing.T) {
	got, err := ReadStrategy(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}
