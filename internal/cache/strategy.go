package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// StrategyFreshness is how long a cached provider strategy is trusted
// before FastInit ignores it and picks the first enumerated candidate, per
// spec.md §6.
const StrategyFreshness = 24 * time.Hour

// Strategy is the cached-provider-strategy format consumed by the
// Supervisor's FastInit to skip benchmarking at startup, per spec.md §6.
type Strategy struct {
	ProviderID string    `json:"providerId"`
	MeasuredAt time.Time `json:"measuredAt"`
	P95Ms      float64   `json:"p95Ms"`
	RTF        float64   `json:"rtf"`
}

// Fresh reports whether the strategy was measured within StrategyFreshness
// of now.
func (s Strategy) Fresh(now time.Time) bool {
	return now.Sub(s.MeasuredAt) < StrategyFreshness
}

// WriteStrategy persists a provider strategy directly (not wrapped in the
// generic envelope; spec.md §6 describes this file's format separately from
// the cache_type/version/checksum envelope used elsewhere).
func WriteStrategy(path string, s Strategy) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache: marshal strategy: %w", err)
	}
	return writeAtomic(path, raw)
}

// ReadStrategy loads a provider strategy file. A missing or malformed file
// yields (nil, nil): FastInit falls back to the first enumerated candidate.
func ReadStrategy(path string) (*Strategy, error) {
	raw, err := readEither(path)
	if err != nil {
		return nil, nil
	}
	var s Strategy
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, nil
	}
	return &s, nil
}
