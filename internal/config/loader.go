package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Loader loads configuration from environment variables. Tests override
// Lookup to inject deterministic maps, matching the teacher's Loader shape.
type Loader struct {
	Lookup func(string) (string, bool)
}

// Load retrieves the runtime configuration from environment variables, per
// spec.md §6's recognized options.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	cfg := Default()

	if raw, ok := l.Lookup("KESTREL_CONFIG"); ok && strings.TrimSpace(raw) != "" {
		if err := applyJSON(raw, &cfg); err != nil {
			return Config{}, err
		}
	}

	overrideString(l.Lookup, "KESTREL_LISTEN_ADDR", &cfg.ListenAddr)
	overrideString(l.Lookup, "KESTREL_LOG_LEVEL", &cfg.LogLevel)
	overrideString(l.Lookup, "KESTREL_CACHE_DIR", &cfg.CacheDir)
	overrideString(l.Lookup, "KESTREL_REPORTS_DIR", &cfg.ReportsDir)
	overrideString(l.Lookup, "DEV_PERFORMANCE_PROFILE", &cfg.DevPerformanceProfile)

	if v, ok := l.Lookup("ACCELERATOR_COMPUTE_UNITS"); ok && strings.TrimSpace(v) != "" {
		cfg.ComputeUnits = ComputeUnits(strings.TrimSpace(v))
	}

	for _, b := range []struct {
		key    string
		target *bool
	}{
		{"FORCE_CPU_PROVIDER", &cfg.ForceCPUProvider},
		{"SKIP_BACKGROUND_BENCHMARKING", &cfg.SkipBackgroundBenchmarking},
		{"DISABLE_DUAL_SESSIONS", &cfg.DisableDualSessions},
		{"AGGRESSIVE_WARMING", &cfg.AggressiveWarming},
		{"CACHE_PREWARM", &cfg.CachePrewarm},
		{"CACHE_PERSISTENCE", &cfg.CachePersistence},
		{"KESTREL_LOCALHOST_ONLY", &cfg.LocalhostOnly},
	} {
		if err := overrideBool(l.Lookup, b.key, b.target); err != nil {
			return Config{}, err
		}
	}

	for _, i := range []struct {
		key    string
		target *int
	}{
		{"KESTREL_PER_MINUTE_LIMIT", &cfg.PerMinuteLimit},
		{"KESTREL_PER_HOUR_LIMIT", &cfg.PerHourLimit},
		{"KESTREL_SUSPICIOUS_THRESHOLD", &cfg.SuspiciousLimit},
		{"KESTREL_SWAP_FAILURE_CAP", &cfg.SwapFailureCap},
		{"KESTREL_UNDERRUN_THRESHOLD_MS", &cfg.UnderrunThresholdMs},
		{"KESTREL_MIN_ARENA_MIB", &cfg.MinArenaMiB},
		{"KESTREL_MAX_ARENA_MIB", &cfg.MaxArenaMiB},
	} {
		if err := overrideInt(l.Lookup, i.key, i.target); err != nil {
			return Config{}, err
		}
	}

	if err := overrideFloat(l.Lookup, "KESTREL_SWAP_THRESHOLD", &cfg.SwapThreshold); err != nil {
		return Config{}, err
	}

	for _, d := range []struct {
		key    string
		target *time.Duration
	}{
		{"KESTREL_DRAIN_TIMEOUT_MS", &cfg.DrainTimeout},
		{"KESTREL_REQUEST_TIMEOUT_MS", &cfg.RequestTimeout},
		{"KESTREL_BLOCK_DURATION_MIN", &cfg.BlockDuration},
		{"KESTREL_SWAP_COOLDOWN_MIN", &cfg.SwapCooldown},
		{"KESTREL_OPTIMIZATION_INTERVAL_S", &cfg.OptimizationInterval},
	} {
		if err := overrideDuration(l.Lookup, d.key, d.target); err != nil {
			return Config{}, err
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.MinArenaMiB <= 0 || cfg.MaxArenaMiB < cfg.MinArenaMiB {
		return fmt.Errorf("config: invalid arena bounds [%d, %d]", cfg.MinArenaMiB, cfg.MaxArenaMiB)
	}
	if cfg.PerMinuteLimit <= 0 || cfg.PerHourLimit <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	return nil
}

func applyJSON(raw string, cfg *Config) error {
	var payload struct {
		ListenAddr   string `json:"listen_addr"`
		LogLevel     string `json:"log_level"`
		CacheDir     string `json:"cache_dir"`
		ReportsDir   string `json:"reports_dir"`
		ComputeUnits string `json:"accelerator_compute_units"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("config: decode KESTREL_CONFIG: %w", err)
	}
	if payload.ListenAddr != "" {
		cfg.ListenAddr = payload.ListenAddr
	}
	if payload.LogLevel != "" {
		cfg.LogLevel = payload.LogLevel
	}
	if payload.CacheDir != "" {
		cfg.CacheDir = payload.CacheDir
	}
	if payload.ReportsDir != "" {
		cfg.ReportsDir = payload.ReportsDir
	}
	if payload.ComputeUnits != "" {
		cfg.ComputeUnits = ComputeUnits(payload.ComputeUnits)
	}
	return nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float64) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

// overrideDuration parses an integer env var, inferring its unit (Ms/Min/S
// suffix) from the key name, into a duration.
func overrideDuration(lookup func(string) (string, bool), key string, target *time.Duration) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: invalid value for %s: %w", key, err)
	}
	switch {
	case strings.HasSuffix(key, "_MS"):
		*target = time.Duration(parsed) * time.Millisecond
	case strings.HasSuffix(key, "_MIN"):
		*target = time.Duration(parsed) * time.Minute
	case strings.HasSuffix(key, "_S"):
		*target = time.Duration(parsed) * time.Second
	default:
		*target = time.Duration(parsed)
	}
	return nil
}
