// Package config holds the runtime's startup configuration: the
// environment-derived Config struct and the Loader that builds it.
package config

import "time"

// Default values, per spec.md §4 and §6.
const (
	DefaultListenAddr      = "localhost:8080"
	DefaultLogLevel        = "info"
	DefaultDrainTimeout    = 10 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultPerMinuteLimit  = 60
	DefaultPerHourLimit    = 1000
	DefaultSuspiciousLimit = 5 // DefaultSuspiciousThreshold
	DefaultBlockDuration   = 60 * time.Minute
	DefaultSwapThreshold   = 0.15
	DefaultSwapCooldown    = 10 * time.Minute
	DefaultSwapFailureCap  = 3
	DefaultOptimizationInterval = 300 * time.Second
	DefaultUnderrunMs      = 50
	DefaultMinArenaMiB     = 256
	DefaultMaxArenaMiB     = 2048
	DefaultCacheDir        = "./.cache"
	DefaultReportsDir      = "./reports"
)

// ComputeUnits mirrors ACCELERATOR_COMPUTE_UNITS, a routing preference
// forwarded to session options.
type ComputeUnits string

const (
	ComputeUnitsCPUOnly            ComputeUnits = "CpuOnly"
	ComputeUnitsCPUAndGPU          ComputeUnits = "CpuAndGpu"
	ComputeUnitsCPUAndAccelerator  ComputeUnits = "CpuAndAccelerator"
	ComputeUnitsAll                ComputeUnits = "All"
)

// Config holds every startup-time knob named in spec.md §6. Components
// receive only the fields relevant to them — no ad-hoc env reads in hot
// paths (spec.md §9).
type Config struct {
	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"`

	CacheDir   string `json:"cache_dir"`
	ReportsDir string `json:"reports_dir"`

	ComputeUnits              ComputeUnits `json:"accelerator_compute_units"`
	ForceCPUProvider          bool         `json:"force_cpu_provider"`
	SkipBackgroundBenchmarking bool        `json:"skip_background_benchmarking"`
	DisableDualSessions       bool         `json:"disable_dual_sessions"`
	AggressiveWarming         bool         `json:"aggressive_warming"`
	CachePrewarm              bool         `json:"cache_prewarm"`
	CachePersistence          bool         `json:"cache_persistence"`
	DevPerformanceProfile     string       `json:"dev_performance_profile"`

	DrainTimeout    time.Duration `json:"-"`
	RequestTimeout  time.Duration `json:"-"`
	PerMinuteLimit  int           `json:"per_minute_limit"`
	PerHourLimit    int           `json:"per_hour_limit"`
	SuspiciousLimit int           `json:"suspicious_threshold"`
	BlockDuration   time.Duration `json:"-"`
	LocalhostOnly   bool          `json:"localhost_only"`

	SwapThreshold float64       `json:"swap_threshold"`
	SwapCooldown  time.Duration `json:"-"`
	SwapFailureCap int          `json:"swap_failure_cap"`

	OptimizationInterval time.Duration `json:"-"`
	UnderrunThresholdMs  int           `json:"underrun_threshold_ms"`
	MinArenaMiB          int           `json:"min_arena_mib"`
	MaxArenaMiB          int           `json:"max_arena_mib"`
}

// Default returns the baseline configuration applied before environment
// overrides, mirroring the teacher's Loader.Load default struct literal.
func Default() Config {
	return Config{
		ListenAddr:           DefaultListenAddr,
		LogLevel:             DefaultLogLevel,
		CacheDir:             DefaultCacheDir,
		ReportsDir:           DefaultReportsDir,
		ComputeUnits:         ComputeUnitsAll,
		DrainTimeout:         DefaultDrainTimeout,
		RequestTimeout:       DefaultRequestTimeout,
		PerMinuteLimit:       DefaultPerMinuteLimit,
		PerHourLimit:         DefaultPerHourLimit,
		SuspiciousLimit:      DefaultSuspiciousLimit,
		BlockDuration:        DefaultBlockDuration,
		LocalhostOnly:        true,
		SwapThreshold:        DefaultSwapThreshold,
		SwapCooldown:         DefaultSwapCooldown,
		SwapFailureCap:       DefaultSwapFailureCap,
		OptimizationInterval: DefaultOptimizationInterval,
		UnderrunThresholdMs:  DefaultUnderrunMs,
		MinArenaMiB:          DefaultMinArenaMiB,
		MaxArenaMiB:          DefaultMaxArenaMiB,
	}
}
