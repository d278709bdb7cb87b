package workload

import (
	"sync"
	"time"
)

// maxRecentLatencies bounds WorkloadProfile.recentLatencies per spec.md §3.
const maxRecentLatencies = 1000

// maxWindowSamples bounds the rolling concurrency/length/complexity window
// used for averages and the performance-trend comparison.
const maxWindowSamples = 1000

// Trend is the Workload Analyzer's performance-trend signal, comparing the
// mean of the oldest half of the window against the newest half.
type Trend int

const (
	TrendStable Trend = iota
	TrendDegrading
	TrendImproving
)

func (t Trend) String() string {
	switch t {
	case TrendDegrading:
		return "degrading"
	case TrendImproving:
		return "improving"
	default:
		return "stable"
	}
}

// Profile is spec.md §3's WorkloadProfile: a rolling summary of recent
// request telemetry, updated post-request by a single writer (C4 itself);
// many readers (C5) may call Insights concurrently.
type Profile struct {
	AvgConcurrency  float64
	AvgTextLen      float64
	AvgComplexity   float64
	PeakConcurrency int
	AvgLatency      float64
	RecentLatencies []float64
	Trend           Trend
	HourlyHistogram [24]uint64
}

type sample struct {
	concurrency int
	textLen     int
	complexity  float64
	latencyMs   float64
}

// Analyzer is the Workload Analyzer (C4). Safe for concurrent use: a single
// mutex guards the rolling window, updated only on request completion.
type Analyzer struct {
	cache *complexityCache

	mu              sync.Mutex
	samples         []sample
	recentLatencies []float64
	peakConcurrency int
	hourly          [24]uint64
	now             func() time.Time
}

// New returns an Analyzer with an empty rolling window and a fresh
// complexity cache.
func New() *Analyzer {
	return &Analyzer{
		cache: newComplexityCache(complexityCacheCap),
		now:   time.Now,
	}
}

// Complexity returns the cached ComplexityScore for text, computing and
// storing it on first use (I4 purity; FIFO-capped cache per spec.md §3).
func (a *Analyzer) Complexity(text string) float64 {
	if v, ok := a.cache.get(text); ok {
		return v
	}
	v := Complexity(text)
	a.cache.put(text, v)
	return v
}

// RecordCompletion folds one finished request into the rolling window: its
// concurrency level at dispatch time, text length, complexity score, and
// observed latency. It takes the Analyzer's mutex, so concurrent calls are
// safe; the HTTP speech handler calls it once per completed request.
func (a *Analyzer) RecordCompletion(textLen int, concurrency int, complexity float64, latencyMs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := sample{concurrency: concurrency, textLen: textLen, complexity: complexity, latencyMs: latencyMs}
	a.samples = append(a.samples, s)
	if len(a.samples) > maxWindowSamples {
		a.samples = a.samples[len(a.samples)-maxWindowSamples:]
	}

	a.recentLatencies = append(a.recentLatencies, latencyMs)
	if len(a.recentLatencies) > maxRecentLatencies {
		a.recentLatencies = a.recentLatencies[len(a.recentLatencies)-maxRecentLatencies:]
	}

	if concurrency > a.peakConcurrency {
		a.peakConcurrency = concurrency
	}

	hour := a.now().Hour() % 24
	a.hourly[hour]++
}

// Insights returns the current WorkloadProfile snapshot: averages, peak
// concurrency, the bounded recent-latency sequence, the performance trend,
// and the 24-slot hourly histogram.
func (a *Analyzer) Insights() Profile {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := Profile{
		PeakConcurrency: a.peakConcurrency,
		HourlyHistogram: a.hourly,
		Trend:           trendOf(a.samples),
	}

	if len(a.samples) == 0 {
		return p
	}

	var sumConc, sumLen, sumComplexity, sumLatency float64
	for _, s := range a.samples {
		sumConc += float64(s.concurrency)
		sumLen += float64(s.textLen)
		sumComplexity += s.complexity
		sumLatency += s.latencyMs
	}
	n := float64(len(a.samples))
	p.AvgConcurrency = sumConc / n
	p.AvgTextLen = sumLen / n
	p.AvgComplexity = sumComplexity / n
	p.AvgLatency = sumLatency / n

	p.RecentLatencies = make([]float64, len(a.recentLatencies))
	copy(p.RecentLatencies, a.recentLatencies)

	return p
}

// trendOf compares the mean latency of the oldest half of the window
// against the newest half: >+5% is degrading, <-5% is improving, else
// stable, per spec.md §4.4.
func trendOf(samples []sample) Trend {
	if len(samples) < 4 {
		return TrendStable
	}
	mid := len(samples) / 2
	oldest := samples[:mid]
	newest := samples[mid:]

	oldMean := meanLatency(oldest)
	newMean := meanLatency(newest)
	if oldMean == 0 {
		return TrendStable
	}

	delta := (newMean - oldMean) / oldMean
	switch {
	case delta > 0.05:
		return TrendDegrading
	case delta < -0.05:
		return TrendImproving
	default:
		return TrendStable
	}
}

func meanLatency(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.latencyMs
	}
	return sum / float64(len(samples))
}
