// Package ttfa implements the TTFA Monitor (C9): per-request
// Time-to-First-Audio measurement, rolling statistics, drift detection,
// and bottleneck attribution.
package ttfa

import (
	"sort"
	"sync"
	"time"
)

// shortTextThreshold and the two target values implement spec.md §4.9's
// target derivation: <50 chars -> 400ms, else 800ms.
const (
	shortTextThreshold = 50
	shortTarget        = 400.0
	longTarget         = 800.0
)

// driftThreshold and its high-severity escalation match spec.md §4.9.
const (
	driftThreshold    = 1.5
	driftHighSeverity = 2.0
)

// bottleneckFraction is the share of target a stage duration must exceed
// to be flagged, per spec.md §4.9.
const bottleneckFraction = 0.5

// criticalMs and the alert condition implement spec.md §4.9's alert
// callback trigger.
const criticalMs = 2000.0

// maxPercentileSamples bounds the reservoir used for p50/p95/p99.
const maxPercentileSamples = 2000

// StageDurations holds the named pipeline stage timings of one request,
// measured in milliseconds.
type StageDurations struct {
	TextProc          float64
	Inference         float64
	AudioGen          float64
	FirstChunkDeliver float64
	CommOverhead      float64
}

func (s StageDurations) sum() float64 {
	return s.TextProc + s.Inference + s.AudioGen + s.FirstChunkDeliver + s.CommOverhead
}

func (s StageDurations) asMap() map[string]float64 {
	return map[string]float64{
		"textProc":          s.TextProc,
		"inference":         s.Inference,
		"audioGen":          s.AudioGen,
		"firstChunkDeliver": s.FirstChunkDeliver,
		"commOverhead":      s.CommOverhead,
	}
}

// TargetFor derives the TTFA target in milliseconds from text length, per
// spec.md §4.9.
func TargetFor(textLen int) float64 {
	if textLen < shortTextThreshold {
		return shortTarget
	}
	return longTarget
}

// Measurement is spec.md §3's TtfaMeasurement, immutable once finalized.
type Measurement struct {
	RequestID       string
	StartTs         time.Time
	StageDurations  StageDurations
	TotalMs         float64
	TargetMs        float64
	ProviderID      string
	AchievedTarget  bool
	BottleneckStages []string
}

// Drift is emitted when the EMA diverges from the overall mean beyond
// driftThreshold.
type Drift struct {
	Severity string
	Ratio    float64
}

// AlertFunc is invoked for measurements that cross the critical-latency or
// missed-target alert conditions.
type AlertFunc func(Measurement)

// Monitor is the TTFA Monitor. A single mutex guards all state; update is
// O(1) amortized (percentile reservoir eviction is the only non-constant
// step, bounded by maxPercentileSamples).
type Monitor struct {
	mu sync.Mutex

	samples []float64 // reservoir for percentile computation, oldest-evicted
	count   int64
	achieved int64
	sum     float64
	ema     float64
	wma     float64
	sma10   []float64

	min, max float64

	onAlert []AlertFunc
}

// New returns an empty Monitor.
func New() *Monitor {
	return &Monitor{}
}

// OnAlert registers a callback invoked synchronously from Record when a
// measurement crosses an alert condition.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = append(m.onAlert, fn)
}

// Record finalizes a Measurement from stage durations and the request's
// text length (used to derive the target), updates rolling statistics,
// and fires alert callbacks as needed. totalMs must be >= sum(stage
// durations) (I5); if it isn't, the sum is used instead.
func (m *Monitor) Record(requestID string, start time.Time, stages StageDurations, totalMs float64, providerID string, textLen int) Measurement {
	target := TargetFor(textLen)
	if totalMs < stages.sum() {
		totalMs = stages.sum()
	}

	meas := Measurement{
		RequestID:      requestID,
		StartTs:        start,
		StageDurations: stages,
		TotalMs:        totalMs,
		TargetMs:       target,
		ProviderID:     providerID,
		AchievedTarget: totalMs <= target,
	}
	meas.BottleneckStages = bottlenecks(stages, target)

	m.mu.Lock()
	m.updateRollingLocked(totalMs)
	if meas.AchievedTarget {
		m.achieved++
	}
	alertDue := totalMs > criticalMs || !meas.AchievedTarget
	callbacks := append([]AlertFunc(nil), m.onAlert...)
	m.mu.Unlock()

	if alertDue {
		for _, fn := range callbacks {
			fn(meas)
		}
	}
	return meas
}

func bottlenecks(stages StageDurations, target float64) []string {
	threshold := target * bottleneckFraction
	var flagged []string
	for name, d := range stages.asMap() {
		if d > threshold {
			flagged = append(flagged, name)
		}
	}
	sort.Strings(flagged)
	return flagged
}

const emaAlpha = 0.1

func (m *Monitor) updateRollingLocked(totalMs float64) {
	m.count++
	m.sum += totalMs

	if m.count == 1 {
		m.ema = totalMs
		m.min = totalMs
		m.max = totalMs
	} else {
		m.ema = emaAlpha*totalMs + (1-emaAlpha)*m.ema
		if totalMs < m.min {
			m.min = totalMs
		}
		if totalMs > m.max {
			m.max = totalMs
		}
	}

	// WMA: running mean over every sample so far; all samples carry equal
	// weight, so recent samples are not weighted more heavily.
	weight := float64(m.count)
	m.wma = (m.wma*(weight-1) + totalMs) / weight

	m.sma10 = append(m.sma10, totalMs)
	if len(m.sma10) > 10 {
		m.sma10 = m.sma10[len(m.sma10)-10:]
	}

	m.samples = append(m.samples, totalMs)
	if len(m.samples) > maxPercentileSamples {
		m.samples = m.samples[len(m.samples)-maxPercentileSamples:]
	}
}

// Stats is spec.md §3's TtfaStats snapshot.
type Stats struct {
	P50, P95, P99 float64
	EMA           float64
	WMA           float64
	SMA           float64
	Min, Max      float64
	Drift         *Drift
	AverageTTFA   float64 // backward-compat alias of P50
	TargetAchievementRate float64
}

// Snapshot returns the current rolling statistics.
func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		return Stats{}
	}

	sorted := append([]float64(nil), m.samples...)
	sort.Float64s(sorted)

	s := Stats{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
		EMA: m.ema,
		WMA: m.wma,
		Min: m.min,
		Max: m.max,
	}
	s.AverageTTFA = s.P50
	s.TargetAchievementRate = float64(m.achieved) / float64(m.count)

	if len(m.sma10) > 0 {
		var sum float64
		for _, v := range m.sma10 {
			sum += v
		}
		s.SMA = sum / float64(len(m.sma10))
	}

	overallMean := m.sum / float64(m.count)
	if overallMean > 0 {
		ratio := m.ema / overallMean
		if ratio > driftThreshold {
			severity := "medium"
			if ratio > driftHighSeverity {
				severity = "high"
			}
			s.Drift = &Drift{Severity: severity, Ratio: ratio}
		}
	}

	return s
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
