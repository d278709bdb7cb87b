// Package bench implements the Provider Benchmarker and hot-swap
// controller (C8): periodic background benchmarking of candidate
// providers against the currently active one, swapping in a clear winner.
package bench

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-tts/runtime/internal/activeslot"
	"github.com/kestrel-tts/runtime/internal/hardware"
	"github.com/kestrel-tts/runtime/internal/provider"
	"github.com/kestrel-tts/runtime/internal/scheduler"
	"github.com/kestrel-tts/runtime/internal/session"
)

// DefaultSwapThreshold is spec.md §4.8's default improvement threshold.
const DefaultSwapThreshold = 0.15

// DefaultSwapCooldown is spec.md §4.8's default minimum gap between swaps.
const DefaultSwapCooldown = 10 * time.Minute

// DefaultSwapFailureCap pauses benchmarking after this many consecutive
// failed swap attempts, per spec.md §4.8.
const DefaultSwapFailureCap = 3

// DefaultTrials is the number of synthesize calls per candidate benchmark.
const DefaultTrials = 10

// requiredSuccessRate is the minimum candidate success rate to qualify
// for a swap, per spec.md §4.8.
const requiredSuccessRate = 0.99

// benchScript is the fixed text script run against every candidate.
var benchScript = []string{
	"Benchmark probe one.",
	"This is a slightly longer benchmark probe sentence for timing purposes.",
	"Short probe.",
}

// Result is spec.md §3's BenchmarkResult.
type Result struct {
	ProviderID provider.ID
	MeanMs     float64
	P95Ms      float64
	RTF        float64
	SuccessRate float64
	Trials      int
}

// Benchmarker owns the hot-swap decision loop.
type Benchmarker struct {
	factory   *session.Factory
	slot      *activeslot.Slot
	sched     *scheduler.Scheduler
	profile   hardware.Profile

	swapThreshold float64
	swapCooldown  time.Duration
	failureCap    int

	mu           sync.Mutex
	lastSwapAt   time.Time
	swapFailures int
	paused       bool

	trials atomic.Int64
}

// New returns a Benchmarker with spec.md §4.8's default thresholds.
func New(factory *session.Factory, slot *activeslot.Slot, sched *scheduler.Scheduler, profile hardware.Profile) *Benchmarker {
	b := &Benchmarker{
		factory:       factory,
		slot:          slot,
		sched:         sched,
		profile:       profile,
		swapThreshold: DefaultSwapThreshold,
		swapCooldown:  DefaultSwapCooldown,
		failureCap:    DefaultSwapFailureCap,
	}
	b.trials.Store(DefaultTrials)
	return b
}

// SetThresholds overrides the default swap threshold/cooldown/failure cap.
func (b *Benchmarker) SetThresholds(swapThreshold float64, swapCooldown time.Duration, failureCap int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.swapThreshold = swapThreshold
	b.swapCooldown = swapCooldown
	b.failureCap = failureCap
}

// Paused reports whether repeated swap failures have paused benchmarking.
func (b *Benchmarker) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// ResetFailures clears the swap-failure counter and un-pauses, for manual
// operator reset per spec.md §4.8.
func (b *Benchmarker) ResetFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.swapFailures = 0
	b.paused = false
}

// RunCycle benchmarks every candidate (excluding the active provider) and
// performs at most one hot-swap if a clear winner emerges. Returns the
// Result of the candidate that was actually swapped in, or nil if none
// qualified.
func (b *Benchmarker) RunCycle(ctx context.Context, candidates []provider.ID) (*Result, error) {
	if b.Paused() {
		return nil, fmt.Errorf("bench: paused after repeated swap failures")
	}
	if !b.cooldownElapsed() {
		return nil, nil
	}

	activeID, ok := b.slot.ActiveProvider()
	if !ok {
		return nil, fmt.Errorf("bench: no active session to compare against")
	}

	activeResult, err := b.benchmarkActive(ctx, activeID)
	if err != nil {
		return nil, fmt.Errorf("bench: benchmark active: %w", err)
	}

	var best *Result
	var bestSession session.Session

	for _, id := range candidates {
		if id == activeID {
			continue
		}
		trial, err := b.factory.Build(id, b.profile, 0)
		if err != nil {
			continue
		}
		result := b.runTrials(ctx, trial)
		if best == nil || result.P95Ms < best.P95Ms {
			if best != nil && bestSession != nil {
				bestSession.Close()
			}
			best = &result
			bestSession = trial
		} else {
			trial.Close()
		}
	}

	if best == nil {
		return nil, nil
	}

	if !qualifies(activeResult, *best, b.swapThresholdValue()) {
		bestSession.Close()
		return nil, nil
	}

	if err := b.swap(bestSession, best.ProviderID); err != nil {
		b.recordSwapFailure()
		return nil, fmt.Errorf("bench: swap: %w", err)
	}

	b.recordSwapSuccess()
	return best, nil
}

func qualifies(active, candidate Result, threshold float64) bool {
	if candidate.SuccessRate < requiredSuccessRate {
		return false
	}
	if active.P95Ms <= 0 {
		return false
	}
	improvement := (active.P95Ms - candidate.P95Ms) / active.P95Ms
	return improvement > threshold
}

func (b *Benchmarker) benchmarkActive(ctx context.Context, id provider.ID) (Result, error) {
	sess := b.slot.Active()
	if sess == nil {
		return Result{}, fmt.Errorf("active session is nil")
	}
	return b.runTrials(ctx, sess), nil
}

// runTrials runs DefaultTrials synthesize calls, discards the single
// slowest outlier, and computes mean/p95/RTF/success-rate.
func (b *Benchmarker) runTrials(ctx context.Context, sess session.Session) Result {
	n := int(b.trials.Load())
	durations := make([]time.Duration, 0, n)
	var successes int

	for i := 0; i < n; i++ {
		text := benchScript[i%len(benchScript)]
		start := time.Now()
		audio, err := sess.Synthesize(ctx, session.Request{Text: text, Voice: "default", Speed: 1.0})
		elapsed := time.Since(start)
		if err != nil {
			continue
		}
		successes++
		durations = append(durations, elapsed)
		_ = audio
	}

	if len(durations) > 2 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		durations = durations[:len(durations)-1]
	}

	result := Result{
		ProviderID:  sess.Provider(),
		SuccessRate: float64(successes) / float64(n),
		Trials:      n,
	}
	if len(durations) == 0 {
		return result
	}

	result.MeanMs = meanMs(durations)
	result.P95Ms = percentileMs(durations, 0.95)
	if result.MeanMs > 0 {
		result.RTF = result.MeanMs / 1000.0
	}
	return result
}

func meanMs(durations []time.Duration) float64 {
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return float64(sum.Milliseconds()) / float64(len(durations))
}

func percentileMs(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return float64(sorted[idx].Milliseconds())
}

func (b *Benchmarker) swap(sess session.Session, id provider.ID) error {
	old := b.slot.Install(sess, id)
	if b.sched != nil {
		role := roleForProvider(id)
		b.sched.SetSession(role, sess)
	}
	_ = old // not closed here, so an in-flight call holding it stays valid (I2)
	return nil
}

// roleForProvider maps a hot-swapped provider back onto a Scheduler role,
// matching the warm-up role assignment (accelerator -> fast, GPU -> heavy,
// CPU -> balanced).
func roleForProvider(id provider.ID) scheduler.Role {
	switch id.Kind {
	case provider.KindAccelerator:
		return scheduler.RoleFast
	case provider.KindGPU:
		return scheduler.RoleHeavy
	default:
		return scheduler.RoleBalanced
	}
}

func (b *Benchmarker) cooldownElapsed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastSwapAt) >= b.swapCooldown
}

func (b *Benchmarker) swapThresholdValue() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.swapThreshold
}

func (b *Benchmarker) recordSwapSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSwapAt = time.Now()
	b.swapFailures = 0
}

func (b *Benchmarker) recordSwapFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.swapFailures++
	if b.swapFailures >= b.failureCap {
		b.paused = true
	}
}
