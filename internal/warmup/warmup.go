// Package warmup implements the Pipeline Warmer (C7): cache
// pre-population passes that eliminate cold starts before a Scheduler
// starts serving real traffic.
package warmup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-tts/runtime/internal/scheduler"
	"github.com/kestrel-tts/runtime/internal/session"
)

// phonemeBuckets are the fixed text-length buckets the shape-compilation
// pass exercises, forcing graph specialization for each shape.
var phonemeBuckets = []string{
	"hi",
	"This is a medium length sentence for warm-up purposes.",
	"This is a considerably longer passage of text, designed to exercise the long-shape code path during pipeline warm-up so that the underlying graph is compiled for that shape ahead of real traffic arriving.",
	"This is the maximum-length warm-up passage. It repeats filler content purely to push the input past the long-shape threshold and force compilation of the largest supported graph shape, covering the tail of the expected request distribution before any real client ever sends a request this size to the running service.",
}

// commonPatterns is a small fixed corpus of short/medium texts exercised
// against a small set of voices during the common-patterns pass.
var commonPatterns = []string{
	"Hello, welcome back.",
	"Your request has been processed successfully.",
	"Please hold while we connect you.",
}

var commonVoices = []string{"default", "alt"}

// routingBuckets are representative complexity scores for fast/balanced/
// heavy, used to force Scheduler path selection during the routing probe.
var routingBuckets = []float64{0.1, 0.5, 0.9}

// Outcome is the structured result of one warm-up pass, per spec.md §4.7.
type Outcome struct {
	GraphsCompiled int
	PatternsCached int
	RoutingSamples int
	Durations      map[string]time.Duration
	Errors         []error
	Complete       bool
}

// Warmer drives the three warm-up passes over every Session in a pool.
type Warmer struct {
	scheduler *scheduler.Scheduler
	sessions  []session.Session
}

// New returns a Warmer that exercises the given Scheduler and the raw
// Session set backing it (shape compilation and common-patterns run
// directly against Sessions; the routing probe runs through the
// Scheduler so it forces real path selection).
func New(sched *scheduler.Scheduler, sessions []session.Session) *Warmer {
	return &Warmer{scheduler: sched, sessions: sessions}
}

// Run executes all three passes and returns a structured Outcome.
// Warm-up errors are non-fatal: they are collected in Outcome.Errors and
// Complete is still set true, per spec.md §4.7.
func (w *Warmer) Run(ctx context.Context) Outcome {
	out := Outcome{Durations: make(map[string]time.Duration)}

	start := time.Now()
	compiled, errs1 := w.runShapeCompilation(ctx)
	out.GraphsCompiled = compiled
	out.Errors = append(out.Errors, errs1...)
	out.Durations["shape_compilation"] = time.Since(start)

	start = time.Now()
	cached, errs2 := w.runCommonPatterns(ctx)
	out.PatternsCached = cached
	out.Errors = append(out.Errors, errs2...)
	out.Durations["common_patterns"] = time.Since(start)

	start = time.Now()
	samples, errs3 := w.runRoutingProbe(ctx)
	out.RoutingSamples = samples
	out.Errors = append(out.Errors, errs3...)
	out.Durations["routing_probe"] = time.Since(start)

	out.Complete = true
	return out
}

func (w *Warmer) runShapeCompilation(ctx context.Context) (int, []error) {
	var compiled int
	var errsOut []error
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, sess := range w.sessions {
		for _, text := range phonemeBuckets {
			wg.Add(1)
			go func(sess session.Session, text string) {
				defer wg.Done()
				_, err := sess.Synthesize(ctx, session.Request{Text: text, Voice: "default", Speed: 1.0})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errsOut = append(errsOut, fmt.Errorf("warmup: shape compilation: %w", err))
					return
				}
				compiled++
			}(sess, text)
		}
	}
	wg.Wait()
	return compiled, errsOut
}

func (w *Warmer) runCommonPatterns(ctx context.Context) (int, []error) {
	var cached int
	var errsOut []error

	for _, sess := range w.sessions {
		for _, text := range commonPatterns {
			for _, voice := range commonVoices {
				_, err := sess.Synthesize(ctx, session.Request{Text: text, Voice: voice, Speed: 1.0})
				if err != nil {
					errsOut = append(errsOut, fmt.Errorf("warmup: common patterns: %w", err))
					continue
				}
				cached++
			}
		}
	}
	return cached, errsOut
}

func (w *Warmer) runRoutingProbe(ctx context.Context) (int, []error) {
	if w.scheduler == nil {
		return 0, nil
	}
	var samples int
	var errsOut []error

	for _, complexity := range routingBuckets {
		_, err := w.scheduler.Synthesize(ctx, complexity, session.Request{Text: "routing probe", Voice: "default", Speed: 1.0})
		if err != nil {
			errsOut = append(errsOut, fmt.Errorf("warmup: routing probe: %w", err))
			continue
		}
		samples++
	}
	return samples, errsOut
}

// Reset clears nothing stateful in the Warmer itself (it holds no cache of
// its own beyond the Sessions it warms); it exists so callers have an
// explicit resetWarmUp() operation to invoke after a hot-swap replaces the
// Session set, per spec.md §4.7.
func (w *Warmer) Reset(sessions []session.Session) {
	w.sessions = sessions
}
