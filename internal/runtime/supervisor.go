// Package runtime implements the Runtime Supervisor (C12): the state
// machine that coordinates startup (FastInit), background warm-up and
// optimization, and graceful shutdown, owning every other component as a
// single Runtime value rather than exposing free-standing singletons
// (spec.md §9).
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-tts/runtime/internal/arena"
	"github.com/kestrel-tts/runtime/internal/activeslot"
	"github.com/kestrel-tts/runtime/internal/bench"
	"github.com/kestrel-tts/runtime/internal/cache"
	"github.com/kestrel-tts/runtime/internal/config"
	"github.com/kestrel-tts/runtime/internal/hardware"
	"github.com/kestrel-tts/runtime/internal/provider"
	"github.com/kestrel-tts/runtime/internal/scheduler"
	"github.com/kestrel-tts/runtime/internal/session"
	"github.com/kestrel-tts/runtime/internal/telemetry"
	"github.com/kestrel-tts/runtime/internal/ttfa"
	"github.com/kestrel-tts/runtime/internal/warmup"
	"github.com/kestrel-tts/runtime/internal/workload"
)

// smokeTestTimeout bounds FastInit's one-shot synthesize probe.
const smokeTestTimeout = 5 * time.Second

// optimizingTick is how often the Optimizing loop wakes up to consider a
// benchmark cycle and an arena recomputation; the Benchmarker's own
// cooldown (spec.md §4.8) gates whether a cycle actually benchmarks.
const optimizingTick = 30 * time.Second

// Status is the point-in-time snapshot spec.md §6's GET /status reports.
type Status struct {
	ModelLoaded    bool
	State          State
	ActiveProvider string
	Hardware       hardware.Profile
	Providers      []provider.ID
	WarmUpComplete bool
	TTFA           ttfa.Stats
}

// Supervisor owns every runtime component and drives the lifecycle state
// machine of spec.md §4.12.
type Supervisor struct {
	cfg    config.Config
	logger *slog.Logger

	probe    *hardware.Probe
	registry provider.Registry
	factory  *session.Factory
	slot     *activeslot.Slot
	sched    *scheduler.Scheduler
	analyzer *workload.Analyzer
	ttfaMon  *ttfa.Monitor

	mu             sync.RWMutex
	state          State
	warmUpComplete bool
	profile        hardware.Profile
	candidates     []provider.ID
	extraSessions  []session.Session
	arenaMgr       *arena.Manager
	benchmarker    *bench.Benchmarker
	warmer         *warmup.Warmer

	group  *errgroup.Group
	cancel context.CancelFunc

	metrics *telemetry.Metrics
}

// SetMetrics wires an optional OTel metrics sink; nil (the default)
// leaves every recording call a no-op.
func (s *Supervisor) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// New wires every component from cfg, registering the onnx-backed session
// builders when compiled in (-tags onnx) and falling back to deterministic
// stub builders otherwise, the way the teacher's main.go resolves "auto" to
// either the native or stub VAD engine.
func New(cfg config.Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	factory := session.NewFactory(filepath.Join(cfg.CacheDir, "tmp"))
	if err := session.RegisterDefaultBuilders(factory); err != nil {
		logger.Warn("native session backend unavailable, using stub builders", "error", err)
		registerStubBuilders(factory)
	}

	slot := &activeslot.Slot{}
	sched := scheduler.New(slot)
	sched.SetTimeout(cfg.RequestTimeout)

	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		probe:    hardware.New(),
		registry: provider.Registry{ForceCPU: cfg.ForceCPUProvider},
		factory:  factory,
		slot:     slot,
		sched:    sched,
		analyzer: workload.New(),
		ttfaMon:  ttfa.New(),
		state:    StateBooting,
	}
}

// registerStubBuilders wires a deterministic StubSession for every kind,
// used whenever the onnx-tagged backend is not compiled in.
func registerStubBuilders(f *session.Factory) {
	f.Builders[provider.KindAccelerator] = session.StubBuilder(5 * time.Millisecond)
	f.Builders[provider.KindGPU] = session.StubBuilder(8 * time.Millisecond)
	f.Builders[provider.KindCPU] = session.StubBuilder(20 * time.Millisecond)
}

// Scheduler exposes the wired Scheduler so httpapi can route requests.
func (s *Supervisor) Scheduler() *scheduler.Scheduler { return s.sched }

// Analyzer exposes the Workload Analyzer so httpapi can record completions.
func (s *Supervisor) Analyzer() *workload.Analyzer { return s.analyzer }

// TTFAMonitor exposes the TTFA Monitor so httpapi can record measurements.
func (s *Supervisor) TTFAMonitor() *ttfa.Monitor { return s.ttfaMon }

// Config exposes the startup configuration so httpapi can read
// ReportsDir and similar read-only knobs.
func (s *Supervisor) Config() config.Config { return s.cfg }

// ArenaCurrentMiB reports the Arena Manager's current size, or 0 before
// FastInit has run. Used as the telemetry arena-size gauge's callback.
func (s *Supervisor) ArenaCurrentMiB() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.arenaMgr == nil {
		return 0
	}
	return int64(s.arenaMgr.Current())
}

// RunBenchmarkCycle triggers one Benchmarker cycle against the current
// candidate list, for POST /performance/benchmark/{provider|comprehensive}.
// Returns an error if FastInit has not yet produced a Benchmarker.
func (s *Supervisor) RunBenchmarkCycle(ctx context.Context) (*bench.Result, error) {
	s.mu.RLock()
	b := s.benchmarker
	candidates := s.candidates
	s.mu.RUnlock()
	if b == nil {
		return nil, fmt.Errorf("runtime: benchmarker not yet initialized")
	}
	return b.RunCycle(ctx, candidates)
}

// Start runs FastInit synchronously and, on success, spawns the async
// Warming and Optimizing background tasks before returning. The Supervisor
// reaches Serving as soon as FastInit completes, per spec.md §4.12 — the
// caller does not block on warm-up or benchmarking.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.fastInit(ctx); err != nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(StateServing)

	gctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(gctx)
	s.group = g

	g.Go(func() error {
		s.runWarming(gctx)
		return nil
	})
	g.Go(func() error {
		s.runOptimizing(gctx)
		return nil
	})

	return nil
}

// fastInit implements spec.md §4.12's FastInit stage: probe hardware,
// consult the cached provider strategy, build and smoke-test a Session,
// falling back to CPU exactly once on failure.
func (s *Supervisor) fastInit(ctx context.Context) error {
	s.setState(StateFastInit)

	profile := s.probe.Detect()
	s.mu.Lock()
	s.profile = profile
	s.mu.Unlock()

	candidates, err := s.registry.Enumerate(profile)
	if err != nil {
		return fmt.Errorf("runtime: fastinit: enumerate providers: %w", err)
	}
	s.mu.Lock()
	s.candidates = candidates
	s.mu.Unlock()

	bounds := arena.Bounds{MinMiB: s.cfg.MinArenaMiB, MaxMiB: s.cfg.MaxArenaMiB}
	arenaMgr := arena.New(profile, bounds, arena.NewSystemPressureReader())
	s.mu.Lock()
	s.arenaMgr = arenaMgr
	s.mu.Unlock()

	id := s.pickStrategy(candidates)

	sess, buildErr := s.buildAndSmoke(ctx, id)
	if buildErr != nil {
		s.logger.Warn("fastinit: primary provider failed, attempting cpu fallback", "provider", id, "error", buildErr)
		cpuID, ok := cpuCandidate(candidates)
		if !ok || cpuID == id {
			return fmt.Errorf("runtime: fastinit: %w", buildErr)
		}
		sess, buildErr = s.buildAndSmoke(ctx, cpuID)
		if buildErr != nil {
			return fmt.Errorf("runtime: fastinit: cpu fallback also failed: %w", buildErr)
		}
		id = cpuID
	}

	s.slot.Install(sess, id)
	s.sched.SetSession(roleForProvider(id), sess)
	s.benchmarker = bench.New(s.factory, s.slot, s.sched, profile)
	if s.cfg.SwapThreshold > 0 {
		s.benchmarker.SetThresholds(s.cfg.SwapThreshold, s.cfg.SwapCooldown, s.cfg.SwapFailureCap)
	}

	s.logger.Info("fastinit complete", "provider", id.String(), "arena_mib", arenaMgr.Current())
	return nil
}

// pickStrategy consults the cached provider strategy (if present and
// fresh) to skip benchmarking at startup; otherwise picks candidates[0],
// which Enumerate orders accelerator/GPU-first, CPU-last.
func (s *Supervisor) pickStrategy(candidates []provider.ID) provider.ID {
	path := filepath.Join(s.cfg.CacheDir, "provider_strategy.json")
	strat, err := cache.ReadStrategy(path)
	if err == nil && strat != nil && strat.Fresh(time.Now()) {
		for _, c := range candidates {
			if c.String() == strat.ProviderID {
				return c
			}
		}
	}
	return candidates[0]
}

// buildAndSmoke constructs a Session for id and runs a minimal one-shot
// synthesize smoke test, closing the Session on failure.
func (s *Supervisor) buildAndSmoke(ctx context.Context, id provider.ID) (session.Session, error) {
	arenaMiB := 0
	if s.arenaMgr != nil {
		arenaMiB = s.arenaMgr.Current()
	}

	sess, err := s.factory.Build(id, s.profile, arenaMiB)
	if err != nil {
		return nil, err
	}

	smokeCtx, cancel := context.WithTimeout(ctx, smokeTestTimeout)
	defer cancel()
	if _, err := sess.Synthesize(smokeCtx, session.Request{Text: "ok", Voice: "default", Speed: 1.0, Lang: "en"}); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func cpuCandidate(candidates []provider.ID) (provider.ID, bool) {
	for _, c := range candidates {
		if c.Kind == provider.KindCPU {
			return c, true
		}
	}
	return provider.ID{}, false
}

// roleForProvider maps a provider onto the scheduler role it warms,
// matching bench.Benchmarker's own hot-swap role assignment.
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

// runWarming builds any remaining role Sessions (unless dual-sessions are
// disabled), then runs the Pipeline Warmer against the full pool, per
// spec.md §4.12's async Warming stage.
func (s *Supervisor) runWarming(ctx context.Context) {
	sessions := []session.Session{s.slot.Active()}

	if !s.cfg.DisableDualSessions {
		s.mu.RLock()
		candidates := s.candidates
		profile := s.profile
		arenaMgr := s.arenaMgr
		s.mu.RUnlock()

		activeID, _ := s.slot.ActiveProvider()
		for _, id := range candidates {
			if id == activeID {
				continue
			}
			arenaMiB := 0
			if arenaMgr != nil {
				arenaMiB = arenaMgr.Current()
			}
			sess, err := s.factory.Build(id, profile, arenaMiB)
			if err != nil {
				s.logger.Warn("warming: failed to build secondary session", "provider", id, "error", err)
				continue
			}
			s.sched.SetSession(roleForProvider(id), sess)
			s.mu.Lock()
			s.extraSessions = append(s.extraSessions, sess)
			s.mu.Unlock()
			sessions = append(sessions, sess)
		}
	}

	w := warmup.New(s.sched, sessions)
	s.mu.Lock()
	s.warmer = w
	s.mu.Unlock()

	outcome := w.Run(ctx)
	if len(outcome.Errors) > 0 {
		s.logger.Warn("warmup finished with errors", "errors", len(outcome.Errors))
	}

	s.mu.Lock()
	s.warmUpComplete = outcome.Complete
	s.mu.Unlock()
}

// runOptimizing ticks the Provider Benchmarker (C8) and the Memory Arena
// Manager's recomputation (C5) on a fixed cadence, each gated internally
// by its own cooldown/sample thresholds, per spec.md §4.12's continuous
// Optimizing stage.
func (s *Supervisor) runOptimizing(ctx context.Context) {
	ticker := time.NewTicker(optimizingTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			candidates := s.candidates
			profile := s.profile
			arenaMgr := s.arenaMgr
			s.mu.RUnlock()

			if !s.cfg.SkipBackgroundBenchmarking && s.benchmarker != nil {
				previousID, _ := s.slot.ActiveProvider()
				if result, err := s.benchmarker.RunCycle(ctx, candidates); err != nil {
					s.logger.Debug("optimizing: benchmark cycle skipped", "error", err)
				} else if result != nil {
					s.logger.Info("optimizing: hot-swapped active provider", "provider", result.ProviderID.String(), "p95_ms", result.P95Ms)
					s.metrics.RecordSwap(ctx, previousID.String(), result.ProviderID.String(), true)
				}
			}

			if arenaMgr != nil {
				insights := s.analyzer.Insights()
				if arenaMgr.Recompute(profile, insights) {
					s.logger.Info("optimizing: arena size recomputed", "new_mib", arenaMgr.Current())
				}
			}
		}
	}
}

// Status returns a point-in-time snapshot for health probes and spec.md
// §6's GET /status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	activeID, hasActive := s.slot.ActiveProvider()
	activeName := ""
	if hasActive {
		activeName = activeID.String()
	}

	return Status{
		ModelLoaded:    s.state == StateServing || s.state == StateDraining,
		State:          s.state,
		ActiveProvider: activeName,
		Hardware:       s.profile,
		Providers:      s.candidates,
		WarmUpComplete: s.warmUpComplete,
		TTFA:           s.ttfaMon.Snapshot(),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Drain implements spec.md §4.12's Draining stage: stop admitting new
// requests (the caller is responsible for that at the transport layer),
// cancel background tasks, wait up to cfg.DrainTimeout for them to exit,
// then release every Session.
func (s *Supervisor) Drain(ctx context.Context) {
	s.setState(StateDraining)

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		if s.group != nil {
			s.group.Wait()
		}
		close(done)
	}()

	timeout := s.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = config.DefaultDrainTimeout
	}

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("drain timed out, forcing cleanup", "timeout", timeout)
	case <-ctx.Done():
	}

	s.cleanup()
	s.setState(StateStopped)
}

// cleanup releases every Session this Supervisor built: the active slot
// plus any secondary role Sessions built during Warming, and removes the
// accelerator scratch directory.
func (s *Supervisor) cleanup() {
	if sess := s.slot.Clear(); sess != nil {
		sess.Close()
	}

	s.mu.Lock()
	extra := s.extraSessions
	s.extraSessions = nil
	s.mu.Unlock()

	for _, sess := range extra {
		sess.Close()
	}

	if s.factory.TempDirRoot != "" {
		os.RemoveAll(filepath.Join(s.factory.TempDirRoot, "accelerator_temp"))
	}
}

// ClearCaches drops every Session in the pool and the active slot, then
// re-runs FastInit and returns to Serving, for spec.md §6's POST
// /performance/clear_cache. The phoneme cache lives in internal/phonemize
// and is cleared by the httpapi handler directly; the on-disk caches of
// internal/cache are not touched. This method covers the Session-pool half
// of that operation.
func (s *Supervisor) ClearCaches(ctx context.Context) error {
	s.cleanup()
	for _, role := range []scheduler.Role{scheduler.RoleFast, scheduler.RoleBalanced, scheduler.RoleHeavy} {
		s.sched.SetSession(role, nil)
	}
	if err := s.fastInit(ctx); err != nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(StateServing)
	return nil
}
