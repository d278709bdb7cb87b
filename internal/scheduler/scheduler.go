// Package scheduler implements the Dual-Session Scheduler (C6):
// complexity-based routing across a small pool of named Sessions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-tts/runtime/internal/errs"
	"github.com/kestrel-tts/runtime/internal/session"
)

// Role is one of the at-most-three named Sessions a Scheduler routes to.
type Role int

const (
	RoleFast Role = iota
	RoleBalanced
	RoleHeavy
)

func (r Role) String() string {
	switch r {
	case RoleFast:
		return "fast"
	case RoleBalanced:
		return "balanced"
	case RoleHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// lowerRole returns the next role to retry on after a transient error,
// per spec.md §4.6's heavy->balanced->fast fallback chain. ok is false
// once there is no lower role left (fast has none).
func lowerRole(r Role) (Role, bool) {
	switch r {
	case RoleHeavy:
		return RoleBalanced, true
	case RoleBalanced:
		return RoleFast, true
	default:
		return RoleFast, false
	}
}

// upperRole is lowerRole's mirror, used by resolve to keep searching once
// the downward chain is exhausted: fast->balanced->heavy.
func upperRole(r Role) (Role, bool) {
	switch r {
	case RoleFast:
		return RoleBalanced, true
	case RoleBalanced:
		return RoleHeavy, true
	default:
		return RoleHeavy, false
	}
}

// DefaultTimeout is the default per-request synthesize timeout (spec.md
// §4.6, overridable via internal/config).
const DefaultTimeout = 30 * time.Second

// roleStats are the per-role utilization counters spec.md §4.6 names:
// total/success counts, cumulative duration, last-used wall time, and an
// EMA of latency for future re-routing experiments.
type roleStats struct {
	mu         sync.Mutex
	total      atomic.Int64
	successes  atomic.Int64
	cumulative time.Duration
	lastUsed   time.Time
	emaLatency float64
	inFlight   atomic.Int64
}

const emaAlpha = 0.2

func (s *roleStats) recordStart() {
	s.inFlight.Add(1)
}

func (s *roleStats) recordEnd(d time.Duration, success bool) {
	s.inFlight.Add(-1)
	s.total.Add(1)
	if success {
		s.successes.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cumulative += d
	s.lastUsed = time.Now()
	latencyMs := float64(d.Milliseconds())
	if s.emaLatency == 0 {
		s.emaLatency = latencyMs
	} else {
		s.emaLatency = emaAlpha*latencyMs + (1-emaAlpha)*s.emaLatency
	}
}

// Stats is a read-only snapshot of roleStats for observability.
type Stats struct {
	Total      int64
	Successes  int64
	Cumulative time.Duration
	LastUsed   time.Time
	EMALatency float64
	InFlight   int64
}

func (s *roleStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Total:      s.total.Load(),
		Successes:  s.successes.Load(),
		Cumulative: s.cumulative,
		LastUsed:   s.lastUsed,
		EMALatency: s.emaLatency,
		InFlight:   s.inFlight.Load(),
	}
}

// ActiveSessionProvider exposes the Runtime Supervisor's ActiveSessionSlot
// as the scheduler's last-resort fallback when no pooled role is present.
// Narrow collaborator interface per spec.md §9.
type ActiveSessionProvider interface {
	Active() session.Session
}

// Scheduler owns a SessionPool of up to three roles and routes each
// request to the best Session by ComplexityScore.
type Scheduler struct {
	active  ActiveSessionProvider
	timeout time.Duration

	mu       sync.RWMutex
	sessions map[Role]session.Session
	stats    map[Role]*roleStats
}

// New returns a Scheduler with an empty pool; callers populate roles via
// SetSession during warm-up and update them on hot-swap.
func New(active ActiveSessionProvider) *Scheduler {
	return &Scheduler{
		active:   active,
		timeout:  DefaultTimeout,
		sessions: make(map[Role]session.Session),
		stats: map[Role]*roleStats{
			RoleFast:     {},
			RoleBalanced: {},
			RoleHeavy:    {},
		},
	}
}

// SetTimeout overrides the default per-request synthesize timeout.
func (s *Scheduler) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// SetSession installs or replaces the Session bound to role. Passing nil
// removes it from the pool (routing falls through to the next role).
func (s *Scheduler) SetSession(role Role, sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess == nil {
		delete(s.sessions, role)
		return
	}
	s.sessions[role] = sess
}

// RoleFor applies spec.md §4.6's threshold routing: <0.33 fast, <0.67
// balanced, else heavy.
func RoleFor(complexity float64) Role {
	switch {
	case complexity < 0.33:
		return RoleFast
	case complexity < 0.67:
		return RoleBalanced
	default:
		return RoleHeavy
	}
}

// Result carries the routed Session's output plus the stage metadata the
// TTFA Monitor (C9) needs.
type Result struct {
	Audio       []byte
	Role        Role
	Provider    string
	InferenceMs float64
}

// Synthesize routes req by complexity, retries once on the next lower role
// on a transient error, surfaces permanent errors immediately, and
// enforces the configured timeout without destroying the Session.
func (s *Scheduler) Synthesize(ctx context.Context, complexity float64, req session.Request) (Result, error) {
	role := RoleFor(complexity)
	return s.synthesizeFrom(ctx, role, req, true)
}

func (s *Scheduler) synthesizeFrom(ctx context.Context, role Role, req session.Request, allowRetry bool) (Result, error) {
	sess, resolvedRole, ok := s.resolve(role)
	if !ok {
		return s.activeFallback(ctx, req)
	}

	stats := s.statsFor(resolvedRole)
	stats.recordStart()

	timeout := s.timeoutValue()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	audio, err := sess.Synthesize(callCtx, req)
	elapsed := time.Since(start)

	if err != nil {
		stats.recordEnd(elapsed, false)

		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("scheduler: %w", errs.ErrTimeout)
		}
		if allowRetry && errors.Is(err, errs.ErrInferenceTransient) {
			if next, hasLower := lowerRole(resolvedRole); hasLower {
				return s.synthesizeFrom(ctx, next, req, false)
			}
			return s.activeFallback(ctx, req)
		}
		return Result{}, fmt.Errorf("scheduler: %w", err)
	}

	stats.recordEnd(elapsed, true)
	return Result{
		Audio:       audio,
		Role:        resolvedRole,
		Provider:    sess.Provider().String(),
		InferenceMs: float64(elapsed.Milliseconds()),
	}, nil
}

// activeFallback is the terminal retry step: the ActiveSessionSlot, used
// when every pooled role below the original choice has been exhausted.
func (s *Scheduler) activeFallback(ctx context.Context, req session.Request) (Result, error) {
	if s.active == nil {
		return Result{}, fmt.Errorf("scheduler: %w: no active session fallback", errs.ErrProviderUnavailable)
	}
	sess := s.active.Active()
	if sess == nil {
		return Result{}, fmt.Errorf("scheduler: %w: active session is nil", errs.ErrModelNotReady)
	}

	timeout := s.timeoutValue()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	audio, err := sess.Synthesize(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("scheduler: %w", errs.ErrTimeout)
		}
		return Result{}, fmt.Errorf("scheduler: %w", err)
	}

	return Result{
		Audio:       audio,
		Provider:    sess.Provider().String(),
		InferenceMs: float64(elapsed.Milliseconds()),
	}, nil
}

// resolve finds the Session for role, falling through to the next present
// role if absent (spec.md §4.6 step 2). It searches the downward chain
// first (heavy->balanced->fast, matching the retry-on-transient-error
// direction), then the upward chain, so a role with no session of its own
// still finds a higher one rather than failing outright — e.g. RoleFast
// absent but RoleBalanced present (DISABLE_DUAL_SESSIONS with a CPU-only
// pool) resolves to RoleBalanced instead of reporting no session at all.
// ok is false only when every role is empty; callers fall back to the
// ActiveSessionSlot in that case.
func (s *Scheduler) resolve(role Role) (session.Session, Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current := role
	for {
		if sess, ok := s.sessions[current]; ok {
			return sess, current, true
		}
		next, hasLower := lowerRole(current)
		if !hasLower {
			break
		}
		current = next
	}

	current = role
	for {
		next, hasUpper := upperRole(current)
		if !hasUpper {
			return nil, 0, false
		}
		if sess, ok := s.sessions[next]; ok {
			return sess, next, true
		}
		current = next
	}
}

func (s *Scheduler) statsFor(role Role) *roleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[role]
	if !ok {
		st = &roleStats{}
		s.stats[role] = st
	}
	return st
}

func (s *Scheduler) timeoutValue() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout
}

// StatsFor returns a point-in-time snapshot of role's utilization counters.
func (s *Scheduler) StatsFor(role Role) Stats {
	return s.statsFor(role).snapshot()
}

// InFlight returns the number of currently in-flight requests for role,
// for the Workload Analyzer's concurrency signal.
func (s *Scheduler) InFlight(role Role) int64 {
	return s.statsFor(role).inFlight.Load()
}
