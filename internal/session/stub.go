package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kestrel-tts/runtime/internal/provider"
)

// StubSession is a deterministic in-memory Session used in tests and when
// no onnx-backed builder is compiled in, mirroring the teacher's
// StubEngine: it does not run real inference, but honors the interface
// contract (including a configurable synthetic latency) so scheduler,
// warmer, and benchmarker logic can be exercised without native
// dependencies.
type StubSession struct {
	id      provider.ID
	latency time.Duration
	closed  atomic.Bool
	calls   atomic.Int64
}

// NewStubSession returns a StubSession bound to id with the given simulated
// per-call latency.
func NewStubSession(id provider.ID, latency time.Duration) *StubSession {
	return &StubSession{id: id, latency: latency}
}

// StubBuilder adapts NewStubSession to the Builder signature: every
// Session it builds uses the given simulated latency, and the Options are
// ignored.
func StubBuilder(latency time.Duration) Builder {
	return func(id provider.ID, _ Options) (Session, error) {
		return NewStubSession(id, latency), nil
	}
}

// Synthesize returns a deterministic byte slice sized to the input text,
// after sleeping for the configured latency (or until ctx is done).
func (s *StubSession) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("session: stub session closed")
	}
	s.calls.Add(1)

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Deterministic pseudo-audio: two bytes per byte of text; speed is
	// ignored.
	n := len(req.Text)
	if n == 0 {
		n = 1
	}
	out := make([]byte, n*2)
	for i := range out {
		out[i] = byte(i % 256)
	}
	return out, nil
}

// Provider returns the bound ProviderId.
func (s *StubSession) Provider() provider.ID { return s.id }

// Close marks the stub closed. Idempotent.
func (s *StubSession) Close() error {
	s.closed.Store(true)
	return nil
}

// Calls reports the number of Synthesize invocations, for tests asserting
// on routing behavior.
func (s *StubSession) Calls() int64 { return s.calls.Load() }
