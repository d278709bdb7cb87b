package bench

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-tts/runtime/internal/activeslot"
	"github.com/kestrel-tts/runtime/internal/hardware"
	"github.com/kestrel-tts/runtime/internal/provider"
	"github.com/kestrel-tts/runtime/internal/scheduler"
	"github.com/kestrel-tts/runtime/internal/session"
)

func newFactoryWithLatencies(latencies map[provider.Kind]time.Duration) *session.Factory {
	f := session.NewFactory("")
	for kind, latency := range latencies {
		l := latency
		f.Builders[kind] = session.StubBuilder(l)
	}
	return f
}

func TestRunTrialsComputesStats(t *testing.T) {
	b := New(session.NewFactory(""), &activeslot.Slot{}, nil, hardware.Profile{})
	sess := session.NewStubSession(provider.ID{Kind: provider.KindCPU, Name: "cpu"}, time.Millisecond)

	result := b.runTrials(context.Background(), sess)
	if result.Trials != DefaultTrials {
		t.Fatalf("Trials = %d, want %d", result.Trials, DefaultTrials)
	}
	if result.SuccessRate != 1.0 {
		t.Fatalf("SuccessRate = %v, want 1.0", result.SuccessRate)
	}
	if result.MeanMs < 0 {
		t.Fatalf("MeanMs = %v, want >= 0", result.MeanMs)
	}
}

func TestRunCycleSwapsOnClearWin(t *testing.T) {
	activeID := provider.ID{Kind: provider.KindCPU, Name: "cpu"}
	candidateID := provider.ID{Kind: provider.KindAccelerator, Name: "accel"}

	factory := newFactoryWithLatencies(map[provider.Kind]time.Duration{
		provider.KindAccelerator: time.Millisecond,
	})

	var slot activeslot.Slot
	activeSess := session.NewStubSession(activeID, 50*time.Millisecond)
	slot.Install(activeSess, activeID)

	sched := scheduler.New(&slot)

	b := New(factory, &slot, sched, hardware.Profile{})
	b.trials.Store(5)

	result, err := b.RunCycle(context.Background(), []provider.ID{activeID, candidateID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a swap result")
	}
	if result.ProviderID != candidateID {
		t.Fatalf("ProviderID = %v, want %v", result.ProviderID, candidateID)
	}

	got, ok := slot.ActiveProvider()
	if !ok || got != candidateID {
		t.Fatalf("expected ActiveSessionSlot to be swapped to %v, got %v", candidateID, got)
	}
}

func TestRunCycleNoSwapWithoutImprovement(t *testing.T) {
	activeID := provider.ID{Kind: provider.KindCPU, Name: "cpu"}
	candidateID := provider.ID{Kind: provider.KindAccelerator, Name: "accel"}

	factory := newFactoryWithLatencies(map[provider.Kind]time.Duration{
		provider.KindAccelerator: 10 * time.Millisecond,
	})

	var slot activeslot.Slot
	activeSess := session.NewStubSession(activeID, 10*time.Millisecond)
	slot.Install(activeSess, activeID)

	b := New(factory, &slot, nil, hardware.Profile{})
	b.trials.Store(5)

	result, err := b.RunCycle(context.Background(), []provider.ID{activeID, candidateID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no swap, got %+v", result)
	}
	got, _ := slot.ActiveProvider()
	if got != activeID {
		t.Fatalf("expected active provider unchanged, got %v", got)
	}
}

func TestRunCycleRespectsCooldown(t *testing.T) {
	activeID := provider.ID{Kind: provider.KindCPU, Name: "cpu"}
	var slot activeslot.Slot
	slot.Install(session.NewStubSession(activeID, 0), activeID)

	b := New(session.NewFactory(""), &slot, nil, hardware.Profile{})
	b.lastSwapAt = time.Now()

	result, err := b.RunCycle(context.Background(), []provider.ID{activeID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatal("expected cooldown to prevent benchmarking")
	}
}

func TestRunCyclePausesAfterFailureCap(t *testing.T) {
	b := New(session.NewFactory(""), &activeslot.Slot{}, nil, hardware.Profile{})
	b.SetThresholds(DefaultSwapThreshold, 0, 2)

	for i := 0; i < 2; i++ {
		b.recordSwapFailure()
	}
	if !b.Paused() {
		t.Fatal("expected benchmarker to be paused after reaching failure cap")
	}

	b.ResetFailures()
	if b.Paused() {
		t.Fatal("expected ResetFailures to un-pause")
	}
}
