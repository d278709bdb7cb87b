package runtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/kestrel-tts/runtime/internal/config"
	"github.com/kestrel-tts/runtime/internal/hardware"
	"github.com/kestrel-tts/runtime/internal/provider"
	"github.com/kestrel-tts/runtime/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.ForceCPUProvider = true
	cfg.SkipBackgroundBenchmarking = true
	return cfg
}

func TestNewRegistersStubBuildersWhenNativeUnavailable(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, testLogger())

	for _, kind := range []provider.Kind{provider.KindAccelerator, provider.KindGPU, provider.KindCPU} {
		if _, ok := s.factory.Builders[kind]; !ok {
			t.Fatalf("expected a builder registered for %v", kind)
		}
	}
}

func TestStartReachesServingOnFastInitSuccess(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != StateServing {
		t.Fatalf("expected StateServing, got %v", got)
	}

	status := s.Status()
	if !status.ModelLoaded {
		t.Fatal("expected ModelLoaded true after Start")
	}
	if status.ActiveProvider == "" {
		t.Fatal("expected a non-empty active provider")
	}

	s.Drain(context.Background())
	if got := s.State(); got != StateStopped {
		t.Fatalf("expected StateStopped after Drain, got %v", got)
	}
}

func TestFastInitFallsBackToCPUWhenPrimaryBuildFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.ForceCPUProvider = false
	s := New(cfg, testLogger())

	// Force hardware detection to report an accelerator so Enumerate
	// offers it as the first candidate, then make that candidate's
	// builder fail so fastInit must fall back to cpu.
	s.probe = hardware.NewWithDetector(func() hardware.Profile {
		return hardware.Profile{AcceleratorFamily: hardware.AcceleratorGenericGPU, AcceleratorCores: 8, CPUCores: 4, MemoryGiB: 16}
	})
	s.factory.Builders[provider.KindGPU] = func(id provider.ID, opts session.Options) (session.Session, error) {
		return nil, errFailingBuilder
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.fastInit(ctx); err != nil {
		t.Fatalf("fastInit: %v", err)
	}

	id, ok := s.slot.ActiveProvider()
	if !ok {
		t.Fatal("expected an active provider after fastInit")
	}
	if id.Kind != provider.KindCPU {
		t.Fatalf("expected cpu fallback, got %v", id.Kind)
	}
}

func TestDrainIsBoundedByTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.DrainTimeout = 50 * time.Millisecond
	s := New(cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	s.Drain(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Drain took too long: %v", elapsed)
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("expected StateStopped, got %v", got)
	}
}

func TestRoleForProviderMapsKinds(t *testing.T) {
	cases := []struct {
		kind provider.Kind
		want string
	}{
		{provider.KindAccelerator, "fast"},
		{provider.KindGPU, "heavy"},
		{provider.KindCPU, "balanced"},
	}
	for _, c := range cases {
		got := roleForProvider(provider.ID{Kind: c.kind, Name: "x"}).String()
		if got != c.want {
			t.Errorf("roleForProvider(%v) = %q, want %q", c.kind, got, c.want)
		}
	}
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errFailingBuilder = stubErr("builder intentionally failed")
