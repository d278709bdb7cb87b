package arena

import (
	"testing"
	"time"

	"github.com/kestrel-tts/runtime/internal/hardware"
	"github.com/kestrel-tts/runtime/internal/workload"
)

type fixedPressure float64

func (f fixedPressure) MemoryPressure() float64 { return float64(f) }

func TestBaseSizeTiers(t *testing.T) {
	cases := []struct {
		memGiB int
		want   int
	}{
		{4, 384},
		{8, 384},
		{16, 768},
		{32, 1024},
	}
	for _, c := range cases {
		got := baseSize(hardware.Profile{MemoryGiB: c.memGiB})
		if got != c.want {
			t.Fatalf("baseSize(memGiB=%d) = %d, want %d", c.memGiB, got, c.want)
		}
	}
}

func TestBaseSizeAcceleratorBonus(t *testing.T) {
	got := baseSize(hardware.Profile{MemoryGiB: 16, AcceleratorCores: 32})
	base := 768
	want := int(float64(base) * 1.2)
	if got != want {
		t.Fatalf("baseSize with accelerator bonus = %d, want %d", got, want)
	}
}

func TestNewClampsWithinBounds(t *testing.T) {
	m := New(hardware.Profile{MemoryGiB: 64}, DefaultBounds, nil)
	if m.Current() > DefaultBounds.MaxMiB {
		t.Fatalf("Current() = %d, exceeds max %d", m.Current(), DefaultBounds.MaxMiB)
	}
}

func TestOptimalClampedToBounds(t *testing.T) {
	profile := hardware.Profile{MemoryGiB: 64, CPUCores: 32, AcceleratorCores: 64}
	wp := workload.Profile{AvgConcurrency: 10, AvgComplexity: 1, AvgTextLen: 5000}
	got := Optimal(profile, wp, 0, DefaultBounds)
	if got > DefaultBounds.MaxMiB {
		t.Fatalf("Optimal() = %d, exceeds max %d", got, DefaultBounds.MaxMiB)
	}
}

func TestPressureAdjustmentDownsizes(t *testing.T) {
	low := pressureAdjustment(0.5)
	high := pressureAdjustment(0.95)
	if high >= low {
		t.Fatalf("expected high pressure adjustment (%v) < low pressure adjustment (%v)", high, low)
	}
}

func TestRecomputeSkippedWithoutEnoughSamples(t *testing.T) {
	m := New(hardware.Profile{MemoryGiB: 8}, DefaultBounds, nil)
	wp := workload.Profile{RecentLatencies: make([]float64, 3)}
	if m.Recompute(hardware.Profile{MemoryGiB: 8}, wp) {
		t.Fatal("expected Recompute to skip with fewer than 10 samples")
	}
}

func TestRecomputeSkippedWithinInterval(t *testing.T) {
	m := New(hardware.Profile{MemoryGiB: 8}, DefaultBounds, nil)
	m.lastOptimizationAt = time.Now()
	wp := workload.Profile{RecentLatencies: make([]float64, 10), AvgConcurrency: 5, AvgComplexity: 0.9, AvgTextLen: 1000}
	if m.Recompute(hardware.Profile{MemoryGiB: 64, CPUCores: 32}, wp) {
		t.Fatal("expected Recompute to skip within optimization interval without degradation")
	}
}

func TestRecomputeBypassesIntervalOnDegradation(t *testing.T) {
	m := New(hardware.Profile{MemoryGiB: 8}, DefaultBounds, nil)
	m.lastOptimizationAt = time.Now()

	latencies := make([]float64, 20)
	for i := 0; i < 10; i++ {
		latencies[i] = 100
	}
	for i := 10; i < 20; i++ {
		latencies[i] = 300
	}
	wp := workload.Profile{RecentLatencies: latencies, AvgConcurrency: 5, AvgComplexity: 0.9, AvgTextLen: 1000}

	if !m.Recompute(hardware.Profile{MemoryGiB: 64, CPUCores: 32}, wp) {
		t.Fatal("expected Recompute to bypass interval gate on latency degradation")
	}
}

func TestRecomputeRejectsSmallChange(t *testing.T) {
	m := New(hardware.Profile{MemoryGiB: 12}, DefaultBounds, nil)
	wp := workload.Profile{RecentLatencies: make([]float64, 10), AvgComplexity: 0.1}
	if m.Recompute(hardware.Profile{MemoryGiB: 12}, wp) {
		t.Fatal("expected Recompute to reject a change below the 10%/64MiB threshold")
	}
}

func TestRecomputeUsesPressureReader(t *testing.T) {
	m := New(hardware.Profile{MemoryGiB: 64, CPUCores: 32}, DefaultBounds, fixedPressure(0.95))
	wp := workload.Profile{RecentLatencies: make([]float64, 10)}
	m.Recompute(hardware.Profile{MemoryGiB: 64, CPUCores: 32}, wp)
	if m.Current() >= DefaultBounds.MaxMiB {
		t.Fatal("expected high memory pressure to prevent maxing out arena size")
	}
}
