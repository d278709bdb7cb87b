// Package hardware implements the one-shot, memoized capability probe (C1).
package hardware

import (
	"runtime"
	"sync"
)

// AcceleratorFamily identifies the class of ML accelerator present on the
// host, if any.
type AcceleratorFamily int

const (
	AcceleratorNone AcceleratorFamily = iota
	AcceleratorNeuralEngineClassA
	AcceleratorNeuralEngineClassB
	AcceleratorGenericGPU
)

func (f AcceleratorFamily) String() string {
	switch f {
	case AcceleratorNeuralEngineClassA:
		return "NeuralEngineClassA"
	case AcceleratorNeuralEngineClassB:
		return "NeuralEngineClassB"
	case AcceleratorGenericGPU:
		return "GenericGPU"
	default:
		return "None"
	}
}

// Profile is the immutable hardware snapshot produced by a Probe, per
// spec.md §3 HardwareProfile.
type Profile struct {
	AcceleratorFamily AcceleratorFamily
	AcceleratorCores  int
	CPUCores          int
	MemoryGiB         int
}

// fallbackMemoryGiB is used when memory cannot be detected, per spec.md
// §4.1 "best-effort or 8".
const fallbackMemoryGiB = 8

// detectFn is swappable in tests; production wires the real OS probe.
type detectFn func() Profile

// Probe is a one-shot, memoized hardware detector. The zero value is usable;
// Detect() runs the underlying detection exactly once unless Reprobe is
// called, mirroring the teacher's ortInitOnce pattern for one-time,
// failure-tolerant environment setup.
type Probe struct {
	once    sync.Once
	mu      sync.Mutex
	profile Profile
	detect  detectFn
}

// New returns a Probe using the real (best-effort) OS detector.
func New() *Probe {
	return &Probe{detect: detectReal}
}

// NewWithDetector returns a Probe using a custom detector, for tests.
func NewWithDetector(fn detectFn) *Probe {
	return &Probe{detect: fn}
}

// Detect returns the memoized HardwareProfile, running detection on first
// call. Detection never fails the process: any internal error degrades to
// the conservative default (spec.md I-free requirement "never fails").
func (p *Probe) Detect() Profile {
	p.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.detect == nil {
			p.detect = detectReal
		}
		p.profile = safeDetect(p.detect)
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Reprobe forces re-detection. Spec.md §4.1: "Re-probe is explicit only."
func (p *Probe) Reprobe() Profile {
	p.mu.Lock()
	if p.detect == nil {
		p.detect = detectReal
	}
	fn := p.detect
	p.mu.Unlock()

	profile := safeDetect(fn)

	p.mu.Lock()
	p.profile = profile
	p.mu.Unlock()
	return profile
}

func safeDetect(fn detectFn) (profile Profile) {
	defer func() {
		if r := recover(); r != nil {
			profile = conservativeDefault()
		}
	}()
	profile = fn()
	if profile.CPUCores <= 0 {
		profile.CPUCores = runtime.NumCPU()
	}
	if profile.MemoryGiB <= 0 {
		profile.MemoryGiB = fallbackMemoryGiB
	}
	return profile
}

func conservativeDefault() Profile {
	return Profile{
		AcceleratorFamily: AcceleratorNone,
		CPUCores:          runtime.NumCPU(),
		MemoryGiB:         fallbackMemoryGiB,
	}
}
