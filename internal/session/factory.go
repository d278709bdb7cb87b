package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrel-tts/runtime/internal/errs"
	"github.com/kestrel-tts/runtime/internal/hardware"
	"github.com/kestrel-tts/runtime/internal/provider"
)

// Builder constructs a concrete Session for one provider kind. Real
// (onnx-tag-gated) and stub builders both satisfy this, mirroring the
// teacher's three-way native/native-stub/stub split.
type Builder func(id provider.ID, opts Options) (Session, error)

// Factory derives SessionOptions and constructs Sessions via a pluggable
// Builder per provider kind.
type Factory struct {
	// Builders maps a provider kind to its construction function. Tests
	// inject in-memory stub builders; production wires the onnx-backed
	// builder for Accelerator/GPU/CPU via RegisterDefaultBuilders.
	Builders map[provider.Kind]Builder

	// TempDirRoot is the parent directory under which accelerator-specific
	// scratch directories are created (spec.md §4.3 "dedicated temp
	// directory ... redirected to it before Session construction").
	TempDirRoot string
}

// NewFactory returns a Factory with no builders registered; callers must
// populate Builders (directly, or via RegisterDefaultBuilders/stub helpers).
func NewFactory(tempDirRoot string) *Factory {
	return &Factory{
		Builders:    make(map[provider.Kind]Builder),
		TempDirRoot: tempDirRoot,
	}
}

// Derive computes SessionOptions deterministically from (HardwareProfile,
// arenaMiB), per spec.md §4.3's thread-count table and graph-optimization
// rule. Same inputs always produce the same Options (I3-adjacent
// determinism requirement for the factory itself).
func Derive(profile hardware.Profile, arenaMiB int) Options {
	intra, inter := threadCounts(profile.AcceleratorCores, profile.AcceleratorFamily != hardware.AcceleratorNone)

	opts := Options{
		IntraOpThreads:   intra,
		InterOpThreads:   inter,
		ArenaInitialMiB:  arenaMiB,
		EnableMemPattern: true,
		EnableMemReuse:   true,
	}

	if profile.AcceleratorFamily != hardware.AcceleratorNone {
		opts.GraphOptLevel = GraphOptExtended
		opts.ExecutionMode = ExecutionParallel
	} else {
		opts.GraphOptLevel = GraphOptBasic
		opts.ExecutionMode = ExecutionSequential
	}
	return opts
}

// threadCounts implements spec.md §4.3's table keyed on accelerator core
// count: >=32 -> (8,4); >=16 -> (6,2); accelerator present but smaller ->
// (4,2); no accelerator -> (2,1).
func threadCounts(acceleratorCores int, hasAccelerator bool) (intra, inter int) {
	switch {
	case acceleratorCores >= 32:
		return 8, 4
	case acceleratorCores >= 16:
		return 6, 2
	case hasAccelerator:
		return 4, 2
	default:
		return 2, 1
	}
}

// Build constructs a Session for id using the HardwareProfile-derived
// Options for arenaMiB. For KindAccelerator it first prepares and
// sanitizes a dedicated temp directory, per spec.md §4.3, before invoking
// the builder.
func (f *Factory) Build(id provider.ID, profile hardware.Profile, arenaMiB int) (Session, error) {
	builder, ok := f.Builders[id.Kind]
	if !ok {
		return nil, fmt.Errorf("session: %w: no builder registered for %s", errs.ErrSessionBuild, id.Kind)
	}

	opts := Derive(profile, arenaMiB)

	if id.Kind == provider.KindAccelerator {
		dir, err := f.prepareAcceleratorTempDir()
		if err != nil {
			return nil, fmt.Errorf("session: %w: prepare temp dir: %v", errs.ErrSessionBuild, err)
		}
		if err := os.Setenv("TMPDIR", dir); err != nil {
			return nil, fmt.Errorf("session: %w: redirect TMPDIR: %v", errs.ErrSessionBuild, err)
		}
	}

	sess, err := builder(id, opts)
	if err != nil {
		return nil, fmt.Errorf("session: %w: %v", errs.ErrSessionBuild, err)
	}
	return sess, nil
}

// prepareAcceleratorTempDir creates (and sanitizes) the dedicated scratch
// directory used by the accelerator provider, per spec.md §4.3.
func (f *Factory) prepareAcceleratorTempDir() (string, error) {
	root := f.TempDirRoot
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "accelerator_temp")

	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
