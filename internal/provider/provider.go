// Package provider implements the Provider Registry (C2): enumeration and
// cheap validation of candidate inference providers in hardware-preferred
// order.
package provider

import (
	"fmt"

	"github.com/kestrel-tts/runtime/internal/errs"
	"github.com/kestrel-tts/runtime/internal/hardware"
)

// Kind is the tagged variant of spec.md §3 ProviderId.
type Kind int

const (
	KindAccelerator Kind = iota
	KindGPU
	KindCPU
)

func (k Kind) String() string {
	switch k {
	case KindAccelerator:
		return "Accelerator"
	case KindGPU:
		return "Gpu"
	default:
		return "Cpu"
	}
}

// ID is spec.md §3's ProviderId: a tagged kind plus an opaque logging name.
type ID struct {
	Kind Kind
	Name string
}

func (id ID) String() string { return fmt.Sprintf("%s(%s)", id.Kind, id.Name) }

// Registry enumerates and validates candidate providers for a given
// hardware profile.
type Registry struct {
	// ForceCPU disables accelerator/GPU candidates even when hardware
	// reports them available (FORCE_CPU_PROVIDER).
	ForceCPU bool
}

// Enumerate returns the ordered, validated candidate list: accelerator
// first (if present and not forced off), then GPU, then CPU. CPU is always
// present. Returns errs.ErrProviderUnavailable only if CPU itself fails
// validation, which cannot happen with the built-in validator but is kept
// as the documented fail-open contract for custom validators.
func (r Registry) Enumerate(profile hardware.Profile) ([]ID, error) {
	var candidates []ID

	if !r.ForceCPU && profile.AcceleratorFamily != hardware.AcceleratorNone {
		kind := KindAccelerator
		if profile.AcceleratorFamily == hardware.AcceleratorGenericGPU {
			kind = KindGPU
		}
		candidates = append(candidates, ID{Kind: kind, Name: profile.AcceleratorFamily.String()})
	}

	candidates = append(candidates, ID{Kind: KindCPU, Name: "cpu"})

	var validated []ID
	for _, c := range candidates {
		if err := validate(c); err != nil {
			continue
		}
		validated = append(validated, c)
	}

	if !hasCPU(validated) {
		return nil, fmt.Errorf("provider: %w", errs.ErrProviderUnavailable)
	}
	return validated, nil
}

func hasCPU(ids []ID) bool {
	for _, id := range ids {
		if id.Kind == KindCPU {
			return true
		}
	}
	return false
}

// validate performs a cheap dry-run: it does not instantiate a Session, only
// confirms an options bundle could in principle be built for this kind.
func validate(id ID) error {
	if id.Name == "" {
		return fmt.Errorf("provider: empty name for %s", id.Kind)
	}
	return nil
}
