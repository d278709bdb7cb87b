// Package session implements the Session Factory (C3): deterministic
// SessionOptions derivation and Session construction for a given provider,
// hardware profile, and arena size.
package session

import (
	"context"

	"github.com/kestrel-tts/runtime/internal/provider"
)

// GraphOptLevel mirrors spec.md §3 SessionOptions.graphOptLevel.
type GraphOptLevel int

const (
	GraphOptBasic GraphOptLevel = iota
	GraphOptExtended
	GraphOptAll
)

// ExecutionMode mirrors spec.md §3 SessionOptions.executionMode.
type ExecutionMode int

const (
	ExecutionSequential ExecutionMode = iota
	ExecutionParallel
)

// Options is spec.md §3's SessionOptions, derived deterministically from
// (HardwareProfile, ArenaSize) by Derive.
type Options struct {
	IntraOpThreads   int
	InterOpThreads   int
	GraphOptLevel    GraphOptLevel
	ExecutionMode    ExecutionMode
	ArenaInitialMiB  int
	EnableMemPattern bool
	EnableMemReuse   bool
}

// Request carries the per-call synthesize parameters of spec.md §3 Session.
type Request struct {
	Text  string
	Voice string
	Speed float64
	Lang  string
}

// Session owns one inference context bound to a single provider and serves
// many concurrent requests (thread-safe for read-only use, per the
// inference-engine contract spec.md §3 assumes). It is the narrow interface
// spec.md §9 calls for in place of a duck-typed collaborator.
type Session interface {
	// Synthesize runs one synthesis call, returning raw audio bytes.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
	// Provider returns the ProviderId this session is bound to.
	Provider() provider.ID
	// Close releases the underlying inference context. Safe to call once
	// the session has no more in-flight references (I2).
	Close() error
}
