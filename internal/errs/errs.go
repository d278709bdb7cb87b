// Package errs defines the error kinds shared across the runtime. Kinds are
// sentinel values usable with errors.Is; call sites wrap them with
// fmt.Errorf("...: %w", ErrX) to attach context, the way the teacher wraps
// ONNX Runtime errors.
package errs

import "errors"

var (
	// ErrHardwareProbeFailed indicates capability detection failed. Never
	// fatal — callers fall back to conservative defaults.
	ErrHardwareProbeFailed = errors.New("hardware probe failed")

	// ErrProviderUnavailable indicates no usable provider exists. Fatal at
	// startup only when even the CPU provider is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrSessionBuild indicates Session construction failed for a provider.
	ErrSessionBuild = errors.New("session build failed")

	// ErrInferenceTransient indicates a retryable inference failure.
	ErrInferenceTransient = errors.New("inference failed (transient)")

	// ErrInferencePermanent indicates a non-retryable inference failure.
	ErrInferencePermanent = errors.New("inference failed (permanent)")

	// ErrTimeout indicates a request exceeded its deadline. The Session
	// itself is retained; only the caller's task is cancelled.
	ErrTimeout = errors.New("request timed out")

	// ErrCacheCorruption indicates an on-disk cache failed validation
	// (checksum or version mismatch). Callers proceed with fresh state.
	ErrCacheCorruption = errors.New("cache corrupted")

	// ErrRateLimited indicates the ingress gate refused a request for
	// exceeding its rate budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrAccessDenied indicates the ingress gate refused a non-local or
	// block-listed source.
	ErrAccessDenied = errors.New("access denied")

	// ErrMaliciousPattern indicates the ingress gate refused a request whose
	// path or user agent matched a known attack pattern.
	ErrMaliciousPattern = errors.New("malicious pattern detected")

	// ErrSwapFailed indicates a hot-swap candidate did not beat the active
	// session or failed to build/benchmark. The active session is retained.
	ErrSwapFailed = errors.New("hot-swap failed")

	// ErrDrainTimedOut indicates shutdown's bounded wait for in-flight
	// requests expired before they all completed.
	ErrDrainTimedOut = errors.New("drain timed out")

	// ErrModelNotReady indicates FastInit has not yet completed.
	ErrModelNotReady = errors.New("model not ready")
)
