// Package streaming implements the Streaming Emitter (C10): ordered
// chunk delivery toward the client with gap analysis and an optional
// primer chunk to minimize perceived Time-to-First-Audio.
package streaming

import (
	"context"
	"time"
)

// DefaultUnderrunThresholdMs is spec.md §4.10's default inter-chunk gap
// flagged as an underrun.
const DefaultUnderrunThresholdMs = 50.0

// ChunkWriter is the narrow collaborator the Emitter writes ordered
// byte chunks to (an HTTP response writer or similar transport). Writing
// blocks on client backpressure, per spec.md §5.
type ChunkWriter interface {
	WriteChunk(ctx context.Context, data []byte) error
}

// Gap is one measured inter-chunk delay.
type Gap struct {
	Index      int
	DurationMs float64
	Underrun   bool
}

// Report is the per-request outcome the gap-analysis tooling consumes.
type Report struct {
	ChunkCount      int
	Gaps            []Gap
	FirstChunkAt    time.Time
	ClientDisconnected bool
}

// Emitter delivers chunks from a producer to a ChunkWriter in order,
// recording the first-chunk timestamp and measuring inter-chunk gaps.
type Emitter struct {
	writer               ChunkWriter
	underrunThresholdMs  float64
	primer               []byte
	onFirstChunk         func(time.Time)
	now                  func() time.Time
}

// New returns an Emitter writing to w with the default underrun
// threshold. onFirstChunk, if non-nil, is invoked with the wall-clock
// timestamp of the first chunk delivered (the hook the TTFA Monitor uses).
func New(w ChunkWriter, onFirstChunk func(time.Time)) *Emitter {
	return &Emitter{
		writer:              w,
		underrunThresholdMs: DefaultUnderrunThresholdMs,
		onFirstChunk:        onFirstChunk,
		now:                 time.Now,
	}
}

// SetUnderrunThreshold overrides the default underrun gap threshold.
func (e *Emitter) SetUnderrunThreshold(ms float64) {
	e.underrunThresholdMs = ms
}

// SetPrimer installs a short pre-synthesized preamble chunk emitted
// before the first real chunk, to minimize perceived TTFA.
func (e *Emitter) SetPrimer(primer []byte) {
	e.primer = primer
}

// Emit delivers chunks as they are read from next, stopping promptly if
// ctx is canceled (client disconnect) or the writer returns an error. The
// Session call producing chunks is assumed to keep running to completion
// regardless (the inference engine has no cancel primitive); Emit simply
// stops forwarding output once the client is gone.
func (e *Emitter) Emit(ctx context.Context, next func() ([]byte, bool, error)) (Report, error) {
	report := Report{}

	if len(e.primer) > 0 {
		if err := e.writeChunk(ctx, &report, e.primer); err != nil {
			if ctx.Err() != nil {
				report.ClientDisconnected = true
				return report, nil
			}
			return report, err
		}
	}

	var lastChunkAt time.Time
	for {
		select {
		case <-ctx.Done():
			report.ClientDisconnected = true
			return report, nil
		default:
		}

		chunk, more, err := next()
		if err != nil {
			return report, err
		}
		if len(chunk) > 0 {
			now := e.now()
			if report.ChunkCount == 0 && report.FirstChunkAt.IsZero() {
				report.FirstChunkAt = now
				if e.onFirstChunk != nil {
					e.onFirstChunk(now)
				}
			} else if !lastChunkAt.IsZero() {
				gapMs := float64(now.Sub(lastChunkAt).Milliseconds())
				report.Gaps = append(report.Gaps, Gap{
					Index:      report.ChunkCount,
					DurationMs: gapMs,
					Underrun:   gapMs > e.underrunThresholdMs,
				})
			}
			lastChunkAt = now

			if werr := e.writer.WriteChunk(ctx, chunk); werr != nil {
				if ctx.Err() != nil {
					report.ClientDisconnected = true
					return report, nil
				}
				return report, werr
			}
			report.ChunkCount++
		}

		if !more {
			return report, nil
		}
	}
}

func (e *Emitter) writeChunk(ctx context.Context, report *Report, data []byte) error {
	now := e.now()
	if report.FirstChunkAt.IsZero() {
		report.FirstChunkAt = now
		if e.onFirstChunk != nil {
			e.onFirstChunk(now)
		}
	}
	if err := e.writer.WriteChunk(ctx, data); err != nil {
		return err
	}
	report.ChunkCount++
	return nil
}
