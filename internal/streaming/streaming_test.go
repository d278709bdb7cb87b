package streaming

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingWriter struct {
	chunks [][]byte
	failAt int
}

func (w *recordingWriter) WriteChunk(ctx context.Context, data []byte) error {
	if w.failAt > 0 && len(w.chunks) == w.failAt {
		return errors.New("write failed")
	}
	cp := append([]byte(nil), data...)
	w.chunks = append(w.chunks, cp)
	return nil
}

func chunkProducer(chunks [][]byte) func() ([]byte, bool, error) {
	i := 0
	return func() ([]byte, bool, error) {
		if i >= len(chunks) {
			return nil, false, nil
		}
		c := chunks[i]
		i++
		return c, i < len(chunks), nil
	}
}

func TestEmitDeliversChunksInOrder(t *testing.T) {
	w := &recordingWriter{}
	e := New(w, nil)
	chunks := [][]byte{[]byte("a"), []byte("b"), []byte("c")}

	report, err := e.Emit(context.Background(), chunkProducer(chunks))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.ChunkCount != 3 {
		t.Fatalf("ChunkCount = %d, want 3", report.ChunkCount)
	}
	for i, c := range w.chunks {
		if string(c) != string(chunks[i]) {
			t.Fatalf("chunk %d = %q, want %q", i, c, chunks[i])
		}
	}
}

func TestEmitInvokesFirstChunkHook(t *testing.T) {
	w := &recordingWriter{}
	var hookCalled bool
	e := New(w, func(t time.Time) { hookCalled = true })

	_, err := e.Emit(context.Background(), chunkProducer([][]byte{[]byte("a")}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hookCalled {
		t.Fatal("expected onFirstChunk hook to be invoked")
	}
}

func TestEmitFlagsUnderrun(t *testing.T) {
	w := &recordingWriter{}
	e := New(w, nil)
	e.SetUnderrunThreshold(5)

	calls := 0
	fixedTimes := []time.Time{
		time.Unix(0, 0),
		time.Unix(0, int64(100*time.Millisecond)),
	}
	e.now = func() time.Time {
		tm := fixedTimes[calls]
		if calls < len(fixedTimes)-1 {
			calls++
		}
		return tm
	}

	report, err := e.Emit(context.Background(), chunkProducer([][]byte{[]byte("a"), []byte("b")}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d", len(report.Gaps))
	}
	if !report.Gaps[0].Underrun {
		t.Fatalf("expected gap to be flagged as underrun, got %+v", report.Gaps[0])
	}
}

func TestEmitPrimerFirst(t *testing.T) {
	w := &recordingWriter{}
	e := New(w, nil)
	e.SetPrimer([]byte("primer"))

	_, err := e.Emit(context.Background(), chunkProducer([][]byte{[]byte("real")}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.chunks) != 2 || string(w.chunks[0]) != "primer" {
		t.Fatalf("expected primer chunk first, got %v", w.chunks)
	}
}

func TestEmitStopsOnClientDisconnect(t *testing.T) {
	w := &recordingWriter{}
	e := New(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.Emit(ctx, chunkProducer([][]byte{[]byte("a"), []byte("b")}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.ClientDisconnected {
		t.Fatal("expected ClientDisconnected=true")
	}
}
