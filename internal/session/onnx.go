//go:build onnx

package session

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/kestrel-tts/runtime/internal/provider"
)

// ortInitOnce ensures the ONNX Runtime environment is initialized exactly
// once per process, mirroring the teacher's ortInitOnce/ortInitErr pair so
// later builders surface the original failure instead of re-attempting a
// broken environment.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// maxTextRunes bounds the dynamic input tensor the vocoder graph accepts
// per call; textToIDs truncates longer text to this many runes.
const maxTextRunes = 4096

// onnxSession wraps one ONNX Runtime session bound to a single provider.
// The vocoder graph itself is an opaque external collaborator (spec.md
// §1); this type only owns the session lifecycle and the tensor plumbing
// spec.md §4.3 assigns to the Session Factory.
type onnxSession struct {
	id   provider.ID
	opts Options

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// modelPathForProvider resolves the on-disk vocoder model path. The blob
// itself is an external collaborator (spec.md §1 "on-disk model/voice
// blobs" is out of scope); this only knows the env var that names it.
func modelPathForProvider() (string, error) {
	path := os.Getenv("KESTREL_MODEL_PATH")
	if path == "" {
		return "", fmt.Errorf("KESTREL_MODEL_PATH not set")
	}
	return path, nil
}

// newONNXSession builds a real Session backed by ONNX Runtime, applying the
// thread/graph-opt/execution-mode/mem-pattern Options the Session Factory
// derived and switching the CPU memory arena on or off. Options.ArenaInitialMiB
// is not passed to ONNX Runtime.
func newONNXSession(id provider.ID, opts Options) (Session, error) {
	ortInitOnce.Do(func() {
		if libPath := os.Getenv("KESTREL_ORT_LIB_PATH"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("onnx: initialize environment: %w", ortInitErr)
	}

	modelPath, err := modelPathForProvider()
	if err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: create session options: %w", err)
	}
	defer so.Destroy()

	if err := so.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
		return nil, fmt.Errorf("onnx: set intra-op threads: %w", err)
	}
	if err := so.SetInterOpNumThreads(opts.InterOpThreads); err != nil {
		return nil, fmt.Errorf("onnx: set inter-op threads: %w", err)
	}
	if err := so.SetGraphOptimizationLevel(graphOptLevel(opts.GraphOptLevel)); err != nil {
		return nil, fmt.Errorf("onnx: set graph optimization level: %w", err)
	}
	if err := so.SetExecutionMode(executionMode(opts.ExecutionMode)); err != nil {
		return nil, fmt.Errorf("onnx: set execution mode: %w", err)
	}
	if err := so.SetCpuMemArena(opts.EnableMemReuse); err != nil {
		return nil, fmt.Errorf("onnx: set cpu mem arena: %w", err)
	}
	if err := so.SetMemPattern(opts.EnableMemPattern); err != nil {
		return nil, fmt.Errorf("onnx: set mem pattern: %w", err)
	}

	if id.Kind == provider.KindAccelerator {
		if err := so.AppendExecutionProviderCoreML(0); err != nil {
			return nil, fmt.Errorf("onnx: append CoreML execution provider: %w", err)
		}
	} else if id.Kind == provider.KindGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			_ = so.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input_ids"},
		[]string{"audio"},
		so,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	return &onnxSession{id: id, opts: opts, session: sess}, nil
}

func graphOptLevel(l GraphOptLevel) ort.GraphOptimizationLevel {
	switch l {
	case GraphOptExtended:
		return ort.GraphOptimizationLevelExtended
	case GraphOptAll:
		return ort.GraphOptimizationLevelAll
	default:
		return ort.GraphOptimizationLevelBasic
	}
}

func executionMode(m ExecutionMode) ort.ExecutionMode {
	if m == ExecutionParallel {
		return ort.ExecutionModeParallel
	}
	return ort.ExecutionModeSequential
}

// Synthesize tokenizes req.Text into the dynamic input tensor and runs the
// graph, returning the raw audio tensor contents as bytes. Tokenization
// here is a placeholder: req.Text arrives as raw text, not phonemes, and
// textToIDs maps its runes straight to ids; the factory-level Session only
// needs a valid input_ids tensor shape.
func (s *onnxSession) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	ids := textToIDs(req.Text)

	inputShape := ort.NewShape(1, int64(len(ids)))
	input, err := ort.NewTensor(inputShape, ids)
	if err != nil {
		return nil, fmt.Errorf("onnx: build input tensor: %w", err)
	}
	defer input.Destroy()

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output tensor type")
	}
	return float32sToBytes(out.GetData()), nil
}

func (s *onnxSession) Provider() provider.ID { return s.id }

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	return nil
}

// textToIDs maps each rune to a bounded int64 id. The real grapheme/phoneme
// vocabulary belongs to the external phonemizer; this keeps the tensor
// shape well-formed for the opaque vocoder graph.
func textToIDs(text string) []int64 {
	runes := []rune(text)
	if len(runes) > maxTextRunes {
		runes = runes[:maxTextRunes]
	}
	if len(runes) == 0 {
		runes = []rune{' '}
	}
	ids := make([]int64, len(runes))
	for i, r := range runes {
		ids[i] = int64(r) % 8192
	}
	return ids
}

func float32sToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, v := range samples {
		bits := math.Float32bits(v)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}
