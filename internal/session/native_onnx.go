//go:build onnx

package session

import "github.com/kestrel-tts/runtime/internal/provider"

// NativeAvailable reports that an onnxruntime-backed builder is compiled in.
func NativeAvailable() bool { return true }

// RegisterDefaultBuilders wires the onnx-backed builder for every provider
// kind into f.Builders, mirroring the teacher's native_silero.go: all three
// kinds share the same construction path, differentiated only by the
// execution-provider attached inside newONNXSession.
func RegisterDefaultBuilders(f *Factory) error {
	f.Builders[provider.KindAccelerator] = newONNXSession
	f.Builders[provider.KindGPU] = newONNXSession
	f.Builders[provider.KindCPU] = newONNXSession
	return nil
}
