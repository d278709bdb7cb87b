//go:build onnx

package session

import "testing"

func TestTextToIDsEmpty(t *testing.T) {
	ids := textToIDs("")
	if len(ids) != 1 {
		t.Fatalf("expected 1 id for empty text, got %d", len(ids))
	}
}

func TestTextToIDsTruncates(t *testing.T) {
	long := make([]rune, maxTextRunes+100)
	for i := range long {
		long[i] = 'a'
	}
	ids := textToIDs(string(long))
	if len(ids) != maxTextRunes {
		t.Fatalf("expected %d ids, got %d", maxTextRunes, len(ids))
	}
}

func TestFloat32sToBytesRoundTripLength(t *testing.T) {
	samples := []float32{0, 1, -1, 0.5}
	b := float32sToBytes(samples)
	if len(b) != len(samples)*4 {
		t.Fatalf("expected %d bytes, got %d", len(samples)*4, len(b))
	}
}

func TestNativeAvailable(t *testing.T) {
	if !NativeAvailable() {
		t.Fatal("NativeAvailable() should return true when built with onnx tag")
	}
}
