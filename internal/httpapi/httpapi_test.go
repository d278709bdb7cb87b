package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kestrel-tts/runtime/internal/config"
	"github.com/kestrel-tts/runtime/internal/ingress"
	"github.com/kestrel-tts/runtime/internal/phonemize"
	"github.com/kestrel-tts/runtime/internal/runtime"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.ReportsDir = t.TempDir()
	cfg.ForceCPUProvider = true
	cfg.SkipBackgroundBenchmarking = true

	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))

	sup := runtime.New(cfg, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { sup.Drain(context.Background()) })

	gate := ingress.New(ingress.DefaultConfig())
	return New(sup, gate, phonemize.New(), nil, logger)
}

func TestHandleSpeechNonStreaming(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	body, _ := json.Marshal(map[string]any{"text": "hello world", "voice": "default", "speed": 1.0, "lang": "en"})
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/speech", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(providerHeader) == "" {
		t.Error("expected X-Provider-Used header set")
	}
	if rec.Header().Get(correlationHeader) == "" {
		t.Error("expected X-Correlation-Id header set")
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty audio body")
	}
}

func TestHandleSpeechRejectsInvalidSpeed(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	body, _ := json.Marshal(map[string]any{"text": "hi", "speed": 5.0})
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/speech", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleStatusReportsServing(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.ModelLoaded {
		t.Error("expected modelLoaded true")
	}
	if resp.ActiveProvider == "" {
		t.Error("expected a non-empty active provider")
	}
}

func TestHandleClearCacheRebuildsSessions(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/performance/clear_cache", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleBenchmarkRejectsUnknownKind(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/performance/benchmark/bogus", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleBenchmarkTTFAReturnsSnapshot(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/performance/benchmark/ttfa", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRefusalFromMaliciousPathReturns403(t *testing.T) {
	s := newTestServer(t)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/etc/passwd", nil)
	req.Header.Set("User-Agent", "my-client/1.0")
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec.Header().Get(blockedReasonHeader) == "" {
		t.Error("expected X-Blocked-Reason header set on refusal")
	}
}
