// Package httpapi implements the HTTP surface of spec.md §6: the
// synthesize endpoint, status and performance probes, and cache/benchmark
// control endpoints, wired through the Ingress Gate and the Runtime
// Supervisor.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrel-tts/runtime/internal/errs"
	"github.com/kestrel-tts/runtime/internal/ingress"
	"github.com/kestrel-tts/runtime/internal/phonemize"
	"github.com/kestrel-tts/runtime/internal/runtime"
	"github.com/kestrel-tts/runtime/internal/scheduler"
	"github.com/kestrel-tts/runtime/internal/session"
	"github.com/kestrel-tts/runtime/internal/streaming"
	"github.com/kestrel-tts/runtime/internal/telemetry"
	"github.com/kestrel-tts/runtime/internal/ttfa"
)

const correlationHeader = "X-Correlation-Id"
const providerHeader = "X-Provider-Used"
const blockedReasonHeader = "X-Blocked-Reason"

// Server holds every collaborator the HTTP surface routes requests
// through: the Ingress Gate first, then the Runtime Supervisor's
// Scheduler, Workload Analyzer and TTFA Monitor, plus a Phonemizer
// exercised as a pre-synthesis pipeline stage.
type Server struct {
	sup        *runtime.Supervisor
	gate       *ingress.Gate
	phonemizer phonemize.Phonemizer
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// New returns a Server wiring sup and gate into an http.Handler. metrics
// may be nil, in which case every recording call is a no-op.
func New(sup *runtime.Supervisor, gate *ingress.Gate, phonemizer phonemize.Phonemizer, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sup: sup, gate: gate, phonemizer: phonemizer, metrics: metrics, logger: logger}
}

// Handler builds the routed http.Handler, mirroring the path set of
// spec.md §6's HTTP surface. Every request, routed or not, passes the
// Ingress Gate before it reaches the mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/audio/speech", s.handleSpeech)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /performance/ttfa", s.handleTTFA)
	mux.HandleFunc("POST /performance/clear_cache", s.handleClearCache)
	mux.HandleFunc("POST /performance/benchmark/{kind}", s.handleBenchmark)
	return s.withGate(mux.ServeHTTP)
}

// withGate runs the Ingress Gate ahead of every handler, assigns or echoes
// the correlation ID, and maps a refusal Decision onto spec.md §6's status
// codes (403/429) before the inner handler ever runs.
func (s *Server) withGate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(correlationHeader)
		if cid == "" {
			cid = newCorrelationID()
		}
		w.Header().Set(correlationHeader, cid)

		remoteIP := ingress.RemoteIP(r)
		decision := s.gate.Check(remoteIP, r.URL.Path, r.Header.Get("User-Agent"))
		if !decision.Allowed {
			s.logger.Warn("request refused", "correlation_id", cid, "reason", decision.Reason, "remote_ip", remoteIP)
			s.metrics.RecordIngressRefusal(r.Context(), decision.Reason)
			w.Header().Set(blockedReasonHeader, decision.Reason)
			writeError(w, refusalStatus(decision.Err), decision.Reason)
			return
		}

		next(w, r)
	}
}

func refusalStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrAccessDenied), errors.Is(err, errs.ErrMaliciousPattern):
		return http.StatusForbidden
	default:
		return http.StatusForbidden
	}
}

func newCorrelationID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("cid-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// speechRequest is spec.md §6's POST /v1/audio/speech body.
type speechRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed"`
	Lang   string  `json:"lang"`
	Stream bool    `json:"stream"`
	Format string  `json:"format"`
}

func (req speechRequest) normalized() speechRequest {
	if req.Speed == 0 {
		req.Speed = 1.0
	}
	if req.Voice == "" {
		req.Voice = "default"
	}
	if req.Lang == "" {
		req.Lang = "en"
	}
	return req
}

// httpChunkWriter adapts an http.ResponseWriter into streaming.ChunkWriter,
// flushing after every chunk so the client sees bytes as they arrive.
type httpChunkWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (c httpChunkWriter) WriteChunk(ctx context.Context, data []byte) error {
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if c.f != nil {
		c.f.Flush()
	}
	return nil
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if !s.sup.State().Ready() {
		writeError(w, http.StatusServiceUnavailable, errs.ErrModelNotReady.Error())
		return
	}

	var body speechRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	body = body.normalized()
	if body.Speed < 0.5 || body.Speed > 2.0 {
		writeError(w, http.StatusBadRequest, "speed must be between 0.5 and 2.0")
		return
	}

	_ = s.phonemizer.Phonemize(body.Voice, body.Text)

	complexity := s.sup.Analyzer().Complexity(body.Text)
	req := session.Request{Text: body.Text, Voice: body.Voice, Speed: body.Speed, Lang: body.Lang}

	start := time.Now()
	requestID := r.Header.Get(correlationHeader)

	if body.Format != "" {
		w.Header().Set("Content-Type", "audio/"+body.Format)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}

	if body.Stream {
		s.streamSpeech(w, r, complexity, req, start, requestID, len(body.Text))
		return
	}

	result, err := s.sup.Scheduler().Synthesize(r.Context(), complexity, req)
	if err != nil {
		s.handleSynthesizeError(w, err)
		return
	}

	elapsedMs := float64(time.Since(start).Milliseconds())
	retried := result.Role != scheduler.RoleFor(complexity)
	s.recordOutcome(r.Context(), requestID, start, elapsedMs, result.Provider, result.Role.String(), retried, complexity, len(body.Text))

	w.Header().Set(providerHeader, result.Provider)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Audio)
}

func (s *Server) streamSpeech(w http.ResponseWriter, r *http.Request, complexity float64, req session.Request, start time.Time, requestID string, textLen int) {
	flusher, _ := w.(http.Flusher)
	writer := httpChunkWriter{w: w, f: flusher}

	var firstChunkAt time.Time
	emitter := streaming.New(writer, func(t time.Time) { firstChunkAt = t })
	emitter.SetUnderrunThreshold(float64(s.sup.Config().UnderrunThresholdMs))

	result, err := s.sup.Scheduler().Synthesize(r.Context(), complexity, req)
	if err != nil {
		s.handleSynthesizeError(w, err)
		return
	}
	w.Header().Set(providerHeader, result.Provider)

	sent := false
	report, err := emitter.Emit(r.Context(), func() ([]byte, bool, error) {
		if sent {
			return nil, false, nil
		}
		sent = true
		return result.Audio, false, nil
	})
	if err != nil {
		s.logger.Warn("streaming emit failed", "correlation_id", requestID, "error", err)
	}
	for _, gap := range report.Gaps {
		if gap.Underrun {
			s.metrics.RecordUnderrun(r.Context())
		}
	}

	if !firstChunkAt.IsZero() {
		elapsedMs := float64(firstChunkAt.Sub(start).Milliseconds())
		retried := result.Role != scheduler.RoleFor(complexity)
		s.recordOutcome(r.Context(), requestID, start, elapsedMs, result.Provider, result.Role.String(), retried, complexity, textLen)
	}
}

func (s *Server) handleSynthesizeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, errs.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// recordOutcome feeds the request's outcome into the TTFA Monitor, the
// Workload Analyzer, and the OTel metrics. The inference stage is
// attributed the whole elapsed time since the pre-synthesis pipeline
// stages (phonemization, text analysis) aren't independently timed at the
// HTTP layer.
func (s *Server) recordOutcome(ctx context.Context, requestID string, start time.Time, elapsedMs float64, providerID string, role string, retried bool, complexity float64, textLen int) {
	stages := ttfa.StageDurations{Inference: elapsedMs}
	meas := s.sup.TTFAMonitor().Record(requestID, start, stages, elapsedMs, providerID, textLen)
	s.sup.Analyzer().RecordCompletion(textLen, 1, complexity, elapsedMs)
	s.metrics.RecordTTFA(ctx, providerID, elapsedMs, meas.AchievedTarget)
	s.metrics.RecordRoleRequest(ctx, role, retried)
}
