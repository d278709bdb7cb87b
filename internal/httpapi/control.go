package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// statusResponse is spec.md §6's GET /status body shape.
type statusResponse struct {
	ModelLoaded    bool          `json:"modelLoaded"`
	ActiveProvider string        `json:"activeProvider"`
	Hardware       hardwareDTO   `json:"hardware"`
	Providers      []string      `json:"providers"`
	WarmUpComplete bool          `json:"warmUpComplete"`
	TTFA           ttfaSummary   `json:"ttfa"`
}

type hardwareDTO struct {
	AcceleratorFamily string `json:"acceleratorFamily"`
	AcceleratorCores  int    `json:"acceleratorCores"`
	CPUCores          int    `json:"cpuCores"`
	MemoryGiB         int    `json:"memoryGiB"`
}

type ttfaSummary struct {
	P50                   float64 `json:"p50"`
	P95                   float64 `json:"p95"`
	TargetAchievementRate float64 `json:"targetAchievementRate"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.sup.Status()

	providers := make([]string, 0, len(status.Providers))
	for _, p := range status.Providers {
		providers = append(providers, p.String())
	}

	resp := statusResponse{
		ModelLoaded:    status.ModelLoaded,
		ActiveProvider: status.ActiveProvider,
		Hardware: hardwareDTO{
			AcceleratorFamily: status.Hardware.AcceleratorFamily.String(),
			AcceleratorCores:  status.Hardware.AcceleratorCores,
			CPUCores:          status.Hardware.CPUCores,
			MemoryGiB:         status.Hardware.MemoryGiB,
		},
		Providers:      providers,
		WarmUpComplete: status.WarmUpComplete,
		TTFA: ttfaSummary{
			P50:                   status.TTFA.P50,
			P95:                   status.TTFA.P95,
			TargetAchievementRate: status.TTFA.TargetAchievementRate,
		},
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTTFA(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.TTFAMonitor().Snapshot())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.phonemizer.Clear()

	ctx, cancel := newRequestContext(r)
	defer cancel()
	if err := s.sup.ClearCaches(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// benchmarkKinds is the accepted set for POST
// /performance/benchmark/{kind}; only "provider" and "comprehensive"
// actually exercise the Benchmarker — "ttfa" and "streaming" report the
// live rolling statistics already collected rather than re-running
// synthetic load, since both are continuously measured in production
// traffic.
var benchmarkKinds = map[string]bool{
	"ttfa":          true,
	"streaming":     true,
	"provider":      true,
	"comprehensive": true,
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	if !benchmarkKinds[kind] {
		writeError(w, http.StatusBadRequest, "unknown benchmark kind")
		return
	}

	report := map[string]any{
		"kind":      kind,
		"timestamp": time.Now().UTC(),
	}

	switch kind {
	case "ttfa":
		report["ttfa"] = s.sup.TTFAMonitor().Snapshot()
	case "streaming":
		report["ttfa"] = s.sup.TTFAMonitor().Snapshot()
		report["underrunThresholdMs"] = s.sup.Config().UnderrunThresholdMs
	case "provider", "comprehensive":
		ctx, cancel := newRequestContext(r)
		defer cancel()
		result, err := s.sup.RunBenchmarkCycle(ctx)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if result != nil {
			report["result"] = result
		} else {
			report["result"] = "benchmarker declined to run a new cycle (cooldown active or no candidate qualified)"
		}
		if kind == "comprehensive" {
			report["ttfa"] = s.sup.TTFAMonitor().Snapshot()
			report["status"] = s.sup.Status()
		}
	}

	if err := s.saveReport(kind, report); err != nil {
		s.logger.Warn("failed to persist benchmark report", "error", err)
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) saveReport(kind string, report map[string]any) error {
	dir := s.sup.Config().ReportsDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	name := filepath.Join(dir, kind+"-"+time.Now().UTC().Format("20060102T150405.000000000Z")+".json")
	return os.WriteFile(name, data, 0o644)
}

func newRequestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 30*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
