package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if !s.started.IsZero() {
		body["uptime"] = time.Since(s.started).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSystemHealth reports host utilization. Sampling errors drop the
// affected field rather than failing the probe.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":     "ok",
		"goroutines": runtime.NumGoroutine(),
	}
	if !s.started.IsZero() {
		body["uptime"] = time.Since(s.started).Round(time.Second).String()
	}
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		body["cpuPercent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body["memoryPercent"] = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, body)
}
