// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Check reports a dependency as healthy by returning nil.
type Check func() error

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checks    map[string]Check
	startTime time.Time
	logger    *slog.Logger
}

func NewHealthHandler(checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		startTime: time.Now(),
		logger:    logger,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// Health answers 200 while the process is serving.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Checks: map[string]string{},
	})
}

// Ready answers 503 until every check passes.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name](); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	resp := HealthResponse{Status: "ready", Checks: checks}
	code := http.StatusOK
	if !ready {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, resp)
}

func (h *HealthHandler) write(w http.ResponseWriter, code int, resp HealthResponse) {
	resp.Timestamp = time.Now()
	resp.Uptime = time.Since(h.startTime).Round(time.Second).String()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}
