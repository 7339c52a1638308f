package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/internal/metrics"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	mux := NewMux(Options{Gatherer: prometheus.NewRegistry(), Logger: slog.New(slog.DiscardHandler)})
	rec := get(t, mux, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestReadyz(t *testing.T) {
	natsUp := true
	mux := NewMux(Options{
		Gatherer: prometheus.NewRegistry(),
		Logger:   slog.New(slog.DiscardHandler),
		Checks: map[string]Check{
			"nats": func() error {
				if !natsUp {
					return errors.New("disconnected")
				}
				return nil
			},
			"history": func() error { return nil },
		},
	})

	rec := get(t, mux, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, map[string]string{"nats": "ok", "history": "ok"}, resp.Checks)

	natsUp = false
	rec = get(t, mux, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "disconnected", resp.Checks["nats"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.TaskHandled("workflow", "ok")

	rec := get(t, NewMux(Options{Gatherer: reg, Logger: slog.New(slog.DiscardHandler)}), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `durableflow_tasks_total{kind="workflow",outcome="ok"} 1`), body)
}

func TestUnknownPath(t *testing.T) {
	rec := get(t, NewMux(Options{Gatherer: prometheus.NewRegistry()}), "/api/demo/start")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
