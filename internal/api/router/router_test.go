package router

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cuongbtq/transfer-manager/internal/api/handler"
	"github.com/cuongbtq/transfer-manager/internal/api/model"
	"github.com/cuongbtq/transfer-manager/internal/api/storage"
	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/cuongbtq/transfer-manager/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJobID = "0190d4f6-2b7a-7c3e-9a51-3f2d8e6b1c40"

type stubJobs struct{}

func (stubJobs) GetJobByID(context.Context, string) (*model.TransferJob, error) {
	return nil, domain.ErrJobNotFound
}

func (stubJobs) ListJobs(context.Context, storage.JobFilter) ([]model.TransferJob, error) {
	return nil, nil
}

type stubHealth struct{}

func (stubHealth) HealthCheck(context.Context) error { return nil }

type stubBroker struct{}

func (stubBroker) IsConnected() bool { return true }

func newTestEngine(logOutput io.Writer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRouter(&handler.Dependencies{
		Logger:   slog.New(slog.NewJSONHandler(logOutput, nil)),
		Jobs:     stubJobs{},
		Database: stubHealth{},
		Broker:   stubBroker{},
	})
}

func TestSetupRouter_Routes(t *testing.T) {
	r := newTestEngine(io.Discard)

	tests := []struct {
		method   string
		path     string
		expected int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/transfers/" + testJobID, http.StatusNotFound},
		{http.MethodGet, "/api/v1/transfers", http.StatusOK},
		{http.MethodOptions, "/api/v1/transfers", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestSetupRouter_MetricsExposeTransferCounters(t *testing.T) {
	r := newTestEngine(io.Discard)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Contains(t, w.Body.String(), "transfer_gate_capacity")
}

func TestAccessLogMiddleware(t *testing.T) {
	var logs bytes.Buffer
	r := newTestEngine(&logs)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/transfers?status=STAGING", nil))

	assert.Contains(t, logs.String(), `"msg":"HTTP Request"`)
	assert.Contains(t, logs.String(), `"level":"INFO"`)
	assert.Contains(t, logs.String(), `"route":"/api/v1/transfers"`)
	assert.Contains(t, logs.String(), `"query":"status=STAGING"`)

	logs.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotContains(t, logs.String(), "HTTP Request")

	logs.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/transfers/"+testJobID, nil))
	assert.Contains(t, logs.String(), `"level":"WARN"`)
	assert.Contains(t, logs.String(), `"route":"/api/v1/transfers/:job_id"`)
	assert.Contains(t, logs.String(), `"job_id":"`+testJobID+`"`)
}

func TestAccessLogMiddleware_RecordsLatency(t *testing.T) {
	r := newTestEngine(io.Discard)
	hist := metrics.HTTPRequestDuration.WithLabelValues(http.MethodGet, unmatchedRoute, "404")
	before := histogramCount(t, hist)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/no/such/route", nil))

	assert.Equal(t, before+1, histogramCount(t, hist))
}

func TestRequestIDMiddleware(t *testing.T) {
	r := newTestEngine(io.Discard)

	tests := []struct {
		name     string
		incoming string
		reuse    bool
	}{
		{"generated when absent", "", false},
		{"caller id reused", "req-7f3a", true},
		{"oversized id replaced", strings.Repeat("x", maxRequestIDLength+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.incoming != "" {
				req.Header.Set(requestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			got := w.Header().Get(requestIDHeader)
			if tt.reuse {
				assert.Equal(t, tt.incoming, got)
				return
			}
			_, err := uuid.Parse(got)
			assert.NoError(t, err)
		})
	}
}

func TestAccessLevel(t *testing.T) {
	tests := []struct {
		route    string
		status   int
		expected slog.Level
	}{
		{"/api/v1/transfers", http.StatusAccepted, slog.LevelInfo},
		{"/api/v1/transfers", http.StatusBadRequest, slog.LevelWarn},
		{"/api/v1/transfers", http.StatusInternalServerError, slog.LevelError},
		{"/health", http.StatusOK, slog.LevelDebug},
		{"/health", http.StatusServiceUnavailable, slog.LevelError},
		{"/metrics", http.StatusOK, slog.LevelDebug},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, accessLevel(tt.route, tt.status), "%s %d", tt.route, tt.status)
	}
}

func TestCORSMiddleware(t *testing.T) {
	r := newTestEngine(io.Discard)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/transfers", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), requestIDHeader)
}

func histogramCount(t *testing.T, observer prometheus.Observer) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, observer.(prometheus.Metric).Write(&m))
	return m.GetHistogram().GetSampleCount()
}
