package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" || status.Service != serviceName {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	failing := func(ctx context.Context) (bool, error) { return false, errors.New("not configured") }

	tests := []struct {
		name     string
		checks   map[string]HealthCheckFunc
		wantCode int
		wantBody string
	}{
		{"all healthy", map[string]HealthCheckFunc{"attempts": ok, "azure": ok}, http.StatusOK, "ready"},
		{"one failing", map[string]HealthCheckFunc{"attempts": ok, "azure": failing}, http.StatusServiceUnavailable, "not_ready"},
		{"no checks", nil, http.StatusOK, "ready"},
		{"nil check skipped", map[string]HealthCheckFunc{"deepgram": nil}, http.StatusOK, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, rec.Code)
			}
			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if status.Status != tt.wantBody {
				t.Errorf("Expected status %q, got %q", tt.wantBody, status.Status)
			}
		})
	}
}

func TestCheckDependencies_Message(t *testing.T) {
	deps, ok := CheckDependencies(context.Background(), map[string]HealthCheckFunc{
		"azure": func(ctx context.Context) (bool, error) { return false, errors.New("missing key") },
	})
	if ok {
		t.Error("Expected overall failure")
	}
	if deps["azure"].Message != "missing key" {
		t.Errorf("Expected error message to be reported, got %q", deps["azure"].Message)
	}
}

func TestGRPCHealth_Refresh(t *testing.T) {
	healthy := true
	g := NewGRPCHealth(map[string]HealthCheckFunc{
		"attempts": func(ctx context.Context) (bool, error) { return healthy, nil },
	}, 0)

	if got := g.Refresh(context.Background()); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", got)
	}

	healthy = false
	if got := g.Refresh(context.Background()); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING, got %v", got)
	}

	resp, err := g.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING from health service, got %v", resp.Status)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordSessionStart()
	m.RecordBatchStart()
	m.RecordBatchEnd(true)
	m.RecordScore(50)
	m.RecordSessionEnd("completed")
}

func TestMetrics_SessionEndOnce(t *testing.T) {
	m := NewSessionMetrics("s1")
	m.RecordSessionStart()
	m.RecordSessionEnd("completed")
	m.RecordSessionEnd("abandoned")
	if !m.ended {
		t.Error("Expected session to be marked ended")
	}
}
