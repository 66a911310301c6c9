package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("opd_care", "consultation", "ok")
	m.ObserveConflict("opd_care")
	m.ObserveDwell("opd_care", "registration", time.Minute)
	m.ObserveNotification("sent")
	m.ObserveDropped()
	if m.Registry() != nil {
		t.Error("expected nil registry for nil metrics")
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	called := false
	h := m.Middleware()(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusNoContent)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler not called through nil middleware")
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.ObserveTransition("opd_care", "consultation", "ok")
	m.ObserveTransition("opd_care", "consultation", "ok")
	m.ObserveTransition("opd_care", "completion", "illegal")
	m.ObserveConflict("treatment_course")
	m.ObserveNotification("failed")
	m.ObserveDropped()
	m.ObserveDropped()

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("opd_care", "consultation", "ok")); got != 2 {
		t.Errorf("ok transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("opd_care", "completion", "illegal")); got != 1 {
		t.Errorf("illegal transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.conflicts.WithLabelValues("treatment_course")); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed notifications = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dropped); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
}

func TestMetrics_DwellHistogram(t *testing.T) {
	m := NewMetrics()
	m.ObserveDwell("opd_care", "registration", 2*time.Minute)
	m.ObserveDwell("opd_care", "registration", 8*time.Minute)

	if n := testutil.CollectAndCount(m.stepDwell, "careflow_step_dwell_seconds"); n != 1 {
		t.Errorf("expected 1 dwell series, got %d", n)
	}
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/workflows/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", m.Handler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `careflow_http_request_duration_seconds_count{method="GET",route="/api/v1/workflows/:id",status="200"} 1`) {
		t.Errorf("request histogram missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected runtime collectors in exposition")
	}
}
