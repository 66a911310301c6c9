package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func skipperContext(routePath, urlPath string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, urlPath, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(routePath)
	return c
}

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/metrics", true},
		{"/api/v1/workflows", false},
		{"/ws", false},
		{"/", false},
		{"/health/extra", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := AuthSkipper(skipperContext(tt.path, tt.path)); got != tt.want {
				t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestNewSkipper_Prefix(t *testing.T) {
	skip := NewSkipper("/health", "/debug/*")

	if !skip(skipperContext("/debug/pprof", "/debug/pprof")) {
		t.Error("expected /debug/pprof to be skipped")
	}
	if skip(skipperContext("/debugger", "/debugger")) {
		t.Error("prefix must stop at the slash")
	}
	if skip(skipperContext("/api/v1/workflows/:id", "/api/v1/workflows/wf-1")) {
		t.Error("expected api route to require auth")
	}
}

func TestNewSkipper_FallsBackToURLPath(t *testing.T) {
	skip := NewSkipper("/metrics")
	if !skip(skipperContext("", "/metrics")) {
		t.Error("expected unrouted /metrics request to be skipped")
	}
}
