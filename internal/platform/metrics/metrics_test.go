package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEngine_ObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveOperation("assign_bed", "ok", 5*time.Millisecond)
	m.ObserveOperation("assign_bed", "ok", 5*time.Millisecond)
	m.ObserveOperation("assign_bed", "invalid_state", time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("assign_bed", "ok")); got != 2 {
		t.Errorf("expected 2 ok operations, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("assign_bed", "invalid_state")); got != 1 {
		t.Errorf("expected 1 invalid_state operation, got %v", got)
	}
}

func TestEngine_ObserveBatchAndConsistency(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveBatch(2, 1, 1, 3)
	m.ObserveCompensation(false)
	m.SetConsistency(4, 1)

	if got := testutil.ToFloat64(m.batchRecords.WithLabelValues("error")); got != 3 {
		t.Errorf("expected 3 errors, got %v", got)
	}
	if got := testutil.ToFloat64(m.compensations.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed compensation, got %v", got)
	}
	if got := testutil.ToFloat64(m.staffDrift); got != 4 {
		t.Errorf("expected drift 4, got %v", got)
	}
}

func TestEngine_NilIsNoop(t *testing.T) {
	var m *Engine
	m.ObserveOperation("x", "ok", time.Second)
	m.ObserveBatch(1, 1, 1, 1)
	m.ObserveCompensation(true)
	m.SetConsistency(1, 1)
}

func TestEngine_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveOperation("release_bed", "ok", time.Millisecond)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `hospital_ops_operations_total{operation="release_bed",outcome="ok"} 1`) {
		t.Errorf("metric missing from exposition:\n%s", rec.Body.String())
	}
}

func TestEngine_Middleware(t *testing.T) {
	m := New(prometheus.NewRegistry())
	e := echo.New()
	e.Use(m.Middleware())
	e.POST("/api/v1/beds/:id/assign", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "occupied")
	})

	for _, id := range []string{"B1", "B2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/beds/"+id+"/assign", nil)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodPost, "/api/v1/beds/:id/assign", "409"))
	if got != 2 {
		t.Errorf("expected 2 requests under the route template, got %v", got)
	}
	if n := testutil.ToFloat64(m.httpInFlight); n != 0 {
		t.Errorf("expected no requests in flight, got %v", n)
	}
}

func TestEngine_NilMiddlewarePassesThrough(t *testing.T) {
	var m *Engine
	called := false
	h := m.Middleware()(func(c echo.Context) error { called = true; return nil })
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to run")
	}
}
