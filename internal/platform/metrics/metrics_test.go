package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveEvaluateLatency(time.Second)
	m.IncrementOutcome("met", "Highly Eligible")
	m.ObserveFetch("Condition", time.Millisecond, errors.New("boom"))
	m.IncrementValidationFailure()
}

func TestObserveFetch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg, reg)

	m.ObserveFetch("Condition", 10*time.Millisecond, nil)
	m.ObserveFetch("Condition", 20*time.Millisecond, errors.New("timeout"))
	m.ObserveFetch("Observation", 5*time.Millisecond, nil)

	if n := testutil.ToFloat64(m.FetchFailures.WithLabelValues("Condition")); n != 1 {
		t.Errorf("expected 1 Condition failure, got %v", n)
	}
	if n := testutil.ToFloat64(m.FetchFailures.WithLabelValues("Observation")); n != 0 {
		t.Errorf("expected no Observation failures, got %v", n)
	}
	if n := testutil.CollectAndCount(m.FetchLatency); n != 2 {
		t.Errorf("expected 2 latency series, got %d", n)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg, reg)
	m.IncrementOutcome("met", "Highly Eligible")
	m.IncrementValidationFailure()

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`trialmatch_evaluation_outcomes_total{recommendation="Highly Eligible",status="met"} 1`,
		"trialmatch_validation_failures_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}
