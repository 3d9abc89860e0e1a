package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewMetricsIsSingleton(t *testing.T) {
	if NewMetrics() != NewMetrics() {
		t.Errorf("NewMetrics() returned distinct instances")
	}
}

func TestObserveStorage(t *testing.T) {
	m := NewMetrics()
	c := m.StorageOperationTotal.WithLabelValues("embedded", "store", "error")
	before := counterValue(t, c)

	m.ObserveStorage("embedded", "store", time.Now(), errors.New("boom"))

	if delta := counterValue(t, c) - before; delta != 1 {
		t.Errorf("storage error counter delta = %v, want 1", delta)
	}
}
