package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSettlementsTotal_IncrementsByOutcome(t *testing.T) {
	SettlementsTotal.Reset()

	SettlementsTotal.WithLabelValues("completed").Inc()
	SettlementsTotal.WithLabelValues("completed").Inc()
	SettlementsTotal.WithLabelValues("fraud_rejected").Inc()

	m := &dto.Metric{}
	counter, err := SettlementsTotal.GetMetricWithLabelValues("completed")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestSettlementStepDuration_ObservesHistogram(t *testing.T) {
	SettlementStepDuration.Reset()

	SettlementStepDuration.WithLabelValues("propose", "ok").Observe(0.25)

	ch := make(chan prometheus.Metric, 10)
	SettlementStepDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		102: "1xx",
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		422: "4xx",
		500: "5xx",
		502: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestMetrics_Registered(t *testing.T) {
	gathered, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range gathered {
		found[mf.GetName()] = true
	}

	for _, name := range []string{
		"transferdesk_settlements_total",
		"transferdesk_settlement_step_duration_seconds",
	} {
		if !found[name] {
			// Metrics with no samples yet may not be gathered; only the ones
			// written above must show up.
			t.Errorf("metric %s not gathered", name)
		}
	}
}
