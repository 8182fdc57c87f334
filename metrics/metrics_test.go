package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Appended(SourceAck)
	m.Duplicate(SourcePush)
	m.Duplicate(SourcePush)
	m.SendFailed()

	if got := testutil.ToFloat64(m.DuplicatesDropped.WithLabelValues(SourcePush)); got != 2 {
		t.Fatalf("expected 2 push duplicates, got %v", got)
	}
	if got := testutil.ToFloat64(m.SendFailures); got != 1 {
		t.Fatalf("expected 1 send failure, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Appended(SourceLocal)
	m.Duplicate(SourceAck)
	m.Push("new_message")
	m.SendFailed()
	m.ReactionsReplaced(SourcePush)
	m.Reconnected()
}
