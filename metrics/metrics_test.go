package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordErrorIncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(ErrorsTotal.WithLabelValues("routing", SeverityWarning))
	RecordError("routing", SeverityWarning)
	after := testutil.ToFloat64(ErrorsTotal.WithLabelValues("routing", SeverityWarning))
	if after != before+1 {
		t.Fatalf("got %v, want %v", after, before+1)
	}
}

func TestCollectorSamplesInjectedAccessors(t *testing.T) {
	c := NewCollector(5*time.Millisecond, func() int { return 4 }, func() int { return 2 }, func() bool { return true })
	c.collect()

	if got := testutil.ToFloat64(SubscriptionsActive); got != 4 {
		t.Fatalf("SubscriptionsActive = %v, want 4", got)
	}
	if got := testutil.ToFloat64(ClusterPeersConnected); got != 2 {
		t.Fatalf("ClusterPeersConnected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ClusterIsManager); got != 1 {
		t.Fatalf("ClusterIsManager = %v, want 1", got)
	}
}
