package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMarksTotal_Increments(t *testing.T) {
	before := testutil.ToFloat64(MarksTotal.WithLabelValues(MarkOutOfOrder))
	MarksTotal.WithLabelValues(MarkOutOfOrder).Inc()
	after := testutil.ToFloat64(MarksTotal.WithLabelValues(MarkOutOfOrder))
	if after-before != 1 {
		t.Fatalf("expected +1, got %v", after-before)
	}
}

func TestObserveOp(t *testing.T) {
	before := testutil.CollectAndCount(OperationDuration)
	ObserveOp("metrics_test_op", time.Now().Add(-10*time.Millisecond))
	after := testutil.CollectAndCount(OperationDuration)
	if after != before+1 {
		t.Fatalf("expected a new series, before=%d after=%d", before, after)
	}
}
