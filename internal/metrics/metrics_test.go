package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCountsEvents(t *testing.T) {
	collector := NewCollector("l1nk")

	collector.SessionOpened()
	collector.PeerJoined()
	collector.PeerJoined()
	collector.PeerLeft()
	collector.FramesRelayed(3)
	collector.FramesRelayed(0)
	collector.UpdateRejected()
	collector.SnapshotWrite(StatusSuccess)
	collector.SnapshotWrite(StatusFailure)
	collector.Projection(OutcomeSkipped)

	testCases := []struct {
		name      string
		collector prometheus.Collector
		expected  float64
	}{
		{name: "sessions_active", collector: collector.sessionsActive, expected: 1},
		{name: "peers_connected", collector: collector.peersConnected, expected: 1},
		{name: "frames_relayed", collector: collector.framesRelayed, expected: 3},
		{name: "updates_rejected", collector: collector.updatesRejected, expected: 1},
		{name: "snapshot_writes_failure", collector: collector.snapshotWrites.WithLabelValues(StatusFailure), expected: 1},
		{name: "projections_skipped", collector: collector.projections.WithLabelValues(OutcomeSkipped), expected: 1},
	}
	for _, testCase := range testCases {
		if got := testutil.ToFloat64(testCase.collector); got != testCase.expected {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, got)
		}
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *Collector
	collector.SessionOpened()
	collector.PeerJoined()
	collector.FramesRelayed(2)
	collector.SnapshotWrite(StatusSuccess)
	if collector.Registry() != nil {
		t.Fatalf("expected nil registry for nil collector")
	}
}

func TestHandlerServesExposition(t *testing.T) {
	collector := NewCollector("l1nk")
	collector.SessionOpened()

	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "l1nk_sessions_active 1") {
		t.Fatalf("expected sessions gauge in exposition")
	}
}
