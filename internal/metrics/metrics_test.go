package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.FramesSent.Add(3)
	m.UpdateChangePercent(12.5)
	m.UpdateEncodeLatency(1500 * time.Microsecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"videorelay_frames_sent_total 3",
		"videorelay_last_change_basis_points 1250",
		"videorelay_encode_latency_us 1500",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.RelayDeliveries.Add(2)
	snap := m.Snapshot()
	if snap["videorelay_relay_deliveries_total"] != 2 {
		t.Fatalf("snapshot = %v", snap["videorelay_relay_deliveries_total"])
	}
	if len(snap) != len(m.gauges()) {
		t.Fatalf("snapshot has %d entries, want %d", len(snap), len(m.gauges()))
	}
}
