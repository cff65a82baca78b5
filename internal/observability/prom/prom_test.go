package prom

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"grindstone/internal/observability"
)

func TestHandlerExportsObservedEvents(t *testing.T) {
	reg := NewRegistry()
	comm := NewCommunicationObserver(reg)
	console := NewConsoleObserver(reg)

	comm.ConnCount("agent", 2)
	comm.Handshake(observability.HandshakeResultLayoutMismatch)
	comm.MessageReceived("agent", "ReportStatistics")
	comm.Dropped("worker", observability.DropReasonReadError)
	console.LiveAgents(2)
	console.ReportMerged(3)
	console.Recording(true)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`grindstone_connections{type="agent"} 2`,
		`grindstone_handshakes_total{result="layout_mismatch"} 1`,
		`grindstone_messages_received_total{kind="ReportStatistics",type="agent"} 1`,
		`grindstone_connections_dropped_total{reason="read_error",type="worker"} 1`,
		`grindstone_console_live_agents 2`,
		`grindstone_console_tests_merged_total 3`,
		`grindstone_console_recording 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}
