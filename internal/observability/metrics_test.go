package observability

import (
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordDatagram("in", "ack")
	RecordDrop("bad_magic")
	RecordTransmission("out", "block", "ok")
	RecordRetransmits(3)
	SetConnections(2)
	RecordDispatch("00000000000000ff", "Success", time.Millisecond)
	SetRelayExchanges(1)

	if got := testutil.ToFloat64(relayExchanges); got != 1 {
		t.Fatalf("relay gauge = %v", got)
	}
	before := testutil.ToFloat64(drops.WithLabelValues("bad_magic"))
	RecordDrop("bad_magic")
	if got := testutil.ToFloat64(drops.WithLabelValues("bad_magic")); got != before+1 {
		t.Fatalf("drop counter = %v want %v", got, before+1)
	}
}
