package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordRPC("ping", "ok", 3*time.Millisecond)
	SetRPCBacklog(2, 1)
	SetTransportState(2)
	RecordReconnect("scheduled")
	RecordNotification("bu")
	RecordHandshake(true)
	RecordSubmission("DEPOSIT", true)

	if got := testutil.ToFloat64(transportState); got != 2 {
		t.Fatalf("unexpected transport state gauge: %v", got)
	}
	if got := testutil.ToFloat64(rpcPending); got != 2 {
		t.Fatalf("unexpected pending gauge: %v", got)
	}
	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}
