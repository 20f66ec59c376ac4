package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(deliveriesTotal.WithLabelValues("email", "check-in", "sent"))
	RecordDelivery("email", "check-in", "sent")
	after := testutil.ToFloat64(deliveriesTotal.WithLabelValues("email", "check-in", "sent"))
	if after-before != 1 {
		t.Errorf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestRetryQueueDepthGauge(t *testing.T) {
	SetRetryQueueDepth(7)
	if got := testutil.ToFloat64(retryQueueDepth); got != 7 {
		t.Errorf("expected depth 7, got %v", got)
	}
}

func TestHandlerServesCollectors(t *testing.T) {
	RecordDeadLetter("twilio")
	RecordFlowTransition("check-in", "completed")
	RecordInbound("twilio", "flow")
	ObserveTick(10 * time.Millisecond)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"lifepipe_dead_letters_total", "lifepipe_flow_transitions_total", "lifepipe_inbound_messages_total", "lifepipe_scheduler_tick_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
