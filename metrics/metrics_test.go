package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAccumulate(t *testing.T) {
	MessagesSent.WithLabelValues("sent").Inc()
	if got := testutil.ToFloat64(MessagesSent.WithLabelValues("sent")); got < 1 {
		t.Errorf("MessagesSent[sent] = %v, want >= 1", got)
	}

	RendezvousQueueLength.Set(3)
	if got := testutil.ToFloat64(RendezvousQueueLength); got != 3 {
		t.Errorf("RendezvousQueueLength = %v, want 3", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}
