package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryGathersRegisteredCollectors(t *testing.T) {
	FreePages.Set(3)
	PortQueueDepth.WithLabelValues("0").Set(0)
	RunnableThreads.WithLabelValues("0").Set(1)
	PageFaultSteps.Observe(2)
	MemPressureEvents.Inc()

	r := Registry()
	mfs, err := r.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) != 5 {
		t.Fatalf("Gather returned %d metric families, want 5", len(mfs))
	}
}

func TestFreePagesValue(t *testing.T) {
	FreePages.Set(42)
	if got := testutil.ToFloat64(FreePages); got != 42 {
		t.Fatalf("FreePages = %v, want 42", got)
	}
}

func TestRegistryPanicsOnDoubleRegistration(t *testing.T) {
	r := Registry()
	defer func() {
		if recover() == nil {
			t.Fatal("MustRegister of an already-registered collector did not panic")
		}
	}()
	r.MustRegister(FreePages)
}
