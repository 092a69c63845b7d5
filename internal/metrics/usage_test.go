package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestUsageRing(t *testing.T) {
	r := newUsageRing(3)
	if _, ok := r.latest(); ok {
		t.Fatal("empty ring should have no latest")
	}
	for i := 1; i <= 5; i++ {
		r.add(Usage{PID: int32(i)})
	}
	got, ok := r.latest()
	if !ok || got.PID != 5 {
		t.Fatalf("latest = %v, %v", got, ok)
	}
	ordered := r.ordered()
	if len(ordered) != 3 {
		t.Fatalf("ordered len = %d", len(ordered))
	}
	for i, u := range ordered {
		if u.PID != int32(i+3) {
			t.Fatalf("ordered[%d].PID = %d, want %d", i, u.PID, i+3)
		}
	}
}

func TestUsageCollectorSamplesSelf(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true, Interval: time.Hour, HistorySize: 10})
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Sample our own process directly instead of waiting for the ticker.
	c.collect(map[string]int32{"self": int32(os.Getpid())})

	u, ok := c.Latest("self")
	if !ok {
		t.Fatal("expected a sample for self")
	}
	if u.PID != int32(os.Getpid()) {
		t.Fatalf("pid = %d", u.PID)
	}
	if u.MemoryRSS == 0 {
		t.Fatal("RSS should be nonzero for a live process")
	}
	if u.NumThreads <= 0 {
		t.Fatal("thread count should be positive")
	}

	hist, ok := c.History("self")
	if !ok || len(hist) != 1 {
		t.Fatalf("history = %v, %v", hist, ok)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "botkeepr_program_memory_mb" && len(mf.GetMetric()) == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("memory gauge not exported")
	}
}

func TestUsageCollectorCleanup(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true})
	c.collect(map[string]int32{"gone": int32(os.Getpid())})
	if _, ok := c.Latest("gone"); !ok {
		t.Fatal("expected sample before cleanup")
	}
	// Next round without the program drops its history.
	c.collect(map[string]int32{})
	if _, ok := c.Latest("gone"); ok {
		t.Fatal("history should be dropped for inactive programs")
	}
}

func TestUsageCollectorSkipsBadPIDs(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true})
	c.collect(map[string]int32{"zero": 0, "negative": -5})
	if _, ok := c.Latest("zero"); ok {
		t.Fatal("pid 0 should be skipped")
	}
}

func TestUsageCollectorDisabled(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: false})
	if err := c.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.Start(context.Background(), func() map[string]int32 { return nil })
	c.Stop()
	if _, ok := c.Latest("anything"); ok {
		t.Fatal("disabled collector should report nothing")
	}
}

func TestUsageCollectorStartStop(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, func() map[string]int32 {
		return map[string]int32{"self": int32(os.Getpid())}
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Latest("self"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	if _, ok := c.Latest("self"); !ok {
		t.Fatal("ticker loop never sampled")
	}
}

func TestUsageCollectorDefaults(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true})
	if c.interval != 5*time.Second {
		t.Fatalf("default interval = %v", c.interval)
	}
	if c.size != 100 {
		t.Fatalf("default history size = %d", c.size)
	}
}
