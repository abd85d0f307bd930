package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestNilReceiverSafe(t *testing.T) {
	var c *Collector
	c.IncToolCalls()
	c.IncChildCrashes()
	c.ObserveLeaseWait(time.Second)
	c.IncBlobPuts(100)

	snap := c.Snapshot()
	if snap.ToolCalls != 0 {
		t.Errorf("nil collector snapshot = %+v", snap)
	}
}

func TestCounters(t *testing.T) {
	c := NewCollector()
	c.IncToolCalls()
	c.IncToolCalls()
	c.IncToolCallErrors()
	c.IncChildLaunches()
	c.IncProbeFailures()
	c.IncBlobPuts(2048)
	c.IncBlobPuts(1024)
	c.IncCacheHits()
	c.IncCacheMisses()
	c.ObserveLeaseWait(100 * time.Millisecond)
	c.ObserveLeaseWait(300 * time.Millisecond)

	snap := c.Snapshot()
	if snap.ToolCalls != 2 || snap.ToolCallErrors != 1 {
		t.Errorf("tool counters = %d/%d", snap.ToolCalls, snap.ToolCallErrors)
	}
	if snap.BlobPuts != 2 || snap.BlobPutBytes != 3072 {
		t.Errorf("blob counters = %d/%d", snap.BlobPuts, snap.BlobPutBytes)
	}
	if snap.LeaseWaitsTotal != 2 || snap.LeaseWaitMaxMs != 300 || snap.LeaseWaitSumMs != 400 {
		t.Errorf("lease wait = %d/%d/%d", snap.LeaseWaitsTotal, snap.LeaseWaitMaxMs, snap.LeaseWaitSumMs)
	}
	if snap.CacheHits != 1 || snap.CacheMisses != 1 {
		t.Errorf("cache counters = %d/%d", snap.CacheHits, snap.CacheMisses)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncToolCalls()
		}()
	}
	wg.Wait()
	if got := c.Snapshot().ToolCalls; got != 50 {
		t.Errorf("ToolCalls = %d, want 50", got)
	}
}
