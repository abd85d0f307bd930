// Package metrics provides in-process proxy metrics collection.
//
// The Collector accumulates counters for the lifetime of the proxy. It
// is a leaf package with no internal dependencies. All increment
// methods are nil-receiver safe so call sites never need nil checks.
package metrics

import (
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after
// creation.
type Snapshot struct {
	// Dispatch
	ToolCalls       int64
	ToolCallErrors  int64
	BulkExecutions  int64
	LeaseWaitsTotal int64
	LeaseWaitMaxMs  int64
	LeaseWaitSumMs  int64

	// Children
	ChildLaunches int64
	ChildCrashes  int64
	ProbeFailures int64

	// Blob store
	BlobPuts     int64
	BlobPutBytes int64
	BlobSweeps   int64

	// Snapshot cache
	CacheHits   int64
	CacheMisses int64
}

// Collector accumulates proxy metrics. Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	toolCalls       int64
	toolCallErrors  int64
	bulkExecutions  int64
	leaseWaitsTotal int64
	leaseWaitMaxMs  int64
	leaseWaitSumMs  int64

	childLaunches int64
	childCrashes  int64
	probeFailures int64

	blobPuts     int64
	blobPutBytes int64
	blobSweeps   int64

	cacheHits   int64
	cacheMisses int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// IncToolCalls records one dispatched tool call.
func (c *Collector) IncToolCalls() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.toolCalls++
	c.mu.Unlock()
}

// IncToolCallErrors records a tool call that returned an error shape.
func (c *Collector) IncToolCallErrors() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.toolCallErrors++
	c.mu.Unlock()
}

// IncBulkExecutions records one browser_execute_bulk invocation.
func (c *Collector) IncBulkExecutions() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bulkExecutions++
	c.mu.Unlock()
}

// ObserveLeaseWait records the time one lease acquisition blocked.
func (c *Collector) ObserveLeaseWait(d time.Duration) {
	if c == nil {
		return
	}
	ms := d.Milliseconds()
	c.mu.Lock()
	c.leaseWaitsTotal++
	c.leaseWaitSumMs += ms
	if ms > c.leaseWaitMaxMs {
		c.leaseWaitMaxMs = ms
	}
	c.mu.Unlock()
}

// IncChildLaunches records a child reaching Ready.
func (c *Collector) IncChildLaunches() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.childLaunches++
	c.mu.Unlock()
}

// IncChildCrashes records a child failing to start or dying.
func (c *Collector) IncChildCrashes() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.childCrashes++
	c.mu.Unlock()
}

// IncProbeFailures records one failed health probe.
func (c *Collector) IncProbeFailures() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.probeFailures++
	c.mu.Unlock()
}

// IncBlobPuts records a stored blob and its size.
func (c *Collector) IncBlobPuts(sizeBytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.blobPuts++
	c.blobPutBytes += sizeBytes
	c.mu.Unlock()
}

// IncBlobSweeps records swept blobs.
func (c *Collector) IncBlobSweeps(removed int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.blobSweeps += removed
	c.mu.Unlock()
}

// IncCacheHits records a snapshot cache hit.
func (c *Collector) IncCacheHits() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// IncCacheMisses records a snapshot cache miss.
func (c *Collector) IncCacheMisses() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all metrics.
// The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ToolCalls:       c.toolCalls,
		ToolCallErrors:  c.toolCallErrors,
		BulkExecutions:  c.bulkExecutions,
		LeaseWaitsTotal: c.leaseWaitsTotal,
		LeaseWaitMaxMs:  c.leaseWaitMaxMs,
		LeaseWaitSumMs:  c.leaseWaitSumMs,

		ChildLaunches: c.childLaunches,
		ChildCrashes:  c.childCrashes,
		ProbeFailures: c.probeFailures,

		BlobPuts:     c.blobPuts,
		BlobPutBytes: c.blobPutBytes,
		BlobSweeps:   c.blobSweeps,

		CacheHits:   c.cacheHits,
		CacheMisses: c.cacheMisses,
	}
}
