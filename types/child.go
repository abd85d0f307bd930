package types

import "time"

// ChildState is the lifecycle state of one managed child process.
type ChildState string

// Child lifecycle states. Failed and Stopped children are never
// returned by a lease.
const (
	ChildStarting ChildState = "starting"
	ChildReady    ChildState = "ready"
	ChildLeased   ChildState = "leased"
	ChildFailed   ChildState = "failed"
	ChildStopped  ChildState = "stopped"
)

// Terminal reports whether the state admits no further transitions
// except Failed→Stopped at shutdown.
func (s ChildState) Terminal() bool {
	return s == ChildFailed || s == ChildStopped
}

// LeaseInfo describes an active lease for status reporting.
type LeaseInfo struct {
	InstanceID int       `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
}

// HealthInfo is the last probe outcome for one child.
type HealthInfo struct {
	LastCheck  time.Time `json:"last_check"`
	Responsive bool      `json:"responsive"`
	Error      string    `json:"error,omitempty"`
}

// InstanceStatus is the status snapshot of one child instance.
type InstanceStatus struct {
	ID       int        `json:"id"`
	Alias    string     `json:"alias,omitempty"`
	State    ChildState `json:"state"`
	Leased   bool       `json:"leased"`
	Lease    *LeaseInfo `json:"lease,omitempty"`
	Browser  string     `json:"browser"`
	Headless bool       `json:"headless"`
	PID      int        `json:"pid,omitempty"`
	Health   HealthInfo `json:"health"`
}

// PoolStatus is the status snapshot of one pool.
type PoolStatus struct {
	Name               string           `json:"name"`
	Description        string           `json:"description,omitempty"`
	IsDefault          bool             `json:"is_default"`
	TotalInstances     int              `json:"total_instances"`
	HealthyInstances   int              `json:"healthy_instances"`
	LeasedInstances    int              `json:"leased_instances"`
	AvailableInstances int              `json:"available_instances"`
	Instances          []InstanceStatus `json:"instances"`
}

// FleetSummary aggregates counts across pools.
type FleetSummary struct {
	TotalPools         int `json:"total_pools"`
	TotalInstances     int `json:"total_instances"`
	HealthyInstances   int `json:"healthy_instances"`
	FailedInstances    int `json:"failed_instances"`
	LeasedInstances    int `json:"leased_instances"`
	AvailableInstances int `json:"available_instances"`
}

// FleetStatus is the browser_pool_status response shape.
type FleetStatus struct {
	Pools   []PoolStatus `json:"pools"`
	Summary FleetSummary `json:"summary"`
}

// Summarize computes the fleet summary from pool statuses.
func Summarize(pools []PoolStatus) FleetStatus {
	var sum FleetSummary
	sum.TotalPools = len(pools)
	for _, p := range pools {
		sum.TotalInstances += p.TotalInstances
		sum.HealthyInstances += p.HealthyInstances
		sum.FailedInstances += p.TotalInstances - p.HealthyInstances
		sum.LeasedInstances += p.LeasedInstances
		sum.AvailableInstances += p.AvailableInstances
	}
	return FleetStatus{Pools: pools, Summary: sum}
}
