package config

import (
	"sort"
	"time"
)

// Tree is the complete proxy configuration: the global settings
// stratum, the pool definitions, and the store/runtime knobs.
type Tree struct {
	Global  Settings
	Pools   []PoolSpec
	Blob    BlobSettings
	Runtime RuntimeSettings
}

// PoolSpec is one pool definition before merging.
type PoolSpec struct {
	Name        string
	Instances   int
	IsDefault   bool
	Description string
	Settings    Settings
	Overrides   map[int]InstanceOverride
}

// InstanceOverride is the instance stratum for one numeric id.
type InstanceOverride struct {
	Alias    string
	Settings Settings
}

// InstanceSpec is the frozen effective configuration of one child.
// Built once at startup; never mutated afterwards.
type InstanceSpec struct {
	Pool     string
	ID       int
	Alias    string
	Settings Settings
}

// BlobSettings configures the on-disk blob store.
type BlobSettings struct {
	StorageRoot     string `yaml:"storage_root"`
	MaxSizeMB       int    `yaml:"max_size_mb"`
	TTLHours        int    `yaml:"ttl_hours"`
	SizeThresholdKB int    `yaml:"size_threshold_kb"`
	CleanupMinutes  int    `yaml:"cleanup_interval_minutes"`

	// Optional S3 mirroring. Empty bucket disables it.
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// MaxBytes returns the per-blob size cap in bytes.
func (b BlobSettings) MaxBytes() int64 {
	return int64(b.MaxSizeMB) * 1024 * 1024
}

// TTL returns the blob retention window.
func (b BlobSettings) TTL() time.Duration {
	return time.Duration(b.TTLHours) * time.Hour
}

// SweepInterval returns the cleanup cadence.
func (b BlobSettings) SweepInterval() time.Duration {
	return time.Duration(b.CleanupMinutes) * time.Minute
}

// ThresholdBytes returns the inline-size threshold used by interception.
func (b BlobSettings) ThresholdBytes() int {
	return b.SizeThresholdKB * 1024
}

// RuntimeSettings holds proxy-level timing knobs.
type RuntimeSettings struct {
	HealthCheckInterval    Duration `yaml:"health_check_interval"`
	HealthFailureThreshold int      `yaml:"health_failure_threshold"`
	CallTimeout            Duration `yaml:"call_timeout"`
	StartupTimeout         Duration `yaml:"startup_timeout"`
	StopGrace              Duration `yaml:"stop_grace"`
	// Zero means lease waits are unbounded.
	LeaseWaitCeiling Duration `yaml:"lease_wait_ceiling"`
	SnapshotTTL      Duration `yaml:"snapshot_ttl"`
}

func defaultBlobSettings() BlobSettings {
	return BlobSettings{
		StorageRoot:     "/mnt/blob-storage",
		MaxSizeMB:       500,
		TTLHours:        24,
		SizeThresholdKB: 50,
		CleanupMinutes:  60,
	}
}

func defaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		HealthCheckInterval:    Duration{20 * time.Second},
		HealthFailureThreshold: 3,
		CallTimeout:            Duration{90 * time.Second},
		StartupTimeout:         Duration{60 * time.Second},
		StopGrace:              Duration{5 * time.Second},
		SnapshotTTL:            Duration{10 * time.Minute},
	}
}

// DefaultPool returns the pool marked is_default. Validate guarantees
// exactly one exists.
func (t *Tree) DefaultPool() string {
	for _, p := range t.Pools {
		if p.IsDefault {
			return p.Name
		}
	}
	return ""
}

// Freeze merges the strata for one pool into per-instance effective
// specs with defaults and the stealth macro applied.
func (p PoolSpec) Freeze(global Settings) []InstanceSpec {
	base := global.Merge(p.Settings)
	specs := make([]InstanceSpec, 0, p.Instances)
	for i := 0; i < p.Instances; i++ {
		eff := base
		alias := ""
		if ov, ok := p.Overrides[i]; ok {
			eff = base.Merge(ov.Settings)
			alias = ov.Alias
		}
		specs = append(specs, InstanceSpec{
			Pool:     p.Name,
			ID:       i,
			Alias:    alias,
			Settings: eff.ApplyDefaults(),
		})
	}
	return specs
}

// SortPools orders pools by name for deterministic startup and status
// output.
func (t *Tree) SortPools() {
	sort.Slice(t.Pools, func(i, j int) bool {
		return t.Pools[i].Name < t.Pools[j].Name
	})
}
