package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/pwproxy/types"
)

// fileConfig is the pwproxy.yaml document shape. All values are
// optional and sit beneath environment configuration.
type fileConfig struct {
	Defaults Settings                  `yaml:"defaults"`
	Pools    map[string]filePoolConfig `yaml:"pools"`
	Blob     *BlobSettings             `yaml:"blob"`
	Runtime  *RuntimeSettings          `yaml:"runtime"`
}

type filePoolConfig struct {
	Instances   int                        `yaml:"instances"`
	IsDefault   bool                       `yaml:"is_default"`
	Description string                     `yaml:"description"`
	Settings    Settings                   `yaml:"settings"`
	Overrides   map[int]fileInstanceConfig `yaml:"overrides"`
}

type fileInstanceConfig struct {
	Alias    string   `yaml:"alias"`
	Settings Settings `yaml:"settings"`
}

// Load builds the configuration tree: runtime and blob defaults, then
// the optional YAML file at path (with ${VAR} expansion), then the
// environment on top. Empty path skips the file stage entirely.
//
// The result is not validated; call Validate before use.
func Load(path string) (*Tree, error) {
	tree := &Tree{
		Blob:    defaultBlobSettings(),
		Runtime: defaultRuntimeSettings(),
	}

	if path != "" {
		if err := loadFile(tree, path); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func loadFile(tree *Tree, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: config file not found: %s", types.ErrConfig, path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		return fmt.Errorf("%w: invalid YAML in %s: %v", types.ErrConfig, path, err)
	}

	tree.Global = tree.Global.Merge(fc.Defaults)
	for name, fp := range fc.Pools {
		spec := PoolSpec{
			Name:        name,
			Instances:   fp.Instances,
			IsDefault:   fp.IsDefault,
			Description: fp.Description,
			Settings:    fp.Settings,
		}
		for id, fi := range fp.Overrides {
			if spec.Overrides == nil {
				spec.Overrides = map[int]InstanceOverride{}
			}
			spec.Overrides[id] = InstanceOverride{Alias: fi.Alias, Settings: fi.Settings}
		}
		tree.Pools = append(tree.Pools, spec)
	}
	tree.SortPools()

	if fc.Blob != nil {
		mergeBlob(&tree.Blob, *fc.Blob)
	}
	if fc.Runtime != nil {
		mergeRuntime(&tree.Runtime, *fc.Runtime)
	}
	return nil
}

func mergeBlob(dst *BlobSettings, src BlobSettings) {
	if src.StorageRoot != "" {
		dst.StorageRoot = src.StorageRoot
	}
	if src.MaxSizeMB > 0 {
		dst.MaxSizeMB = src.MaxSizeMB
	}
	if src.TTLHours > 0 {
		dst.TTLHours = src.TTLHours
	}
	if src.SizeThresholdKB > 0 {
		dst.SizeThresholdKB = src.SizeThresholdKB
	}
	if src.CleanupMinutes > 0 {
		dst.CleanupMinutes = src.CleanupMinutes
	}
	if src.S3Bucket != "" {
		dst.S3Bucket = src.S3Bucket
	}
	if src.S3Prefix != "" {
		dst.S3Prefix = src.S3Prefix
	}
	if src.S3Region != "" {
		dst.S3Region = src.S3Region
	}
}

func mergeRuntime(dst *RuntimeSettings, src RuntimeSettings) {
	if src.HealthCheckInterval.Duration > 0 {
		dst.HealthCheckInterval = src.HealthCheckInterval
	}
	if src.HealthFailureThreshold > 0 {
		dst.HealthFailureThreshold = src.HealthFailureThreshold
	}
	if src.CallTimeout.Duration > 0 {
		dst.CallTimeout = src.CallTimeout
	}
	if src.StartupTimeout.Duration > 0 {
		dst.StartupTimeout = src.StartupTimeout
	}
	if src.StopGrace.Duration > 0 {
		dst.StopGrace = src.StopGrace
	}
	if src.LeaseWaitCeiling.Duration > 0 {
		dst.LeaseWaitCeiling = src.LeaseWaitCeiling
	}
	if src.SnapshotTTL.Duration > 0 {
		dst.SnapshotTTL = src.SnapshotTTL
	}
}
