package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/pwproxy/types"
)

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Environment variable schema:
//
//	Global:   PW_MCP_PROXY_<KEY>
//	Pool:     PW_MCP_PROXY__<POOL>_<KEY>
//	Instance: PW_MCP_PROXY__<POOL>__<ID>_<KEY>
//
// Single underscore after the prefix addresses the global stratum,
// double underscore addresses a pool.
const (
	globalPrefix = "PW_MCP_PROXY_"
	pooledPrefix = "PW_MCP_PROXY__"
)

// poolKeySuffixes is every key a pool- or instance-level variable can
// end with, longest first so EXTENSION_TOKEN wins over EXTENSION.
var poolKeySuffixes = func() []string {
	out := []string{"INSTANCES", "IS_DEFAULT", "DESCRIPTION", "ALIAS"}
	for _, m := range keyMappings {
		out = append(out, m.suffix)
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}()

// splitPooledKey decomposes PW_MCP_PROXY__<POOL>_<KEY> and
// PW_MCP_PROXY__<POOL>__<ID>_<KEY> variables. Pool names may contain
// underscores, so the key suffix is stripped from the right instead of
// splitting on the first separator. id is -1 for the pool stratum.
func splitPooledKey(key string) (pool string, id int, ok bool) {
	if !strings.HasPrefix(key, pooledPrefix) {
		return "", 0, false
	}
	rest := key[len(pooledPrefix):]
	for _, s := range poolKeySuffixes {
		if !strings.HasSuffix(rest, "_"+s) {
			continue
		}
		head := rest[:len(rest)-len(s)-1]
		if head == "" {
			return "", 0, false
		}
		if i := strings.LastIndex(head, "__"); i > 0 {
			if n, err := strconv.Atoi(head[i+2:]); err == nil {
				return head[:i], n, true
			}
		}
		return head, -1, true
	}
	return "", 0, false
}

// envMapping binds one env key suffix to a Settings field.
type envMapping struct {
	suffix string
	apply  func(*Settings, string)
}

var keyMappings = []envMapping{
	// Browser settings
	{"BROWSER", func(s *Settings, v string) { s.Browser = strptr(v) }},
	{"HEADLESS", func(s *Settings, v string) { s.Headless = boolptr(parseBool(v)) }},
	{"NO_SANDBOX", func(s *Settings, v string) { s.NoSandbox = boolptr(parseBool(v)) }},
	{"DEVICE", func(s *Settings, v string) { s.Device = strptr(v) }},
	{"VIEWPORT_SIZE", func(s *Settings, v string) { s.ViewportSize = strptr(v) }},
	// Profile/storage
	{"ISOLATED", func(s *Settings, v string) { s.Isolated = boolptr(parseBool(v)) }},
	{"USER_DATA_DIR", func(s *Settings, v string) { s.UserDataDir = strptr(v) }},
	{"STORAGE_STATE", func(s *Settings, v string) { s.StorageState = strptr(v) }},
	// Network
	{"ALLOWED_ORIGINS", func(s *Settings, v string) { s.AllowedOrigins = strptr(v) }},
	{"BLOCKED_ORIGINS", func(s *Settings, v string) { s.BlockedOrigins = strptr(v) }},
	{"PROXY_SERVER", func(s *Settings, v string) { s.ProxyServer = strptr(v) }},
	// Capabilities
	{"CAPS", func(s *Settings, v string) { s.Caps = strptr(v) }},
	// Output
	{"SAVE_SESSION", func(s *Settings, v string) { s.SaveSession = boolptr(parseBool(v)) }},
	{"SAVE_TRACE", func(s *Settings, v string) { s.SaveTrace = boolptr(parseBool(v)) }},
	{"SAVE_VIDEO", func(s *Settings, v string) { s.SaveVideo = strptr(v) }},
	{"OUTPUT_DIR", func(s *Settings, v string) { s.OutputDir = strptr(v) }},
	// Timeouts
	{"TIMEOUT_ACTION", func(s *Settings, v string) { s.TimeoutAction = intptr(parseIntOr(v, DefaultTimeoutAction)) }},
	{"TIMEOUT_NAVIGATION", func(s *Settings, v string) { s.TimeoutNavigation = intptr(parseIntOr(v, DefaultTimeoutNavigation)) }},
	// Images
	{"IMAGE_RESPONSES", func(s *Settings, v string) { s.ImageResponses = strptr(v) }},
	// Stealth
	{"USER_AGENT", func(s *Settings, v string) { s.UserAgent = strptr(v) }},
	{"INIT_SCRIPT", func(s *Settings, v string) { s.InitScript = strptr(v) }},
	{"IGNORE_HTTPS_ERRORS", func(s *Settings, v string) { s.IgnoreHTTPSErrors = boolptr(parseBool(v)) }},
	{"ENABLE_STEALTH", func(s *Settings, v string) { s.EnableStealth = boolptr(parseBool(v)) }},
	// Extension
	{"EXTENSION", func(s *Settings, v string) { s.Extension = boolptr(parseBool(v)) }},
	{"EXTENSION_TOKEN", func(s *Settings, v string) { s.ExtensionToken = strptr(v) }},
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func parseIntOr(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// applyEnvOverrides sets every Settings field whose <prefix><SUFFIX>
// env var is present.
func applyEnvOverrides(s *Settings, prefix string) {
	for _, m := range keyMappings {
		if v, ok := os.LookupEnv(prefix + m.suffix); ok {
			m.apply(s, v)
		}
	}
}

// discoverPools scans the environment for pool- and instance-level
// variables and returns the sorted set of pool names.
func discoverPools() []string {
	seen := map[string]bool{}
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if pool, _, ok := splitPooledKey(key); ok {
			seen[pool] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// discoverInstanceIDs returns the instance ids referenced by env
// overrides for one pool, whether or not they are in range.
func discoverInstanceIDs(pool string) []int {
	seen := map[int]bool{}
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		p, id, ok := splitPooledKey(key)
		if !ok || p != pool || id < 0 {
			continue
		}
		seen[id] = true
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ApplyEnv overlays environment configuration onto t. File-defined
// pools gain env overrides; pools only present in the environment are
// appended. Env values always win.
func ApplyEnv(t *Tree) error {
	if os.Getenv(globalPrefix+"INSTANCES") != "" {
		return fmt.Errorf("%w: PW_MCP_PROXY_INSTANCES is not allowed; "+
			"each pool declares instances via PW_MCP_PROXY__<POOL>_INSTANCES", types.ErrConfig)
	}

	applyEnvOverrides(&t.Global, globalPrefix)

	byName := map[string]*PoolSpec{}
	for i := range t.Pools {
		byName[strings.ToUpper(t.Pools[i].Name)] = &t.Pools[i]
	}

	for _, name := range discoverPools() {
		spec, ok := byName[name]
		if !ok {
			t.Pools = append(t.Pools, PoolSpec{Name: name})
			spec = &t.Pools[len(t.Pools)-1]
			byName[name] = spec
		}
		applyPoolEnv(spec, name)
	}

	applyBlobEnv(&t.Blob)
	applyRuntimeEnv(&t.Runtime)
	t.SortPools()
	return nil
}

func applyPoolEnv(spec *PoolSpec, name string) {
	prefix := pooledPrefix + name + "_"

	applyEnvOverrides(&spec.Settings, prefix)

	if v, ok := os.LookupEnv(prefix + "INSTANCES"); ok {
		spec.Instances = parseIntOr(v, 0)
	}
	if v, ok := os.LookupEnv(prefix + "IS_DEFAULT"); ok {
		spec.IsDefault = parseBool(v)
	}
	if v, ok := os.LookupEnv(prefix + "DESCRIPTION"); ok {
		spec.Description = v
	}

	for _, id := range discoverInstanceIDs(name) {
		ov := spec.Overrides[id]
		instPrefix := fmt.Sprintf("%s%s__%d_", pooledPrefix, name, id)
		applyEnvOverrides(&ov.Settings, instPrefix)
		if v, ok := os.LookupEnv(instPrefix + "ALIAS"); ok {
			ov.Alias = v
		}
		if spec.Overrides == nil {
			spec.Overrides = map[int]InstanceOverride{}
		}
		spec.Overrides[id] = ov
	}
}

func applyBlobEnv(b *BlobSettings) {
	if v, ok := os.LookupEnv("BLOB_STORAGE_ROOT"); ok {
		b.StorageRoot = v
	}
	if v, ok := os.LookupEnv("BLOB_MAX_SIZE_MB"); ok {
		b.MaxSizeMB = parseIntOr(v, b.MaxSizeMB)
	}
	if v, ok := os.LookupEnv("BLOB_TTL_HOURS"); ok {
		b.TTLHours = parseIntOr(v, b.TTLHours)
	}
	if v, ok := os.LookupEnv("BLOB_SIZE_THRESHOLD_KB"); ok {
		b.SizeThresholdKB = parseIntOr(v, b.SizeThresholdKB)
	}
	if v, ok := os.LookupEnv("BLOB_CLEANUP_INTERVAL_MINUTES"); ok {
		b.CleanupMinutes = parseIntOr(v, b.CleanupMinutes)
	}
	if v, ok := os.LookupEnv("BLOB_S3_BUCKET"); ok {
		b.S3Bucket = v
	}
	if v, ok := os.LookupEnv("BLOB_S3_PREFIX"); ok {
		b.S3Prefix = v
	}
	if v, ok := os.LookupEnv("BLOB_S3_REGION"); ok {
		b.S3Region = v
	}
}

func applyRuntimeEnv(r *RuntimeSettings) {
	applyMillis := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(globalPrefix + key); ok {
			if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
				dst.Duration = millis(ms)
			}
		}
	}
	applyMillis("HEALTH_CHECK_INTERVAL_MS", &r.HealthCheckInterval)
	applyMillis("CALL_TIMEOUT_MS", &r.CallTimeout)
	applyMillis("STARTUP_TIMEOUT_MS", &r.StartupTimeout)
	applyMillis("STOP_GRACE_MS", &r.StopGrace)
	applyMillis("LEASE_WAIT_CEILING_MS", &r.LeaseWaitCeiling)
	applyMillis("SNAPSHOT_TTL_MS", &r.SnapshotTTL)

	if v, ok := os.LookupEnv(globalPrefix + "HEALTH_FAILURE_THRESHOLD"); ok {
		r.HealthFailureThreshold = parseIntOr(v, r.HealthFailureThreshold)
	}
}
