// Package dispatch is the front door for inbound tool calls. It strips
// routing arguments, resolves the target pool, scopes a lease around
// the child call, interposes binary interception on results, and
// mediates snapshot post-processing through the cache.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/pwproxy/intercept"
	"github.com/pithecene-io/pwproxy/log"
	"github.com/pithecene-io/pwproxy/metrics"
	"github.com/pithecene-io/pwproxy/pool"
	"github.com/pithecene-io/pwproxy/snapcache"
	"github.com/pithecene-io/pwproxy/types"
)

// BulkToolName is the tool that executes a command list under one lease.
const BulkToolName = "browser_execute_bulk"

// Pagination bounds for snapshot post-processing.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 10000
)

// snapshotTools produce ARIA payloads eligible for post-processing and
// caching.
var snapshotTools = map[string]bool{
	"browser_snapshot": true,
}

// SnapshotProcessor turns a raw snapshot payload into a flat item list.
// The ARIA/JMESPath engine lives outside the core; tests use a stub.
type SnapshotProcessor interface {
	Process(rawPayload, query string, flatten bool) ([]any, error)
}

// Dispatcher routes tool calls to leased children.
type Dispatcher struct {
	registry    *pool.Registry
	interceptor *intercept.Interceptor
	cache       *snapcache.Cache
	processor   SnapshotProcessor
	callTimeout time.Duration
	snapshotTTL time.Duration
	metrics     *metrics.Collector
	logger      *log.Logger
}

// Config assembles a Dispatcher.
type Config struct {
	Registry    *pool.Registry
	Interceptor *intercept.Interceptor
	Cache       *snapcache.Cache
	Processor   SnapshotProcessor
	CallTimeout time.Duration
	SnapshotTTL time.Duration
	Metrics     *metrics.Collector
	Logger      *log.Logger
}

// New creates a dispatcher. CallTimeout defaults to 90s and SnapshotTTL
// to 10m when unset.
func New(cfg Config) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 90 * time.Second
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		interceptor: cfg.Interceptor,
		cache:       cfg.Cache,
		processor:   cfg.Processor,
		callTimeout: cfg.CallTimeout,
		snapshotTTL: cfg.SnapshotTTL,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// callOptions are the proxy-level arguments stripped from every call
// before it is forwarded to the child.
type callOptions struct {
	poolName    string
	instanceKey string

	cacheKey   string
	offset     int
	limit      int
	flatten    bool
	query      string
	format     string
	silentMode bool

	offsetGiven bool
	limitGiven  bool
}

func parseOptions(args map[string]any) (callOptions, error) {
	opts := callOptions{limit: DefaultPageLimit, format: "json"}

	opts.poolName = popString(args, "browser_pool")
	opts.instanceKey = popString(args, "browser_instance")
	opts.cacheKey = popString(args, "cache_key")
	opts.flatten = popBool(args, "flatten")
	opts.query = popString(args, "jmespath_query")
	opts.silentMode = popBool(args, "silent_mode")

	if v, ok := popInt(args, "offset"); ok {
		opts.offset = v
		opts.offsetGiven = true
	}
	if v, ok := popInt(args, "limit"); ok {
		opts.limit = v
		opts.limitGiven = true
	}
	if v := popString(args, "output_format"); v != "" {
		opts.format = v
	}

	if opts.limit < 1 || opts.limit > MaxPageLimit {
		return opts, fmt.Errorf("%w: limit %d out of range 1..%d",
			types.ErrConfig, opts.limit, MaxPageLimit)
	}
	if opts.offset < 0 {
		return opts, fmt.Errorf("%w: offset %d must be >= 0", types.ErrConfig, opts.offset)
	}
	if opts.offset%opts.limit != 0 {
		return opts, fmt.Errorf("%w: offset %d is not a multiple of limit %d",
			types.ErrConfig, opts.offset, opts.limit)
	}
	if opts.format != "json" && opts.format != "yaml" {
		return opts, fmt.Errorf("%w: output_format %q is not json or yaml",
			types.ErrConfig, opts.format)
	}
	if (opts.offsetGiven || opts.limitGiven) && !opts.postProcess() {
		return opts, fmt.Errorf("%w: offset/limit require flatten, jmespath_query or cache_key",
			types.ErrConfig)
	}
	return opts, nil
}

// postProcess reports whether the caller asked for snapshot
// post-processing.
func (o callOptions) postProcess() bool {
	return o.flatten || o.query != "" || o.cacheKey != ""
}

func (o callOptions) pageIndex() int { return o.offset / o.limit }

// Dispatch executes one tool call end to end and returns the result the
// caller sees. Errors carry a kind retrievable via types.ErrorKind.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args map[string]any) (any, error) {
	d.metrics.IncToolCalls()
	result, err := d.dispatch(ctx, toolName, args)
	if err != nil {
		d.metrics.IncToolCallErrors()
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, toolName string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	opts, err := parseOptions(args)
	if err != nil {
		return nil, err
	}

	snapshot := snapshotTools[toolName]

	// A cache hit answers without a child interaction or a lease.
	if snapshot && opts.cacheKey != "" {
		if page, err := d.cache.Lookup(opts.cacheKey, opts.pageIndex(), opts.limit); err == nil {
			d.metrics.IncCacheHits()
			return pageEnvelope(page, opts.cacheKey), nil
		}
		d.metrics.IncCacheMisses()
	}

	p, hint, err := d.registry.Resolve(opts.poolName, opts.instanceKey)
	if err != nil {
		return nil, err
	}
	child, release, err := p.Lease(ctx, hint)
	if err != nil {
		return nil, err
	}
	defer release()

	return d.execute(ctx, child, toolName, args, opts)
}

// execute runs one call on an already-leased child: child call, binary
// interception, and snapshot post-processing when requested. Shared by
// Dispatch and the bulk path.
func (d *Dispatcher) execute(ctx context.Context, child *pool.Child, toolName string, args map[string]any, opts callOptions) (any, error) {
	raw, err := d.callChild(ctx, child, toolName, args)
	if err != nil {
		return nil, err
	}

	result := d.decodeAndIntercept(toolName, raw)

	if snapshotTools[toolName] {
		if opts.silentMode {
			return map[string]any{"status": "success", "tool": toolName}, nil
		}
		if opts.postProcess() {
			return d.postProcessSnapshot(string(raw), opts)
		}
	}
	return result, nil
}

func (d *Dispatcher) callChild(ctx context.Context, child *pool.Child, toolName string, args map[string]any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	return child.Runner.Call(callCtx, toolName, args)
}

// decodeAndIntercept unmarshals the raw child result and runs binary
// interception. Undecodable results pass through as the raw string.
func (d *Dispatcher) decodeAndIntercept(toolName string, raw json.RawMessage) any {
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		d.logger.Warn("child result is not JSON, passing through", map[string]any{
			"tool": toolName, "error": err.Error(),
		})
		return string(raw)
	}
	return d.interceptor.Intercept(toolName, result)
}

// postProcessSnapshot flattens, queries, paginates and caches a fresh
// snapshot payload, then returns the requested page.
func (d *Dispatcher) postProcessSnapshot(rawPayload string, opts callOptions) (any, error) {
	items, err := d.processor.Process(rawPayload, opts.query, opts.flatten)
	if err != nil {
		return nil, fmt.Errorf("snapshot post-processing: %w", err)
	}

	fingerprint, err := Fingerprint(rawPayload, opts.query, opts.flatten, opts.format)
	if err != nil {
		return nil, err
	}

	pages, err := paginate(items, opts.limit, opts.format)
	if err != nil {
		return nil, err
	}
	d.cache.Store(fingerprint, pages, len(items), opts.limit, d.snapshotTTL)

	page, err := d.cache.Lookup(fingerprint, opts.pageIndex(), opts.limit)
	if err != nil {
		return nil, err
	}
	return pageEnvelope(page, fingerprint), nil
}

func pageEnvelope(page snapcache.Page, fingerprint string) map[string]any {
	return map[string]any{
		"page":        page.Page,
		"page_index":  page.PageIndex,
		"total_pages": page.TotalPages,
		"total_items": page.TotalItems,
		"has_more":    page.HasMore,
		"fingerprint": fingerprint,
	}
}

// Fingerprint derives the cache key for one post-processed snapshot:
// the first 16 hex chars of a sha256 over the msgpack encoding of the
// payload and the processing parameters.
func Fingerprint(rawPayload, query string, flatten bool, format string) (string, error) {
	encoded, err := msgpack.Marshal([]any{rawPayload, query, flatten, format})
	if err != nil {
		return "", fmt.Errorf("fingerprint encode: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:16], nil
}

// paginate chunks the flat item list into serialized pages of at most
// limit items each. An empty list yields one empty page so page 0
// always exists.
func paginate(items []any, limit int, format string) ([]string, error) {
	var chunks [][]any
	if len(items) == 0 {
		chunks = [][]any{{}}
	}
	for start := 0; start < len(items); start += limit {
		end := min(start+limit, len(items))
		chunks = append(chunks, items[start:end])
	}

	pages := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		var encoded []byte
		var err error
		if format == "yaml" {
			encoded, err = yaml.Marshal(chunk)
		} else {
			encoded, err = json.Marshal(chunk)
		}
		if err != nil {
			return nil, fmt.Errorf("encode snapshot page: %w", err)
		}
		pages = append(pages, string(encoded))
	}
	return pages, nil
}

// PoolStatus reports fleet status for one pool, or all pools when name
// is empty.
func (d *Dispatcher) PoolStatus(name string) (types.FleetStatus, error) {
	return d.registry.FleetStatus(name)
}

// Failure renders an error as the user-visible tool failure shape.
func Failure(err error) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"kind":    types.ErrorKind(err),
			"message": err.Error(),
		},
	}
}

func popString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	delete(args, key)
	s, _ := v.(string)
	return s
}

func popBool(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	delete(args, key)
	b, _ := v.(bool)
	return b
}

func popInt(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	delete(args, key)
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
