package pool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/pwproxy/config"
	"github.com/pithecene-io/pwproxy/log"
	"github.com/pithecene-io/pwproxy/metrics"
	"github.com/pithecene-io/pwproxy/notify"
	"github.com/pithecene-io/pwproxy/types"
)

// Hint selects a lease target: any idle handle, or a specific one by
// numeric id or alias.
type Hint struct {
	Any bool
	Key string
}

// AnyHint leases whichever handle is at the head of the queue.
var AnyHint = Hint{Any: true}

// SpecificHint leases the handle named by key.
func SpecificHint(key string) Hint { return Hint{Key: key} }

// Registry owns all pools. Immutable after construction; built from a
// validated configuration tree.
type Registry struct {
	pools       map[string]*Pool
	order       []string
	defaultPool *Pool
	logger      *log.Logger
}

// RegistryConfig assembles the registry.
type RegistryConfig struct {
	Tree     *config.Tree
	Factory  RunnerFactory
	Logger   *log.Logger
	Metrics  *metrics.Collector
	Notifier notify.Notifier
}

// NewRegistry validates the tree and builds every pool and child
// without starting them.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := config.Validate(cfg.Tree); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	r := &Registry{
		pools:  map[string]*Pool{},
		logger: cfg.Logger,
	}
	for _, spec := range cfg.Tree.Pools {
		p := NewPool(PoolConfig{
			Spec:     spec,
			Global:   cfg.Tree.Global,
			Runtime:  cfg.Tree.Runtime,
			Factory:  cfg.Factory,
			Logger:   cfg.Logger,
			Metrics:  cfg.Metrics,
			Notifier: cfg.Notifier,
		})
		key := strings.ToUpper(spec.Name)
		r.pools[key] = p
		r.order = append(r.order, key)
		if spec.IsDefault {
			r.defaultPool = p
		}
	}
	return r, nil
}

// InitAll starts every pool's children in parallel across pools.
func (r *Registry) InitAll(ctx context.Context) {
	done := make(chan struct{}, len(r.order))
	for _, key := range r.order {
		go func(p *Pool) {
			p.Init(ctx)
			done <- struct{}{}
		}(r.pools[key])
	}
	for range r.order {
		<-done
	}
}

// RunHealthLoops runs one health loop per pool until ctx is cancelled.
func (r *Registry) RunHealthLoops(ctx context.Context) {
	for _, key := range r.order {
		go r.pools[key].HealthLoop(ctx)
	}
}

// ShutdownAll stops every pool in parallel.
func (r *Registry) ShutdownAll(grace time.Duration) {
	done := make(chan struct{}, len(r.order))
	for _, key := range r.order {
		go func(p *Pool) {
			p.Shutdown(grace)
			done <- struct{}{}
		}(r.pools[key])
	}
	for range r.order {
		<-done
	}
}

// DefaultPool returns the pool marked is_default.
func (r *Registry) DefaultPool() *Pool { return r.defaultPool }

// Pool returns a pool by name, case-insensitively.
func (r *Registry) Pool(name string) (*Pool, bool) {
	p, ok := r.pools[strings.ToUpper(name)]
	return p, ok
}

// Pools returns all pools in name order.
func (r *Registry) Pools() []*Pool {
	out := make([]*Pool, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.pools[key])
	}
	return out
}

// Resolve routes a (pool?, instance?) selection to a pool and a lease
// hint.
//
// A numeric instance key without a pool targets the default pool. An
// alias without a pool resolves globally: it succeeds when exactly one
// pool defines the alias and fails AmbiguousAlias when several do.
func (r *Registry) Resolve(poolName, instanceKey string) (*Pool, Hint, error) {
	if poolName != "" {
		p, ok := r.Pool(poolName)
		if !ok {
			return nil, Hint{}, fmt.Errorf("%w: pool %q", types.ErrNotFound, poolName)
		}
		if instanceKey == "" {
			return p, AnyHint, nil
		}
		return p, SpecificHint(instanceKey), nil
	}

	if instanceKey == "" {
		return r.defaultPool, AnyHint, nil
	}

	if _, err := strconv.Atoi(instanceKey); err == nil {
		return r.defaultPool, SpecificHint(instanceKey), nil
	}

	var matches []*Pool
	for _, key := range r.order {
		p := r.pools[key]
		if _, ok := p.Aliases()[instanceKey]; ok {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, Hint{}, fmt.Errorf("%w: alias %q", types.ErrNotFound, instanceKey)
	case 1:
		return matches[0], SpecificHint(instanceKey), nil
	default:
		names := make([]string, len(matches))
		for i, p := range matches {
			names[i] = p.Name
		}
		return nil, Hint{}, fmt.Errorf("%w: alias %q defined in pools %s",
			types.ErrAmbiguousAlias, instanceKey, strings.Join(names, ", "))
	}
}

// FleetStatus aggregates the status of every pool, or of one named
// pool when name is non-empty.
func (r *Registry) FleetStatus(name string) (types.FleetStatus, error) {
	if name != "" {
		p, ok := r.Pool(name)
		if !ok {
			return types.FleetStatus{}, fmt.Errorf("%w: pool %q", types.ErrNotFound, name)
		}
		return types.Summarize([]types.PoolStatus{p.Status()}), nil
	}

	var statuses []types.PoolStatus
	for _, p := range r.Pools() {
		statuses = append(statuses, p.Status())
	}
	return types.Summarize(statuses), nil
}
