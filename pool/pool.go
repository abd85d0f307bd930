package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/pwproxy/config"
	"github.com/pithecene-io/pwproxy/log"
	"github.com/pithecene-io/pwproxy/metrics"
	"github.com/pithecene-io/pwproxy/notify"
	"github.com/pithecene-io/pwproxy/types"
)

// Runner is the supervisor surface the pool drives. child.Supervisor
// implements it; tests substitute stubs.
type Runner interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Probe(ctx context.Context) error
	Stop(grace time.Duration)
	State() types.ChildState
	MarkLeased()
	MarkReleased()
	Fail()
	Lease() *types.LeaseInfo
	Health() types.HealthInfo
	PID() int
	Spec() config.InstanceSpec
}

// RunnerFactory builds a Runner for one frozen instance spec.
type RunnerFactory func(spec config.InstanceSpec) Runner

// Child pairs one runner with its pool-side bookkeeping.
type Child struct {
	ID     int
	Alias  string
	Runner Runner

	// consecutive probe failures, guarded by the pool mutex
	probeFails int
}

// Pool owns N children and one lease queue. Children are created at
// startup and the set never grows or shrinks; failed children are
// retained for status reporting but never enqueued.
type Pool struct {
	Name        string
	Description string
	IsDefault   bool

	children []*Child
	queue    *Queue
	logger   *log.Logger
	metrics  *metrics.Collector
	notifier notify.Notifier

	healthInterval time.Duration
	failThreshold  int
	stopGrace      time.Duration
	leaseCeiling   time.Duration
	probeTimeout   time.Duration

	mu       sync.Mutex
	shutdown bool
}

// PoolConfig assembles one pool.
type PoolConfig struct {
	Spec     config.PoolSpec
	Global   config.Settings
	Runtime  config.RuntimeSettings
	Factory  RunnerFactory
	Logger   *log.Logger
	Metrics  *metrics.Collector
	Notifier notify.Notifier
}

// NewPool builds the pool and its children without starting them.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		Name:           cfg.Spec.Name,
		Description:    cfg.Spec.Description,
		IsDefault:      cfg.Spec.IsDefault,
		queue:          NewQueue(),
		logger:         cfg.Logger.WithPool(cfg.Spec.Name),
		metrics:        cfg.Metrics,
		notifier:       cfg.Notifier,
		healthInterval: cfg.Runtime.HealthCheckInterval.Duration,
		failThreshold:  cfg.Runtime.HealthFailureThreshold,
		stopGrace:      cfg.Runtime.StopGrace.Duration,
		leaseCeiling:   cfg.Runtime.LeaseWaitCeiling.Duration,
		probeTimeout:   10 * time.Second,
	}
	if p.healthInterval <= 0 {
		p.healthInterval = 20 * time.Second
	}
	if p.failThreshold <= 0 {
		p.failThreshold = 3
	}
	if p.stopGrace <= 0 {
		p.stopGrace = 5 * time.Second
	}

	for _, spec := range cfg.Spec.Freeze(cfg.Global) {
		c := &Child{ID: spec.ID, Alias: spec.Alias, Runner: cfg.Factory(spec)}
		p.children = append(p.children, c)
		p.queue.Register(c)
	}
	return p
}

// Init starts every child eagerly in parallel and enqueues those that
// reach Ready. A child failing to start is retained as Failed and
// reported; Init itself only fails when no child came up.
func (p *Pool) Init(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, c := range p.children {
		wg.Add(1)
		go func(c *Child) {
			defer wg.Done()
			if err := c.Runner.Start(ctx); err != nil {
				p.logger.Error("child failed to start", map[string]any{
					"instance_id": c.ID, "error": err.Error(),
				})
				p.metrics.IncChildCrashes()
				p.emit(notify.EventChildFailed, c, err.Error())
				return
			}
			p.metrics.IncChildLaunches()
			p.queue.Release(c)
			p.emit(notify.EventChildReady, c, "")
		}(c)
	}
	wg.Wait()

	if p.HealthyCount() == 0 {
		p.logger.Error("no children became ready", map[string]any{
			"total": len(p.children),
		})
	}
	return nil
}

// Lease acquires a child per the hint and returns it with a release
// closure. The closure is idempotent and must be invoked on every exit
// path; a handle that failed while leased is dropped instead of
// re-enqueued.
func (p *Pool) Lease(ctx context.Context, hint Hint) (*Child, func(), error) {
	start := time.Now()

	leaseCtx := ctx
	var cancel context.CancelFunc
	if p.leaseCeiling > 0 {
		leaseCtx, cancel = context.WithTimeout(ctx, p.leaseCeiling)
		defer cancel()
	}

	var c *Child
	var err error
	if hint.Any {
		c, err = p.queue.LeaseAny(leaseCtx)
	} else {
		c, err = p.queue.LeaseSpecific(leaseCtx, hint.Key)
	}
	p.metrics.ObserveLeaseWait(time.Since(start))

	if err != nil {
		// The ceiling fired, not the caller.
		if p.leaseCeiling > 0 && leaseCtx.Err() != nil && ctx.Err() == nil &&
			errors.Is(err, types.ErrCancelled) {
			return nil, nil, types.ErrPoolExhausted
		}
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.Runner.MarkReleased()
			p.queue.Release(c)
		})
	}
	return c, release, nil
}

// HealthLoop probes every non-terminal child on the configured
// interval until ctx is cancelled. Probes bypass the lease queue;
// crossing the consecutive-failure threshold fails the child and
// removes it from leasing.
func (p *Pool) HealthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAll(ctx)
		}
	}
}

func (p *Pool) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range p.children {
		if c.Runner.State().Terminal() {
			continue
		}
		wg.Add(1)
		go func(c *Child) {
			defer wg.Done()
			p.probeOne(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (p *Pool) probeOne(ctx context.Context, c *Child) {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	err := c.Runner.Probe(probeCtx)

	p.mu.Lock()
	if err == nil {
		c.probeFails = 0
		p.mu.Unlock()
		return
	}
	c.probeFails++
	fails := c.probeFails
	p.mu.Unlock()

	p.metrics.IncProbeFailures()
	p.logger.Warn("health probe failed", map[string]any{
		"instance_id": c.ID, "consecutive": fails, "error": err.Error(),
	})

	if fails >= p.failThreshold {
		p.logger.Error("health threshold crossed, failing child", map[string]any{
			"instance_id": c.ID, "consecutive": fails,
		})
		c.Runner.Fail()
		p.queue.Remove(c)
		p.emit(notify.EventChildFailed, c, err.Error())
	}
}

// Shutdown drains the queue and stops all children in parallel.
// Further lease requests fail with ShuttingDown.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	if grace <= 0 {
		grace = p.stopGrace
	}
	p.queue.Close()

	var wg sync.WaitGroup
	for _, c := range p.children {
		wg.Add(1)
		go func(c *Child) {
			defer wg.Done()
			c.Runner.Stop(grace)
			p.emit(notify.EventChildStopped, c, "")
		}(c)
	}
	wg.Wait()
	p.logger.Info("pool shut down", map[string]any{"children": len(p.children)})
}

// Status snapshots every child.
func (p *Pool) Status() types.PoolStatus {
	st := types.PoolStatus{
		Name:           p.Name,
		Description:    p.Description,
		IsDefault:      p.IsDefault,
		TotalInstances: len(p.children),
	}
	for _, c := range p.children {
		spec := c.Runner.Spec()
		state := c.Runner.State()
		lease := c.Runner.Lease()

		inst := types.InstanceStatus{
			ID:     c.ID,
			Alias:  c.Alias,
			State:  state,
			Leased: state == types.ChildLeased,
			Lease:  lease,
			PID:    c.Runner.PID(),
			Health: c.Runner.Health(),
		}
		if spec.Settings.Browser != nil {
			inst.Browser = *spec.Settings.Browser
		}
		if spec.Settings.Headless != nil {
			inst.Headless = *spec.Settings.Headless
		}
		st.Instances = append(st.Instances, inst)

		switch state {
		case types.ChildReady:
			st.HealthyInstances++
			st.AvailableInstances++
		case types.ChildLeased:
			st.HealthyInstances++
			st.LeasedInstances++
		}
	}
	return st
}

// HealthyCount returns the number of Ready or Leased children.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, c := range p.children {
		switch c.Runner.State() {
		case types.ChildReady, types.ChildLeased:
			n++
		}
	}
	return n
}

// Children exposes the fixed child set for status surfaces.
func (p *Pool) Children() []*Child { return p.children }

// Aliases returns the alias→id mapping of this pool.
func (p *Pool) Aliases() map[string]int {
	out := map[string]int{}
	for _, c := range p.children {
		if c.Alias != "" {
			out[c.Alias] = c.ID
		}
	}
	return out
}

func (p *Pool) emit(eventType string, c *Child, detail string) {
	if p.notifier == nil {
		return
	}
	p.notifier.Publish(context.Background(), notify.Event{
		Type:       eventType,
		Pool:       p.Name,
		InstanceID: c.ID,
		Alias:      c.Alias,
		PID:        c.Runner.PID(),
		Detail:     detail,
		Timestamp:  time.Now(),
	})
}
