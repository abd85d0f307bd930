package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/pwproxy/config"
	"github.com/pithecene-io/pwproxy/log"
	"github.com/pithecene-io/pwproxy/metrics"
	"github.com/pithecene-io/pwproxy/types"
)

type poolFixture struct {
	pool     *Pool
	runners  map[int]*stubRunner
	notifier *recordNotifier
	metrics  *metrics.Collector
}

func newPoolFixture(t *testing.T, instances int, mutate func(cfg *PoolConfig)) *poolFixture {
	t.Helper()
	f := &poolFixture{
		runners:  map[int]*stubRunner{},
		notifier: &recordNotifier{},
		metrics:  metrics.NewCollector(),
	}
	cfg := PoolConfig{
		Spec: config.PoolSpec{
			Name:      "TEST",
			Instances: instances,
			IsDefault: true,
			Overrides: map[int]config.InstanceOverride{},
		},
		Factory: func(spec config.InstanceSpec) Runner {
			r := &stubRunner{spec: spec, state: types.ChildStarting}
			f.runners[spec.ID] = r
			return r
		},
		Logger:   log.NewNop(),
		Metrics:  f.metrics,
		Notifier: f.notifier,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.pool = NewPool(cfg)
	return f
}

func TestInit_EagerStart(t *testing.T) {
	f := newPoolFixture(t, 3, nil)
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if got := f.pool.HealthyCount(); got != 3 {
		t.Fatalf("HealthyCount = %d, want 3", got)
	}
	if got := len(f.notifier.ofType("child_ready")); got != 3 {
		t.Errorf("child_ready events = %d, want 3", got)
	}
	if got := f.metrics.Snapshot().ChildLaunches; got != 3 {
		t.Errorf("ChildLaunches = %d, want 3", got)
	}
}

func TestInit_FailedChildRetained(t *testing.T) {
	f := newPoolFixture(t, 2, func(cfg *PoolConfig) {
		inner := cfg.Factory
		cfg.Factory = func(spec config.InstanceSpec) Runner {
			r := inner(spec).(*stubRunner)
			if spec.ID == 1 {
				r.startErr = errors.New("npx exited immediately")
			}
			return r
		}
	})
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if got := f.pool.HealthyCount(); got != 1 {
		t.Fatalf("HealthyCount = %d, want 1", got)
	}

	st := f.pool.Status()
	if st.TotalInstances != 2 || st.HealthyInstances != 1 {
		t.Errorf("status = %d total / %d healthy", st.TotalInstances, st.HealthyInstances)
	}
	var failed *types.InstanceStatus
	for i := range st.Instances {
		if st.Instances[i].ID == 1 {
			failed = &st.Instances[i]
		}
	}
	if failed == nil || failed.State != types.ChildFailed {
		t.Errorf("instance 1 not reported failed: %+v", failed)
	}

	if got := len(f.notifier.ofType("child_failed")); got != 1 {
		t.Errorf("child_failed events = %d, want 1", got)
	}
	if got := f.metrics.Snapshot().ChildCrashes; got != 1 {
		t.Errorf("ChildCrashes = %d, want 1", got)
	}

	// The failed child must never be leasable.
	if _, err := f.pool.queue.LeaseSpecific(t.Context(), "1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("lease of failed child: err = %v, want NotFound", err)
	}
}

func TestLease_ReleaseIdempotent(t *testing.T) {
	f := newPoolFixture(t, 1, nil)
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	c, release, err := f.pool.Lease(t.Context(), AnyHint)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	release()
	release()

	// Double release must not duplicate the handle on the queue.
	c2, release2, err := f.pool.Lease(t.Context(), AnyHint)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if c2 != c {
		t.Fatalf("second lease got child %d, want %d", c2.ID, c.ID)
	}
	defer release2()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := f.pool.Lease(ctx, AnyHint); !errors.Is(err, types.ErrCancelled) {
		t.Fatalf("third lease err = %v, want Cancelled", err)
	}
}

func TestLease_FailedWhileLeasedDropped(t *testing.T) {
	f := newPoolFixture(t, 1, nil)
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	c, release, err := f.pool.Lease(t.Context(), AnyHint)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	c.Runner.Fail()
	release()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := f.pool.Lease(ctx, AnyHint); !errors.Is(err, types.ErrCancelled) {
		t.Fatalf("lease err = %v, want Cancelled (handle must be dropped)", err)
	}
}

func TestLease_FailedWhileLeasedFailsSpecificWaiter(t *testing.T) {
	f := newPoolFixture(t, 1, nil)
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	c, release, err := f.pool.Lease(t.Context(), SpecificHint("0"))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, _, err := f.pool.Lease(context.Background(), SpecificHint("0"))
		errc <- err
	}()
	waitCond(t, func() bool { return f.pool.queue.keyWaiterCount(c) == 1 })

	c.Runner.Fail()
	release()

	// The queued specific waiter must fail promptly, not block until
	// its own context dies.
	select {
	case err := <-errc:
		if !errors.Is(err, types.ErrNotFound) {
			t.Fatalf("specific waiter err = %v, want NotFound", err)
		}
	case <-time.After(time.Second):
		t.Fatal("specific waiter still blocked after release of failed child")
	}
}

func TestLease_CeilingReportsPoolExhausted(t *testing.T) {
	f := newPoolFixture(t, 1, func(cfg *PoolConfig) {
		cfg.Runtime.LeaseWaitCeiling = config.Duration{Duration: 50 * time.Millisecond}
	})
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	_, release, err := f.pool.Lease(t.Context(), AnyHint)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	defer release()

	if _, _, err := f.pool.Lease(t.Context(), AnyHint); !errors.Is(err, types.ErrPoolExhausted) {
		t.Fatalf("err = %v, want PoolExhausted", err)
	}
}

func TestLease_CallerCancelBeatsCeiling(t *testing.T) {
	f := newPoolFixture(t, 1, func(cfg *PoolConfig) {
		cfg.Runtime.LeaseWaitCeiling = config.Duration{Duration: 10 * time.Second}
	})
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	_, release, err := f.pool.Lease(t.Context(), AnyHint)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := f.pool.Lease(ctx, AnyHint); !errors.Is(err, types.ErrCancelled) {
		t.Fatalf("err = %v, want Cancelled", err)
	}
}

func TestProbeThreshold_FailsChild(t *testing.T) {
	f := newPoolFixture(t, 2, nil)
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	f.runners[0].setProbeErr(errors.New("ping timeout"))

	for i := 0; i < f.pool.failThreshold; i++ {
		f.pool.checkAll(t.Context())
	}

	if got := f.runners[0].State(); got != types.ChildFailed {
		t.Fatalf("child 0 state = %s, want failed", got)
	}
	if got := f.runners[1].State(); got != types.ChildReady {
		t.Errorf("child 1 state = %s, want ready", got)
	}
	if got := f.metrics.Snapshot().ProbeFailures; got != int64(f.pool.failThreshold) {
		t.Errorf("ProbeFailures = %d, want %d", got, f.pool.failThreshold)
	}
	if got := len(f.notifier.ofType("child_failed")); got != 1 {
		t.Errorf("child_failed events = %d, want 1", got)
	}

	// The failed child is out of the rotation; the survivor still leases.
	c, release, err := f.pool.Lease(t.Context(), AnyHint)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if c.ID != 1 {
		t.Errorf("leased child %d, want 1", c.ID)
	}
	release()
}

func TestProbe_RecoveryResetsCounter(t *testing.T) {
	f := newPoolFixture(t, 1, nil)
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	f.runners[0].setProbeErr(errors.New("ping timeout"))
	f.pool.checkAll(t.Context())
	f.pool.checkAll(t.Context())

	f.runners[0].setProbeErr(nil)
	f.pool.checkAll(t.Context())

	f.runners[0].setProbeErr(errors.New("ping timeout"))
	f.pool.checkAll(t.Context())
	f.pool.checkAll(t.Context())

	if got := f.runners[0].State(); got != types.ChildReady {
		t.Fatalf("child state = %s, want ready (counter must reset)", got)
	}
}

func TestShutdown_StopsChildrenAndRejectsLeases(t *testing.T) {
	f := newPoolFixture(t, 2, nil)
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	f.pool.Shutdown(time.Second)

	for id, r := range f.runners {
		if r.stopCalls != 1 {
			t.Errorf("runner %d stopCalls = %d, want 1", id, r.stopCalls)
		}
	}
	if got := len(f.notifier.ofType("child_stopped")); got != 2 {
		t.Errorf("child_stopped events = %d, want 2", got)
	}

	if _, _, err := f.pool.Lease(t.Context(), AnyHint); !errors.Is(err, types.ErrShuttingDown) {
		t.Fatalf("lease after shutdown err = %v, want ShuttingDown", err)
	}

	// Idempotent.
	f.pool.Shutdown(time.Second)
	for id, r := range f.runners {
		if r.stopCalls != 1 {
			t.Errorf("runner %d stopped twice", id)
		}
	}
}

func TestStatus_CountsAndLeaseInfo(t *testing.T) {
	f := newPoolFixture(t, 3, func(cfg *PoolConfig) {
		cfg.Spec.Overrides[0] = config.InstanceOverride{Alias: "scraper"}
	})
	if err := f.pool.Init(t.Context()); err != nil {
		t.Fatalf("init: %v", err)
	}

	_, release, err := f.pool.Lease(t.Context(), SpecificHint("scraper"))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	defer release()

	st := f.pool.Status()
	if st.Name != "TEST" || !st.IsDefault {
		t.Errorf("identity = %q/%v", st.Name, st.IsDefault)
	}
	if st.TotalInstances != 3 || st.HealthyInstances != 3 {
		t.Errorf("counts = %d total / %d healthy", st.TotalInstances, st.HealthyInstances)
	}
	if st.LeasedInstances != 1 || st.AvailableInstances != 2 {
		t.Errorf("lease counts = %d leased / %d available", st.LeasedInstances, st.AvailableInstances)
	}

	for _, inst := range st.Instances {
		if inst.ID == 0 {
			if inst.Alias != "scraper" || !inst.Leased || inst.Lease == nil {
				t.Errorf("instance 0 = %+v", inst)
			}
		}
	}
}
