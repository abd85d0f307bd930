package pool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pithecene-io/pwproxy/config"
	"github.com/pithecene-io/pwproxy/notify"
	"github.com/pithecene-io/pwproxy/types"
)

// stubRunner is a Runner with scripted behavior for queue and pool
// tests. State transitions mirror the real supervisor's.
type stubRunner struct {
	mu       sync.Mutex
	spec     config.InstanceSpec
	state    types.ChildState
	lease    *types.LeaseInfo
	startErr error
	probeErr error

	probeCalls int
	stopCalls  int
}

func newStubReady(id int) *stubRunner {
	return &stubRunner{
		spec:  config.InstanceSpec{Pool: "TEST", ID: id},
		state: types.ChildReady,
	}
}

func (s *stubRunner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		s.state = types.ChildFailed
		return s.startErr
	}
	s.state = types.ChildReady
	return nil
}

func (s *stubRunner) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (s *stubRunner) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeCalls++
	return s.probeErr
}

func (s *stubRunner) Stop(grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	s.state = types.ChildStopped
}

func (s *stubRunner) State() types.ChildState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubRunner) MarkLeased() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.ChildLeased
	s.lease = &types.LeaseInfo{InstanceID: s.spec.ID, StartedAt: time.Now()}
}

func (s *stubRunner) MarkReleased() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.ChildLeased {
		s.state = types.ChildReady
	}
	s.lease = nil
}

func (s *stubRunner) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = types.ChildFailed
}

func (s *stubRunner) Lease() *types.LeaseInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease
}

func (s *stubRunner) Health() types.HealthInfo {
	return types.HealthInfo{}
}

func (s *stubRunner) PID() int { return 1000 + s.spec.ID }

func (s *stubRunner) Spec() config.InstanceSpec { return s.spec }

func (s *stubRunner) setProbeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeErr = err
}

// recordNotifier captures published events for assertions.
type recordNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordNotifier) Publish(ctx context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordNotifier) Close() error { return nil }

func (r *recordNotifier) ofType(eventType string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
