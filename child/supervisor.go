package child

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pithecene-io/pwproxy/config"
	"github.com/pithecene-io/pwproxy/log"
	"github.com/pithecene-io/pwproxy/types"
)

// Default timing knobs, overridable via Config.
const (
	DefaultCallTimeout    = 90 * time.Second
	DefaultStartupTimeout = 60 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
	DefaultStopGrace      = 5 * time.Second
)

// Config configures one supervisor.
type Config struct {
	Spec           config.InstanceSpec
	CallTimeout    time.Duration
	StartupTimeout time.Duration
	ProbeTimeout   time.Duration
	Launcher       Launcher
	Logger         *log.Logger
	// OnProgress receives server-initiated notifications/progress
	// params. Optional; progress never affects the lease state machine.
	OnProgress func(params json.RawMessage)
}

func (c *Config) fillDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Launcher == nil {
		c.Launcher = ExecLauncher
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
}

// Supervisor owns one playwright-mcp subprocess. A single reader
// goroutine routes replies by id through the pending table; writes to
// stdin are serialized under a mutex. Safe for concurrent Call and
// Probe from many goroutines.
type Supervisor struct {
	cfg    Config
	logger *log.Logger

	proc  Proc
	stdin io.WriteCloser

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *types.Response

	stateMu sync.Mutex
	state   types.ChildState
	lease   *types.LeaseInfo
	health  types.HealthInfo
	tools   []types.ToolInfo

	stopping atomic.Bool
	goneOnce sync.Once
	done     chan struct{}
	waited   chan struct{}
}

// New creates a supervisor. Call Start before anything else.
func New(cfg Config) *Supervisor {
	cfg.fillDefaults()
	return &Supervisor{
		cfg:     cfg,
		logger:  cfg.Logger.WithInstance(cfg.Spec.Pool, cfg.Spec.ID),
		pending: map[int64]chan *types.Response{},
		state:   types.ChildStarting,
		done:    make(chan struct{}),
		waited:  make(chan struct{}),
	}
}

// Spec returns the frozen instance configuration.
func (s *Supervisor) Spec() config.InstanceSpec { return s.cfg.Spec }

// Start launches the subprocess and performs the MCP initialize
// handshake, including tool discovery, within the startup window. On
// any failure the process is terminated and the state is Failed.
func (s *Supervisor) Start(ctx context.Context) error {
	argv := Argv(s.cfg.Spec.Settings)
	env := Env(s.cfg.Spec.Settings)

	s.proc = s.cfg.Launcher(argv, env)
	if err := s.proc.Start(); err != nil {
		s.Fail()
		return fmt.Errorf("launch instance %d: %w", s.cfg.Spec.ID, err)
	}
	s.stdin = s.proc.Stdin()

	go s.forwardStderr(s.proc.Stderr())
	go s.readLoop(s.proc.Stdout())
	go func() {
		defer close(s.waited)
		if err := s.proc.Wait(); err != nil {
			s.logger.Warn("child wait error", map[string]any{"error": err.Error()})
		}
	}()

	s.logger.Info("child launched", map[string]any{
		"pid": s.proc.PID(), "argv": strings.Join(argv, " "),
	})

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	if err := s.handshake(startCtx); err != nil {
		s.Fail()
		s.proc.Kill()
		return fmt.Errorf("instance %d startup: %w", s.cfg.Spec.ID, err)
	}

	s.stateMu.Lock()
	s.state = types.ChildReady
	s.health = types.HealthInfo{LastCheck: time.Now(), Responsive: true}
	s.stateMu.Unlock()

	s.logger.Info("child ready", map[string]any{
		"pid": s.proc.PID(), "tools": len(s.Tools()),
	})
	return nil
}

func (s *Supervisor) handshake(ctx context.Context) error {
	initParams := types.InitializeParams{
		ProtocolVersion: types.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      types.ClientInfo{Name: "pwproxy", Version: types.Version},
	}
	if _, err := s.call(ctx, types.MethodInitialize, initParams, s.cfg.StartupTimeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := s.notify(types.MethodInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	raw, err := s.call(ctx, types.MethodToolsList, map[string]any{}, s.cfg.StartupTimeout)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var list types.ToolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	s.stateMu.Lock()
	s.tools = list.Tools
	s.stateMu.Unlock()
	return nil
}

// Call issues a tools/call request with the configured call timeout.
func (s *Supervisor) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	params := types.CallToolParams{Name: name, Arguments: args}
	return s.call(ctx, types.MethodToolsCall, params, s.cfg.CallTimeout)
}

// Probe issues an MCP ping with a short timeout. Probes do not take a
// lease; they share the stdio pair with in-flight tool calls and are
// routed by id like any other request.
func (s *Supervisor) Probe(ctx context.Context) error {
	_, err := s.call(ctx, types.MethodPing, map[string]any{}, s.cfg.ProbeTimeout)

	s.stateMu.Lock()
	s.health = types.HealthInfo{LastCheck: time.Now(), Responsive: err == nil}
	if err != nil {
		s.health.Error = err.Error()
	}
	s.stateMu.Unlock()
	return err
}

// call sends one request frame and waits for its reply, timeout,
// cancellation, or child death, whichever comes first.
func (s *Supervisor) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-s.done:
		return nil, s.goneErr(method)
	default:
	}

	id := s.nextID.Add(1)
	ch := make(chan *types.Response, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	req := types.Request{
		JSONRPC: types.JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  params,
	}
	if err := s.writeFrame(req); err != nil {
		s.unregister(id)
		s.childGone("stdin write failed: " + err.Error())
		return nil, s.goneErr(method)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return s.unpack(resp)

	case <-timer.C:
		s.unregister(id)
		return nil, fmt.Errorf("%w: %s after %s", types.ErrTimeout, method, timeout)

	case <-ctx.Done():
		s.unregister(id)
		return nil, fmt.Errorf("%w: %s", types.ErrCancelled, method)

	case <-s.done:
		s.unregister(id)
		// The reply may have landed just before the child died.
		select {
		case resp := <-ch:
			return s.unpack(resp)
		default:
		}
		return nil, s.goneErr(method)
	}
}

func (s *Supervisor) unpack(resp *types.Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error.ToRemoteError()
	}
	return resp.Result, nil
}

func (s *Supervisor) goneErr(method string) error {
	if s.stopping.Load() {
		return fmt.Errorf("%w: %s", types.ErrCancelled, method)
	}
	return fmt.Errorf("%w: %s", types.ErrChildGone, method)
}

func (s *Supervisor) unregister(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// notify writes a frame without an id; no reply is expected.
func (s *Supervisor) notify(method string, params any) error {
	return s.writeFrame(types.Request{
		JSONRPC: types.JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

// writeFrame serializes one JSON object per line under the writer
// mutex. Frames from concurrent callers never interleave.
func (s *Supervisor) writeFrame(req types.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	payload = append(payload, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(payload); err != nil {
		return err
	}
	return nil
}

// readLoop is the single consumer of child stdout. Replies route by id
// to the registered waiter; notifications are surfaced or dropped. EOF
// or a JSON parse error fails the child and completes every waiter.
func (s *Supervisor) readLoop(r io.Reader) {
	br := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if routeErr := s.routeLine(line); routeErr != nil {
				s.childGone("malformed frame: " + routeErr.Error())
				return
			}
		}
		if err != nil {
			s.childGone("stdout closed")
			return
		}
	}
}

func (s *Supervisor) routeLine(line []byte) error {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var resp types.Response
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return err
	}

	if resp.IsNotification() {
		if resp.Method == types.MethodProgress && s.cfg.OnProgress != nil {
			s.cfg.OnProgress(resp.Params)
		} else {
			s.logger.Debug("child notification", map[string]any{"method": resp.Method})
		}
		return nil
	}
	if resp.ID == nil {
		return nil
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[*resp.ID]
	delete(s.pending, *resp.ID)
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Warn("late reply dropped", map[string]any{"id": *resp.ID})
		return nil
	}
	ch <- &resp
	return nil
}

func (s *Supervisor) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.logger.Debug("upstream stderr", map[string]any{"line": line})
	}
}

// childGone marks the child dead exactly once: waiters wake via the
// done channel and the state goes Failed unless already Stopped.
func (s *Supervisor) childGone(reason string) {
	s.goneOnce.Do(func() {
		s.stateMu.Lock()
		if s.state != types.ChildStopped {
			s.state = types.ChildFailed
		}
		s.stateMu.Unlock()

		if !s.stopping.Load() {
			s.logger.Error("child gone", map[string]any{"reason": reason})
		}
		close(s.done)
	})
}

// Stop shuts the child down: close stdin, wait grace for natural exit,
// SIGTERM, wait grace again, SIGKILL. Outstanding waiters complete
// with Cancelled.
func (s *Supervisor) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	s.stopping.Store(true)

	s.stateMu.Lock()
	s.state = types.ChildStopped
	s.lease = nil
	s.stateMu.Unlock()

	if s.proc == nil {
		s.childGone("never started")
		return
	}

	s.writeMu.Lock()
	if s.stdin != nil {
		s.stdin.Close()
	}
	s.writeMu.Unlock()

	if s.waitExit(grace) {
		s.childGone("stopped")
		return
	}

	s.logger.Warn("child did not exit on stdin close, sending SIGTERM", nil)
	s.proc.Signal(syscall.SIGTERM)
	if s.waitExit(grace) {
		s.childGone("stopped")
		return
	}

	s.logger.Warn("child ignored SIGTERM, killing", nil)
	s.proc.Kill()
	s.waitExit(grace)
	s.childGone("stopped")
}

func (s *Supervisor) waitExit(d time.Duration) bool {
	select {
	case <-s.waited:
		return true
	case <-time.After(d):
		return false
	}
}

// Done is closed when the child can no longer serve calls.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Supervisor) State() types.ChildState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// MarkLeased transitions Ready→Leased and records the lease start.
func (s *Supervisor) MarkLeased() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == types.ChildReady {
		s.state = types.ChildLeased
		s.lease = &types.LeaseInfo{InstanceID: s.cfg.Spec.ID, StartedAt: time.Now()}
	}
}

// MarkReleased transitions Leased→Ready and clears the lease.
func (s *Supervisor) MarkReleased() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == types.ChildLeased {
		s.state = types.ChildReady
		s.lease = nil
	}
}

// Fail forces the Failed state. Used by the pool when the health
// failure threshold is crossed.
func (s *Supervisor) Fail() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != types.ChildStopped {
		s.state = types.ChildFailed
	}
}

// Lease returns a copy of the current lease info, or nil.
func (s *Supervisor) Lease() *types.LeaseInfo {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.lease == nil {
		return nil
	}
	cp := *s.lease
	return &cp
}

// Health returns the last probe outcome.
func (s *Supervisor) Health() types.HealthInfo {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.health
}

// Tools returns the tool list discovered during the handshake.
func (s *Supervisor) Tools() []types.ToolInfo {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.tools
}

// PID returns the OS pid, or 0 before launch.
func (s *Supervisor) PID() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}
