package child

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/pithecene-io/pwproxy/types"
)

// fakeProc speaks the wire protocol over in-memory pipes so supervisor
// tests run without a real subprocess.
type fakeProc struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	errR   *io.PipeReader
	errW   *io.PipeWriter

	exitOnce sync.Once
	exited   chan struct{}
}

func newFakeProc() *fakeProc {
	p := &fakeProc{exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProc) Start() error           { return nil }
func (p *fakeProc) Stdin() io.WriteCloser  { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader      { return p.outR }
func (p *fakeProc) Stderr() io.Reader      { return p.errR }
func (p *fakeProc) Signal(os.Signal) error { p.exit(); return nil }
func (p *fakeProc) Kill() error            { p.exit(); return nil }
func (p *fakeProc) PID() int               { return 4242 }

func (p *fakeProc) Wait() error {
	<-p.exited
	return nil
}

// exit simulates process death: stdout closes and Wait returns.
func (p *fakeProc) exit() {
	p.exitOnce.Do(func() {
		p.outW.Close()
		p.errW.Close()
		close(p.exited)
	})
}

// fakeServer drives the child side of the protocol: it answers the
// handshake itself and forwards later requests to the test.
type fakeServer struct {
	proc *fakeProc
	// Requests receives every post-handshake request.
	Requests chan types.Request
	// onStdinEOF runs when the supervisor closes stdin.
	onStdinEOF func()

	writeMu sync.Mutex
}

func newFakeServer(t *testing.T) (*fakeServer, *fakeProc) {
	t.Helper()
	proc := newFakeProc()
	srv := &fakeServer{
		proc:       proc,
		Requests:   make(chan types.Request, 16),
		onStdinEOF: proc.exit,
	}
	go srv.run(t)
	return srv, proc
}

func (s *fakeServer) run(t *testing.T) {
	scanner := bufio.NewScanner(s.proc.stdinR)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			t.Errorf("fake server: bad frame %q: %v", line, err)
			continue
		}

		switch req.Method {
		case types.MethodInitialize:
			s.Reply(*req.ID, map[string]any{
				"protocolVersion": types.ProtocolVersion,
				"serverInfo":      map[string]any{"name": "fake-playwright-mcp"},
			})
		case types.MethodInitialized:
			// notification, no reply
		case types.MethodToolsList:
			s.Reply(*req.ID, types.ToolsListResult{Tools: []types.ToolInfo{
				{Name: "browser_navigate"},
				{Name: "browser_take_screenshot"},
				{Name: "browser_snapshot"},
			}})
		default:
			var id int64 = -1
			if req.ID != nil {
				id = *req.ID
			}
			s.Requests <- types.Request{ID: &id, Method: req.Method, Params: req.Params}
		}
	}
	if s.onStdinEOF != nil {
		s.onStdinEOF()
	}
}

// Reply writes a result frame for the given id.
func (s *fakeServer) Reply(id int64, result any) {
	raw, _ := json.Marshal(result)
	s.writeFrame(map[string]any{
		"jsonrpc": types.JSONRPCVersion,
		"id":      id,
		"result":  json.RawMessage(raw),
	})
}

// ReplyError writes an error frame for the given id.
func (s *fakeServer) ReplyError(id int64, code int, message string) {
	s.writeFrame(map[string]any{
		"jsonrpc": types.JSONRPCVersion,
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// Notify writes a server-initiated notification.
func (s *fakeServer) Notify(method string, params any) {
	s.writeFrame(map[string]any{
		"jsonrpc": types.JSONRPCVersion,
		"method":  method,
		"params":  params,
	})
}

func (s *fakeServer) writeFrame(frame map[string]any) {
	payload, _ := json.Marshal(frame)
	payload = append(payload, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.proc.outW.Write(payload)
}

// CrashStdout simulates the child dying mid-call.
func (s *fakeServer) CrashStdout() {
	s.proc.exit()
}
