package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/pithecene-io/pwproxy/types"
)

func bulkArgs(commands []any, extra map[string]any) map[string]any {
	args := map[string]any{"commands": commands}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func cmd(tool string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{"tool": tool, "args": args}
}

func TestBulk_SingleLeaseSequential(t *testing.T) {
	f := newFixture(t, 3)

	out, err := f.dispatcher.DispatchBulk(t.Context(), bulkArgs([]any{
		cmd("browser_navigate", map[string]any{"url": "https://example.com"}),
		cmd("browser_click", map[string]any{"ref": "node-1"}),
		cmd("browser_navigate_back", nil),
	}, nil))
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}

	if out["success"] != true || out["executed_count"] != 3 || out["total_count"] != 3 {
		t.Fatalf("envelope = %v", out)
	}

	// All three commands land on the same child.
	var active *fakeRunner
	for _, r := range f.runners {
		if r.callCount() > 0 {
			if active != nil {
				t.Fatal("bulk commands spread across children")
			}
			active = r
		}
	}
	if active == nil || active.callCount() != 3 {
		t.Fatalf("active child calls = %v", active)
	}
}

func TestBulk_ReturnResultSelective(t *testing.T) {
	f := newFixture(t, 1)
	f.runners[0].replies["browser_click"] = func(map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"clicked":true}`), nil
	}

	withReturn := cmd("browser_click", nil)
	withReturn["return_result"] = true

	out, err := f.dispatcher.DispatchBulk(t.Context(), bulkArgs([]any{
		cmd("browser_navigate", map[string]any{"url": "https://example.com"}),
		withReturn,
	}, nil))
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}

	results := out["results"].([]any)
	if results[0] != nil {
		t.Errorf("result 0 = %v, want nil without return_result", results[0])
	}
	m, ok := results[1].(map[string]any)
	if !ok || m["clicked"] != true {
		t.Errorf("result 1 = %v", results[1])
	}
}

func TestBulk_ReturnAllResults(t *testing.T) {
	f := newFixture(t, 1)

	out, err := f.dispatcher.DispatchBulk(t.Context(), bulkArgs([]any{
		cmd("browser_navigate", map[string]any{"url": "https://example.com"}),
		cmd("browser_click", nil),
	}, map[string]any{"return_all_results": true}))
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}

	for i, r := range out["results"].([]any) {
		if r == nil {
			t.Errorf("result %d is nil with return_all_results", i)
		}
	}
}

func TestBulk_StopOnErrorPadsArrays(t *testing.T) {
	f := newFixture(t, 1)
	f.runners[0].replies["browser_click"] = func(map[string]any) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: element not found", types.ErrTimeout)
	}

	out, err := f.dispatcher.DispatchBulk(t.Context(), bulkArgs([]any{
		cmd("browser_navigate", map[string]any{"url": "https://example.com"}),
		cmd("browser_click", nil),
		cmd("browser_navigate_back", nil),
	}, nil))
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}

	if out["success"] != false || out["executed_count"] != 2 || out["stopped_at"] != 1 {
		t.Fatalf("envelope = %v", out)
	}
	results := out["results"].([]any)
	errs := out["errors"].([]any)
	if len(results) != 3 || len(errs) != 3 {
		t.Fatalf("arrays not padded: %d/%d", len(results), len(errs))
	}
	if errs[0] != nil || errs[2] != nil {
		t.Errorf("errors = %v", errs)
	}
	failure := errs[1].(map[string]any)
	if failure["kind"] != "timeout" {
		t.Errorf("failure kind = %v", failure["kind"])
	}

	// The third command never ran.
	if got := f.runners[0].callCount(); got != 2 {
		t.Errorf("child calls = %d, want 2", got)
	}
}

func TestBulk_ContinueOnError(t *testing.T) {
	f := newFixture(t, 1)
	f.runners[0].replies["browser_click"] = func(map[string]any) (json.RawMessage, error) {
		return nil, types.ErrTimeout
	}

	out, err := f.dispatcher.DispatchBulk(t.Context(), bulkArgs([]any{
		cmd("browser_click", nil),
		cmd("browser_navigate", map[string]any{"url": "https://example.com"}),
	}, map[string]any{"stop_on_error": false}))
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}

	if out["executed_count"] != 2 || out["stopped_at"] != nil {
		t.Fatalf("envelope = %v", out)
	}
	errs := out["errors"].([]any)
	if errs[0] == nil || errs[1] != nil {
		t.Errorf("errors = %v", errs)
	}
}

func TestBulk_ValidationBeforeLease(t *testing.T) {
	f := newFixture(t, 1)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"empty commands", bulkArgs([]any{}, nil)},
		{"missing commands", map[string]any{}},
		{"command not object", bulkArgs([]any{"browser_click"}, nil)},
		{"missing tool", bulkArgs([]any{map[string]any{"args": map[string]any{}}}, nil)},
		{"missing args", bulkArgs([]any{map[string]any{"tool": "browser_click"}}, nil)},
		{"nested bulk", bulkArgs([]any{cmd(BulkToolName, nil)}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.dispatcher.DispatchBulk(t.Context(), tt.args)
			if !errors.Is(err, types.ErrConfig) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
		})
	}

	if got := totalCalls(f); got != 0 {
		t.Errorf("invalid bulk requests reached a child %d times", got)
	}
}

func TestBulk_PoolAffinity(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.dispatcher.DispatchBulk(t.Context(), bulkArgs([]any{
		cmd("browser_navigate", map[string]any{"url": "https://example.com"}),
	}, map[string]any{"browser_instance": "primary"}))
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}

	if got := f.runners[0].callCount(); got != 1 {
		t.Errorf("aliased child calls = %d, want 1", got)
	}
}
