package dispatch

import (
	"context"
	"fmt"

	"github.com/pithecene-io/pwproxy/types"
)

// BulkCommand is one sub-command of a bulk execution.
type BulkCommand struct {
	Tool         string
	Args         map[string]any
	ReturnResult bool
}

// BulkRequest is a validated browser_execute_bulk invocation.
type BulkRequest struct {
	Commands         []BulkCommand
	StopOnError      bool
	ReturnAllResults bool
	PoolName         string
	InstanceKey      string
}

// ParseBulkArgs extracts and validates a bulk request from raw tool
// arguments. Structural problems are reported before any lease is
// taken.
func ParseBulkArgs(args map[string]any) (BulkRequest, error) {
	req := BulkRequest{
		StopOnError:      true,
		PoolName:         popString(args, "browser_pool"),
		InstanceKey:      popString(args, "browser_instance"),
		ReturnAllResults: popBool(args, "return_all_results"),
	}
	if v, ok := args["stop_on_error"]; ok {
		delete(args, "stop_on_error")
		if b, ok := v.(bool); ok {
			req.StopOnError = b
		}
	}

	rawCmds, ok := args["commands"].([]any)
	if !ok || len(rawCmds) == 0 {
		return req, fmt.Errorf("%w: commands array cannot be empty", types.ErrConfig)
	}

	for idx, rc := range rawCmds {
		m, ok := rc.(map[string]any)
		if !ok {
			return req, fmt.Errorf("%w: command at index %d is not an object", types.ErrConfig, idx)
		}
		tool, _ := m["tool"].(string)
		if tool == "" {
			return req, fmt.Errorf("%w: command at index %d missing required 'tool' field", types.ErrConfig, idx)
		}
		if tool == BulkToolName {
			return req, fmt.Errorf("%w: command at index %d: bulk execution cannot nest", types.ErrConfig, idx)
		}
		rawArgs, ok := m["args"]
		if !ok {
			return req, fmt.Errorf("%w: command at index %d missing required 'args' field", types.ErrConfig, idx)
		}
		cmdArgs, ok := rawArgs.(map[string]any)
		if !ok {
			return req, fmt.Errorf("%w: command at index %d 'args' is not an object", types.ErrConfig, idx)
		}

		ret, _ := m["return_result"].(bool)
		req.Commands = append(req.Commands, BulkCommand{
			Tool:         tool,
			Args:         cmdArgs,
			ReturnResult: ret || req.ReturnAllResults,
		})
	}
	return req, nil
}

// DispatchBulk executes a command list sequentially on one child under
// a single lease. Per-command failures populate errors[] as the usual
// failure shape; results[] and errors[] are padded to the full command
// count when execution stops early.
func (d *Dispatcher) DispatchBulk(ctx context.Context, args map[string]any) (map[string]any, error) {
	d.metrics.IncBulkExecutions()

	req, err := ParseBulkArgs(args)
	if err != nil {
		return nil, err
	}

	p, hint, err := d.registry.Resolve(req.PoolName, req.InstanceKey)
	if err != nil {
		return nil, err
	}
	child, release, err := p.Lease(ctx, hint)
	if err != nil {
		return nil, err
	}
	defer release()

	total := len(req.Commands)
	results := make([]any, 0, total)
	errs := make([]any, 0, total)
	executed := 0
	var stoppedAt any

	for idx, cmd := range req.Commands {
		opts, err := parseOptions(cmd.Args)
		var result any
		if err == nil {
			result, err = d.execute(ctx, child, cmd.Tool, cmd.Args, opts)
		}
		executed++

		if err != nil {
			results = append(results, nil)
			errs = append(errs, map[string]any{
				"kind":    types.ErrorKind(err),
				"message": err.Error(),
			})
			d.logger.Warn("bulk command failed", map[string]any{
				"index": idx, "tool": cmd.Tool, "error": err.Error(),
			})
			if req.StopOnError {
				stoppedAt = idx
				break
			}
			continue
		}

		if cmd.ReturnResult {
			results = append(results, result)
		} else {
			results = append(results, nil)
		}
		errs = append(errs, nil)
	}

	for len(results) < total {
		results = append(results, nil)
		errs = append(errs, nil)
	}

	success := true
	for _, e := range errs {
		if e != nil {
			success = false
			break
		}
	}

	return map[string]any{
		"success":        success,
		"executed_count": executed,
		"total_count":    total,
		"results":        results,
		"errors":         errs,
		"stopped_at":     stoppedAt,
	}, nil
}
