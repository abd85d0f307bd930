package dispatch

import "encoding/json"

// IdentityProcessor is the fallback SnapshotProcessor used when no ARIA
// engine is wired in. It decodes a JSON array payload into its items,
// or treats the whole payload as a single item. Query and flatten are
// ignored.
type IdentityProcessor struct{}

// Process implements SnapshotProcessor.
func (IdentityProcessor) Process(rawPayload, query string, flatten bool) ([]any, error) {
	var items []any
	if err := json.Unmarshal([]byte(rawPayload), &items); err == nil {
		return items, nil
	}

	var single any
	if err := json.Unmarshal([]byte(rawPayload), &single); err == nil {
		return []any{single}, nil
	}
	return []any{rawPayload}, nil
}

var _ SnapshotProcessor = IdentityProcessor{}
