// Package intercept rewrites oversize binary payloads in tool results
// into blob references before they reach the caller.
//
// Detection heuristic, in order: a data:<mime>;base64, URI; a known
// binary field name on a forced-intercept tool; any string whose
// base64-decoded size would exceed the threshold and whose characters
// fit the base64 alphabet. False positives are possible and accepted;
// a string that fails to decode is never touched.
package intercept

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/pithecene-io/pwproxy/log"
	"github.com/pithecene-io/pwproxy/metrics"
	"github.com/pithecene-io/pwproxy/types"
)

// Putter is the blob store surface the interceptor needs.
type Putter interface {
	Put(data []byte, mime string, tags []string) (types.BlobRef, error)
}

// forcedTools always get a field-name scan, not only a size scan.
var forcedTools = map[string]bool{
	"browser_take_screenshot": true,
	"browser_screenshot":      true,
	"browser_pdf":             true,
	"browser_pdf_save":        true,
	"browser_save_as_pdf":     true,
}

// binaryKeys are field names that suggest binary content on forced
// tools.
var binaryKeys = map[string]bool{
	"screenshot": true,
	"pdf":        true,
	"image":      true,
	"data":       true,
	"bytes":      true,
	"file":       true,
}

// Interceptor replaces oversize binary strings with blob references.
// Idempotent: a result that has already been intercepted passes through
// unchanged.
type Interceptor struct {
	store     Putter
	threshold int
	logger    *log.Logger
	metrics   *metrics.Collector
}

// New creates an interceptor. Strings whose decoded size is strictly
// greater than thresholdBytes are externalized.
func New(store Putter, thresholdBytes int, logger *log.Logger, collector *metrics.Collector) *Interceptor {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Interceptor{
		store:     store,
		threshold: thresholdBytes,
		logger:    logger,
		metrics:   collector,
	}
}

// Intercept walks the decoded JSON result of one tool call and rewrites
// matching string fields in place. Sibling fields <X>_size_kb,
// <X>_mime_type and <X>_expires_at are added next to each rewritten
// field X. Errors are logged and leave the field unmodified; the call
// never fails.
func (i *Interceptor) Intercept(toolName string, result any) any {
	forced := forcedTools[toolName]
	return i.walk(toolName, forced, result)
}

func (i *Interceptor) walk(toolName string, forced bool, node any) any {
	switch v := node.(type) {
	case map[string]any:
		i.walkMap(toolName, forced, v)
		return v
	case []any:
		for idx, item := range v {
			v[idx] = i.walk(toolName, forced, item)
		}
		return v
	default:
		return node
	}
}

func (i *Interceptor) walkMap(toolName string, forced bool, m map[string]any) {
	// Siblings are collected first; inserting while ranging is undefined.
	siblings := map[string]any{}

	for key, val := range m {
		s, ok := val.(string)
		if !ok {
			m[key] = i.walk(toolName, forced, val)
			continue
		}
		if types.IsBlobURI(s) {
			continue
		}

		data, mime, ok := i.extract(forced, key, s)
		if !ok {
			continue
		}
		if len(data) <= i.threshold {
			continue
		}

		ref, err := i.store.Put(data, mime, []string{toolName})
		if err != nil {
			i.logger.Warn("binary interception failed, field left inline", map[string]any{
				"tool": toolName, "field": key, "size_bytes": len(data), "error": err.Error(),
			})
			continue
		}
		i.metrics.IncBlobPuts(int64(len(data)))

		m[key] = ref.String()
		siblings[key+"_size_kb"] = int64(len(data)) / 1024
		siblings[key+"_mime_type"] = mime
		siblings[key+"_expires_at"] = ref.ExpiresAt.UTC().Format(time.RFC3339)

		i.logger.Debug("binary field externalized", map[string]any{
			"tool": toolName, "field": key, "blob_id": ref.ID, "size_bytes": len(data),
		})
	}

	for k, v := range siblings {
		m[k] = v
	}
}

// extract decides whether s is a binary candidate and decodes it.
// Returns the raw bytes and detected mime type.
func (i *Interceptor) extract(forced bool, key, s string) ([]byte, string, bool) {
	if mime, payload, ok := splitDataURI(s); ok {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", false
		}
		return data, mime, true
	}

	candidate := looksBase64(s)
	if forced {
		candidate = candidate || binaryKeys[strings.ToLower(key)]
	}
	if !candidate {
		return nil, "", false
	}

	// Cheap pre-check: a string too short to decode past the threshold
	// is never decoded at all.
	if base64.StdEncoding.DecodedLen(len(s)) <= i.threshold {
		return nil, "", false
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", false
	}
	return data, sniffMime(data), true
}

// splitDataURI parses data:<mime>;base64,<payload>.
func splitDataURI(s string) (mime, payload string, ok bool) {
	rest, found := strings.CutPrefix(s, "data:")
	if !found {
		return "", "", false
	}
	head, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(head, ";base64") {
		return "", "", false
	}
	mime = strings.TrimSuffix(head, ";base64")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return mime, payload, true
}

// looksBase64 reports whether every character of s fits the standard
// base64 alphabet and the length is a multiple of four.
func looksBase64(s string) bool {
	if len(s) == 0 || len(s)%4 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/':
		case c == '=' && i >= len(s)-2:
		default:
			return false
		}
	}
	return true
}

// sniffMime detects the mime type of decoded bytes. PDF gets special
// handling because http.DetectContentType does not know it.
func sniffMime(data []byte) string {
	if len(data) >= 4 && string(data[:4]) == "%PDF" {
		return "application/pdf"
	}
	mime := http.DetectContentType(data)
	if i := strings.Index(mime, ";"); i > 0 {
		mime = mime[:i]
	}
	return mime
}
