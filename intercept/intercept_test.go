package intercept

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/pwproxy/blob"
	"github.com/pithecene-io/pwproxy/log"
	"github.com/pithecene-io/pwproxy/types"
)

const testThreshold = 1024

// pngPayload builds a valid-magic PNG blob of exactly n bytes.
func pngPayload(n int) []byte {
	data := make([]byte, n)
	copy(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	for i := 8; i < n; i++ {
		data[i] = byte(i % 251)
	}
	return data
}

func newTestInterceptor(t *testing.T) (*Interceptor, *blob.Store) {
	t.Helper()
	store, err := blob.NewStore(t.TempDir(), 10<<20, time.Hour, log.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return New(store, testThreshold, log.NewNop(), nil), store
}

func TestForcedTool_ScreenshotBlobified(t *testing.T) {
	ic, store := newTestInterceptor(t)

	raw := pngPayload(600 * 1024)
	result := map[string]any{
		"screenshot": base64.StdEncoding.EncodeToString(raw),
		"url":        "https://example.com",
	}

	out := ic.Intercept("browser_take_screenshot", result).(map[string]any)

	ref, ok := out["screenshot"].(string)
	if !ok || !types.IsBlobURI(ref) {
		t.Fatalf("screenshot = %v, want blob URI", out["screenshot"])
	}
	if !strings.HasSuffix(ref, ".png") {
		t.Errorf("ref = %s, want .png extension", ref)
	}
	if got := out["screenshot_size_kb"]; got != int64(600) {
		t.Errorf("size_kb = %v, want 600", got)
	}
	if got := out["screenshot_mime_type"]; got != "image/png" {
		t.Errorf("mime_type = %v", got)
	}
	if _, ok := out["screenshot_expires_at"].(string); !ok {
		t.Errorf("expires_at missing: %v", out["screenshot_expires_at"])
	}
	if out["url"] != "https://example.com" {
		t.Errorf("unrelated field touched: %v", out["url"])
	}

	// Stored bytes round-trip exactly.
	id := types.ParseBlobURI(ref)
	data, _, err := store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(data, raw) {
		t.Fatalf("stored %d bytes, want %d original", len(data), len(raw))
	}
}

func TestThreshold_ExactIsKeptOneOverIsNot(t *testing.T) {
	ic, _ := newTestInterceptor(t)

	at := base64.StdEncoding.EncodeToString(pngPayload(testThreshold))
	over := base64.StdEncoding.EncodeToString(pngPayload(testThreshold + 1))

	result := map[string]any{"at": at, "over": over}
	out := ic.Intercept("browser_navigate", result).(map[string]any)

	if out["at"] != at {
		t.Errorf("field at threshold was intercepted")
	}
	if s, ok := out["over"].(string); !ok || !types.IsBlobURI(s) {
		t.Errorf("field one over threshold was not intercepted: %v", out["over"])
	}
}

func TestDataURI_MimeHonored(t *testing.T) {
	ic, _ := newTestInterceptor(t)

	payload := make([]byte, 2048)
	uri := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(payload)
	out := ic.Intercept("browser_navigate", map[string]any{"doc": uri}).(map[string]any)

	if s, ok := out["doc"].(string); !ok || !types.IsBlobURI(s) {
		t.Fatalf("doc = %v, want blob URI", out["doc"])
	}
	if got := out["doc_mime_type"]; got != "application/pdf" {
		t.Errorf("mime = %v, want application/pdf", got)
	}
}

func TestIdempotent(t *testing.T) {
	ic, _ := newTestInterceptor(t)

	result := map[string]any{
		"screenshot": base64.StdEncoding.EncodeToString(pngPayload(4096)),
	}
	once := ic.Intercept("browser_take_screenshot", result).(map[string]any)
	ref := once["screenshot"]

	twice := ic.Intercept("browser_take_screenshot", once).(map[string]any)
	if twice["screenshot"] != ref {
		t.Errorf("second pass rewrote the reference: %v", twice["screenshot"])
	}
	if len(twice) != len(once) {
		t.Errorf("second pass added fields: %d vs %d", len(twice), len(once))
	}
}

func TestShortAndNonBase64Untouched(t *testing.T) {
	ic, _ := newTestInterceptor(t)

	big := strings.Repeat("the quick brown fox! ", 200)
	result := map[string]any{
		"title":      "Example Domain",
		"screenshot": "shot.png",
		"text":       big,
		"count":      float64(42),
	}
	out := ic.Intercept("browser_take_screenshot", result).(map[string]any)

	if out["title"] != "Example Domain" || out["screenshot"] != "shot.png" {
		t.Errorf("short strings touched: %v", out)
	}
	if out["text"] != big {
		t.Errorf("non-base64 text touched")
	}
	if len(out) != 4 {
		t.Errorf("fields added: %v", out)
	}
}

func TestNestedStructures(t *testing.T) {
	ic, _ := newTestInterceptor(t)

	encoded := base64.StdEncoding.EncodeToString(pngPayload(2048))
	result := map[string]any{
		"pages": []any{
			map[string]any{"image": encoded},
			map[string]any{"image": "tiny"},
		},
	}
	out := ic.Intercept("browser_take_screenshot", result).(map[string]any)

	pages := out["pages"].([]any)
	first := pages[0].(map[string]any)
	if s, ok := first["image"].(string); !ok || !types.IsBlobURI(s) {
		t.Errorf("nested image not intercepted: %v", first["image"])
	}
	second := pages[1].(map[string]any)
	if second["image"] != "tiny" {
		t.Errorf("tiny nested field touched: %v", second["image"])
	}
}

type failingPutter struct{}

func (failingPutter) Put(data []byte, mime string, tags []string) (types.BlobRef, error) {
	return types.BlobRef{}, errors.New("disk full")
}

func TestPutFailure_FieldLeftInline(t *testing.T) {
	ic := New(failingPutter{}, testThreshold, log.NewNop(), nil)

	encoded := base64.StdEncoding.EncodeToString(pngPayload(2048))
	out := ic.Intercept("browser_take_screenshot", map[string]any{"screenshot": encoded}).(map[string]any)

	if out["screenshot"] != encoded {
		t.Errorf("field modified despite put failure: %v", out["screenshot"])
	}
	if _, ok := out["screenshot_size_kb"]; ok {
		t.Error("siblings added despite put failure")
	}
}

func TestTags_CarryToolName(t *testing.T) {
	ic, store := newTestInterceptor(t)

	encoded := base64.StdEncoding.EncodeToString(pngPayload(2048))
	ic.Intercept("browser_pdf_save", map[string]any{"pdf": encoded})

	refs, err := store.List("", []string{"browser_pdf_save"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("blobs tagged with tool = %d, want 1", len(refs))
	}
}
