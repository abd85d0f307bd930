package types

import (
	"fmt"
	"strings"
	"time"
)

// BlobScheme is the URI scheme for blob references.
const BlobScheme = "blob://"

// BlobRef identifies a stored blob in place of raw bytes.
// The ID encodes a 10-digit wall-clock timestamp and a 12-hex-character
// content digest: <ts>-<hex12>.
type BlobRef struct {
	ID        string    `json:"blob_id"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// String renders the reference as blob://<id>.<ext>.
func (r BlobRef) String() string {
	return fmt.Sprintf("%s%s.%s", BlobScheme, r.ID, ExtForMime(r.MimeType))
}

// IsBlobURI reports whether s is a rendered blob reference.
func IsBlobURI(s string) bool {
	return strings.HasPrefix(s, BlobScheme)
}

// ParseBlobURI extracts the blob id from a blob:// string.
// Returns empty string when s is not a blob reference.
func ParseBlobURI(s string) string {
	if !IsBlobURI(s) {
		return ""
	}
	name := strings.TrimPrefix(s, BlobScheme)
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i]
	}
	return name
}

// mimeExts maps mime types to on-disk file extensions.
// Unknown types fall back to "bin".
var mimeExts = map[string]string{
	"image/png":        "png",
	"image/jpeg":       "jpg",
	"image/gif":        "gif",
	"image/webp":       "webp",
	"application/pdf":  "pdf",
	"application/json": "json",
	"text/plain":       "txt",
	"text/html":        "html",
	"video/webm":       "webm",
}

// ExtForMime returns the file extension for a mime type.
func ExtForMime(mime string) string {
	if ext, ok := mimeExts[strings.ToLower(mime)]; ok {
		return ext
	}
	return "bin"
}
