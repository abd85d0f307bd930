// Package blob implements the content-addressed on-disk blob store.
// Binary tool payloads land here and are returned to callers as
// blob:// references instead of inline base64.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/pwproxy/log"
	"github.com/pithecene-io/pwproxy/types"
)

// Meta is the JSON sidecar stored next to each blob file.
type Meta struct {
	CreatedAt time.Time `json:"created_at"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	ExpiresAt time.Time `json:"expires_at"`
	Tags      []string  `json:"tags,omitempty"`
}

const metaSuffix = ".meta"

// Store is the on-disk blob store. One file per blob named
// <blobId>.<ext> plus a <blobId>.<ext>.meta sidecar. No index file;
// the directory listing is authoritative.
type Store struct {
	root     string
	maxBytes int64
	ttl      time.Duration
	logger   *log.Logger
	archiver Archiver

	mu      sync.Mutex
	counter uint64

	// test seam
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithArchiver mirrors every stored blob to an external archive
// asynchronously. Archive failures are logged, never surfaced.
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// WithClock overrides the wall clock. Test use.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a blob store rooted at root, creating the directory
// if needed.
func NewStore(root string, maxBytes int64, ttl time.Duration, logger *log.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %q: %w", root, err)
	}
	s := &Store{
		root:     root,
		maxBytes: maxBytes,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put stores data atomically and returns its reference. Identical
// payloads stored at different times yield different ids; clock-equal
// collisions are broken by a process-monotonic counter folded into the
// digest input.
func (s *Store) Put(data []byte, mime string, tags []string) (types.BlobRef, error) {
	if int64(len(data)) > s.maxBytes {
		return types.BlobRef{}, fmt.Errorf("%w: %d bytes exceeds cap of %d",
			types.ErrTooLarge, len(data), s.maxBytes)
	}

	now := s.now()
	id := s.newID(data, now)
	ext := types.ExtForMime(mime)
	dataPath := filepath.Join(s.root, id+"."+ext)
	metaPath := dataPath + metaSuffix

	meta := Meta{
		CreatedAt: now,
		MimeType:  mime,
		SizeBytes: int64(len(data)),
		ExpiresAt: now.Add(s.ttl),
		Tags:      tags,
	}

	if err := writeAtomic(s.root, dataPath, data); err != nil {
		return types.BlobRef{}, fmt.Errorf("write blob %s: %w", id, err)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("encode blob meta %s: %w", id, err)
	}
	if err := writeAtomic(s.root, metaPath, metaBytes); err != nil {
		os.Remove(dataPath)
		return types.BlobRef{}, fmt.Errorf("write blob meta %s: %w", id, err)
	}

	ref := types.BlobRef{
		ID:        id,
		MimeType:  mime,
		SizeBytes: meta.SizeBytes,
		ExpiresAt: meta.ExpiresAt,
	}

	if s.archiver != nil {
		go s.archive(id+"."+ext, data, mime)
	}

	s.logger.Debug("blob stored", map[string]any{
		"blob_id": id, "mime": mime, "size_bytes": len(data),
	})
	return ref, nil
}

// newID builds a blobId: 10-digit unix timestamp plus 12 hex chars of
// a content digest.
func (s *Store) newID(data []byte, now time.Time) string {
	s.mu.Lock()
	s.counter++
	n := s.counter
	s.mu.Unlock()

	h := sha256.New()
	h.Write(data)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	h.Write(buf[:])
	digest := hex.EncodeToString(h.Sum(nil))[:12]
	return fmt.Sprintf("%010d-%s", now.Unix(), digest)
}

// writeAtomic writes via an unused temp name and renames into place.
func writeAtomic(dir, dst string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Get returns the bytes and metadata for a blob. An expired blob that
// the sweeper has not reached yet is still served.
func (s *Store) Get(blobID string) ([]byte, Meta, error) {
	metaPath, err := s.findMeta(blobID)
	if err != nil {
		return nil, Meta{}, err
	}

	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("%w: blob %s", types.ErrNotFound, blobID)
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, Meta{}, fmt.Errorf("corrupt blob meta %s: %w", blobID, err)
	}

	data, err := os.ReadFile(strings.TrimSuffix(metaPath, metaSuffix))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("%w: blob %s", types.ErrNotFound, blobID)
	}
	return data, meta, nil
}

// findMeta locates the sidecar for a blobId by directory scan; the ext
// is not part of the id.
func (s *Store) findMeta(blobID string) (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("read blob root: %w", err)
	}
	prefix := blobID + "."
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, metaSuffix) {
			return filepath.Join(s.root, name), nil
		}
	}
	return "", fmt.Errorf("%w: blob %s", types.ErrNotFound, blobID)
}

// List enumerates surviving blobs, optionally filtered by id prefix
// and required tags. Ordering is unspecified.
func (s *Store) List(prefix string, tags []string) ([]types.BlobRef, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read blob root: %w", err)
	}

	var refs []types.BlobRef
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		id := idFromMetaName(name)
		if prefix != "" && !strings.HasPrefix(id, prefix) {
			continue
		}

		metaBytes, err := os.ReadFile(filepath.Join(s.root, name))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			continue
		}
		if !hasAllTags(meta.Tags, tags) {
			continue
		}
		refs = append(refs, types.BlobRef{
			ID:        id,
			MimeType:  meta.MimeType,
			SizeBytes: meta.SizeBytes,
			ExpiresAt: meta.ExpiresAt,
		})
	}
	return refs, nil
}

func idFromMetaName(name string) string {
	base := strings.TrimSuffix(name, metaSuffix)
	if i := strings.LastIndex(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Delete removes a blob and its sidecar. Returns true if anything was
// removed; deleting an absent blob is not an error.
func (s *Store) Delete(blobID string) bool {
	metaPath, err := s.findMeta(blobID)
	if err != nil {
		return false
	}
	removed := os.Remove(strings.TrimSuffix(metaPath, metaSuffix)) == nil
	if os.Remove(metaPath) == nil {
		removed = true
	}
	return removed
}

// SweepExpired removes every record whose expiresAt has passed, plus
// orphan data files without a sidecar once they outlive the TTL.
// Returns the number of blobs removed.
func (s *Store) SweepExpired() int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Error("blob sweep failed", map[string]any{"error": err.Error()})
		return 0
	}

	now := s.now()
	removed := 0
	sidecars := map[string]bool{}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), metaSuffix) {
			sidecars[strings.TrimSuffix(e.Name(), metaSuffix)] = true
		}
	}

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".tmp-") {
			continue
		}

		if strings.HasSuffix(name, metaSuffix) {
			metaBytes, err := os.ReadFile(filepath.Join(s.root, name))
			if err != nil {
				continue
			}
			var meta Meta
			if err := json.Unmarshal(metaBytes, &meta); err != nil {
				continue
			}
			if meta.ExpiresAt.Before(now) {
				os.Remove(filepath.Join(s.root, strings.TrimSuffix(name, metaSuffix)))
				os.Remove(filepath.Join(s.root, name))
				removed++
			}
			continue
		}

		// Orphan data file: no sidecar. Tolerated until it outlives
		// the TTL by modification time.
		if !sidecars[name] {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > s.ttl {
				os.Remove(filepath.Join(s.root, name))
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Info("blob sweep completed", map[string]any{"removed": removed})
	}
	return removed
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

func (s *Store) archive(key string, data []byte, mime string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.archiver.Archive(ctx, key, data, mime); err != nil {
		s.logger.Warn("blob archive failed", map[string]any{
			"key": key, "error": err.Error(),
		})
	}
}
