package cache

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

const diskEntrySuffix = ".cache"

// diskHeader is the first line of every L2 entry file; the payload bytes
// follow the newline. A file whose header fails to parse is treated as
// corrupt and removed, never surfaced; a torn write costs one cache entry,
// not the process.
type diskHeader struct {
	Fingerprint      string `json:"fingerprint"`
	TierTag          string `json:"tier_tag"`
	CreatedAtEpochMs int64  `json:"created_at_epoch_ms"`
	TTLMs            int64  `json:"ttl_ms"`
	SizeBytes        int64  `json:"size_bytes"`
	Compressed       bool   `json:"compressed"`
}

// DiskTier is the L2 cache: one file per entry under a directory, bounded
// by total payload bytes, compressed on write when enabled.
type DiskTier struct {
	mu sync.Mutex

	dir      string
	maxBytes int64
	compress bool

	bytes   int64
	entries int64

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errs   atomic.Int64
}

// DiskTierConfig holds configuration for the L2 tier.
type DiskTierConfig struct {
	Dir         string
	MaxBytes    int64
	Compression bool
}

// NewDiskTier opens (creating if needed) the cache directory and scans the
// resident entries so the byte bound holds across restarts.
func NewDiskTier(cfg DiskTierConfig) (*DiskTier, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 256 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	t := &DiskTier{dir: cfg.Dir, maxBytes: cfg.MaxBytes, compress: cfg.Compression}
	t.scan()
	return t, nil
}

// scan walks the directory totaling resident payload bytes; unreadable or
// corrupt files are deleted on sight.
func (t *DiskTier) scan() {
	items, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), diskEntrySuffix) {
			continue
		}
		path := filepath.Join(t.dir, item.Name())
		hdr, err := t.readHeader(path)
		if err != nil {
			_ = os.Remove(path)
			continue
		}
		t.bytes += hdr.SizeBytes
		t.entries++
	}
}

func (t *DiskTier) path(key string) string {
	return filepath.Join(t.dir, key+diskEntrySuffix)
}

func (t *DiskTier) readHeader(path string) (diskHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return diskHeader{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return diskHeader{}, err
	}
	var hdr diskHeader
	if err := json.Unmarshal(bytes.TrimSpace(line), &hdr); err != nil {
		return diskHeader{}, err
	}
	return hdr, nil
}

// Get reads key's entry, honoring TTL at read time: an expired file is
// deleted and reported as a miss even if the sweep has not reached it.
func (t *DiskTier) Get(ctx context.Context, key string) ([]byte, error) {
	path := t.path(key)

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.errs.Add(1)
		}
		t.misses.Add(1)
		return nil, nil
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.removeCorrupt(path)
		t.misses.Add(1)
		return nil, nil
	}
	var hdr diskHeader
	if err := json.Unmarshal(bytes.TrimSpace(line), &hdr); err != nil {
		t.removeCorrupt(path)
		t.misses.Add(1)
		return nil, nil
	}

	if hdr.TTLMs > 0 {
		expiry := time.UnixMilli(hdr.CreatedAtEpochMs).Add(time.Duration(hdr.TTLMs) * time.Millisecond)
		if time.Now().After(expiry) {
			t.remove(key, hdr.SizeBytes)
			t.misses.Add(1)
			return nil, nil
		}
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		t.removeCorrupt(path)
		t.misses.Add(1)
		return nil, nil
	}
	if hdr.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			t.removeCorrupt(path)
			t.misses.Add(1)
			return nil, nil
		}
		payload, err = io.ReadAll(gz)
		_ = gz.Close()
		if err != nil {
			t.removeCorrupt(path)
			t.misses.Add(1)
			return nil, nil
		}
	}

	t.hits.Add(1)
	return payload, nil
}

// Set writes the entry atomically (temp file + rename) so a crash mid-write
// leaves either the old entry or a temp file the scan discards, never a
// half-written record. Oldest entries are evicted until the byte bound holds.
func (t *DiskTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	payload := value
	compressed := false
	if t.compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(value); err == nil && gz.Close() == nil {
			payload = buf.Bytes()
			compressed = true
		}
	}

	hdr := diskHeader{
		Fingerprint:      key,
		TierTag:          "l2_disk",
		CreatedAtEpochMs: time.Now().UnixMilli(),
		TTLMs:            ttl.Milliseconds(),
		SizeBytes:        int64(len(payload)),
		Compressed:       compressed,
	}
	headerLine, err := json.Marshal(hdr)
	if err != nil {
		t.errs.Add(1)
		return err
	}

	tmp, err := os.CreateTemp(t.dir, "entry-*.tmp")
	if err != nil {
		t.errs.Add(1)
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(append(headerLine, '\n'))
	if werr == nil {
		_, werr = tmp.Write(payload)
	}
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		t.errs.Add(1)
		if werr != nil {
			return werr
		}
		return cerr
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, err := t.readHeader(t.path(key)); err == nil {
		t.bytes -= old.SizeBytes
		t.entries--
	}
	if err := os.Rename(tmpName, t.path(key)); err != nil {
		_ = os.Remove(tmpName)
		t.errs.Add(1)
		return err
	}
	t.bytes += hdr.SizeBytes
	t.entries++
	t.sets.Add(1)

	t.evictOverflowLocked()
	return nil
}

// evictOverflowLocked removes oldest entries until the byte bound holds.
func (t *DiskTier) evictOverflowLocked() {
	if t.bytes <= t.maxBytes {
		return
	}
	items, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	type aged struct {
		key     string
		created int64
		size    int64
	}
	var all []aged
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), diskEntrySuffix) {
			continue
		}
		hdr, err := t.readHeader(filepath.Join(t.dir, item.Name()))
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(item.Name(), diskEntrySuffix)
		all = append(all, aged{key: key, created: hdr.CreatedAtEpochMs, size: hdr.SizeBytes})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].created < all[j].created })
	for _, a := range all {
		if t.bytes <= t.maxBytes {
			break
		}
		if err := os.Remove(t.path(a.key)); err == nil {
			t.bytes -= a.size
			t.entries--
		}
	}
}

// Delete removes key's entry.
func (t *DiskTier) Delete(ctx context.Context, key string) error {
	hdr, err := t.readHeader(t.path(key))
	if err != nil {
		return nil
	}
	t.remove(key, hdr.SizeBytes)
	return nil
}

func (t *DiskTier) remove(key string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Remove(t.path(key)); err == nil {
		t.bytes -= size
		t.entries--
	}
}

func (t *DiskTier) removeCorrupt(path string) {
	t.errs.Add(1)
	_ = os.Remove(path)
}

// Flush synchronously removes every entry; used on shutdown when the
// configuration asks for a clean cache directory. The default shutdown
// path keeps L2 so warm entries survive a restart.
func (t *DiskTier) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	items, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	for _, item := range items {
		if strings.HasSuffix(item.Name(), diskEntrySuffix) {
			_ = os.Remove(filepath.Join(t.dir, item.Name()))
		}
	}
	t.bytes = 0
	t.entries = 0
}

// Close is a no-op; file handles are per-operation.
func (t *DiskTier) Close() error { return nil }

// Stats returns tier counters.
func (t *DiskTier) Stats() TierStats {
	t.mu.Lock()
	entries := t.entries
	bytes := t.bytes
	t.mu.Unlock()
	return TierStats{
		Hits:    t.hits.Load(),
		Misses:  t.misses.Load(),
		Sets:    t.sets.Load(),
		Errors:  t.errs.Load(),
		Entries: entries,
		Bytes:   bytes,
	}
}
