// Package filecache implements the content-addressed on-disk cache of
// downloaded audio files described in spec §4.2: bounded size, pin-counted
// protection from eviction, creation-time-ascending pruning.
package filecache

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/playola-fm/spin-engine/pkg/types"
)

// FileCache maps remote URLs to local paths, bounded to MaxBytes on disk.
type FileCache struct {
	db       *sql.DB
	cacheDir string
	maxBytes int64
	debug    bool

	mu sync.Mutex
}

// Config configures a FileCache.
type Config struct {
	DatabasePath string
	CacheDir     string
	MaxBytes     int64
	EnableWAL    bool
	Debug        bool
}

// New opens (creating if necessary) the cache database and directory.
// A failure here is fatal to the engine per spec §4.2.
func New(cfg Config) (*FileCache, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=memory",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
	}
	if cfg.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute pragma %s: %w", p, err)
		}
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 50 * 1024 * 1024
	}

	fc := &FileCache{
		db:       db,
		cacheDir: cfg.CacheDir,
		maxBytes: maxBytes,
		debug:    cfg.Debug,
	}

	if err := fc.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run cache migrations: %w", err)
	}

	return fc, nil
}

// LocalPathFor is a pure, deterministic mapping from a remote URL to the
// path it will occupy in the cache, whether or not it has been downloaded
// yet. The filename embeds a hash of the full URL (for uniqueness) and the
// URL's last path segment (for readability, per spec §4.2).
func (c *FileCache) LocalPathFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	hash := fmt.Sprintf("%x", sum)[:16]

	segment := filepath.Base(url)
	if segment == "." || segment == "/" || segment == "" {
		segment = "file"
	}

	return filepath.Join(c.cacheDir, hash+"-"+sanitizeFilename(segment))
}

func sanitizeFilename(name string) string {
	replacer := func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		default:
			return r
		}
	}
	out := make([]rune, 0, len(name))
	for _, r := range name {
		out = append(out, replacer(r))
	}
	if len(out) > 120 {
		out = out[:120]
	}
	return string(out)
}

// Exists reports whether url has a cached file on disk right now.
func (c *FileCache) Exists(url string) bool {
	path, err := c.lookup(url)
	if err != nil || path == "" {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

func (c *FileCache) lookup(url string) (string, error) {
	var path string
	err := c.db.QueryRow("SELECT local_path FROM cache_entries WHERE url = ?", url).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return path, err
}

// Put registers a file that has already been written to LocalPathFor(url)
// (typically by the downloader, atomically renamed into place) as a cache
// entry, returning the local path.
func (c *FileCache) Put(url string) (string, error) {
	path := c.LocalPathFor(url)

	stat, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat cached file: %w", err)
	}

	key := filepath.Base(path)
	_, err = c.db.Exec(`
		INSERT INTO cache_entries (key, url, local_path, size, pin_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(url) DO UPDATE SET local_path=excluded.local_path, size=excluded.size
	`, key, url, path, stat.Size(), time.Now())
	if err != nil {
		return "", fmt.Errorf("record cache entry: %w", err)
	}

	return path, nil
}

// Pin increments the reference count protecting url's file from eviction.
func (c *FileCache) Pin(url string) {
	if _, err := c.db.Exec("UPDATE cache_entries SET pin_count = pin_count + 1 WHERE url = ?", url); err != nil {
		c.debugLog("pin %s: %v", url, err)
	}
}

// Unpin decrements the reference count. It never goes below zero.
func (c *FileCache) Unpin(url string) {
	if _, err := c.db.Exec("UPDATE cache_entries SET pin_count = MAX(pin_count - 1, 0) WHERE url = ?", url); err != nil {
		c.debugLog("unpin %s: %v", url, err)
	}
}

type entry struct {
	url       string
	localPath string
	size      int64
	pinCount  int
	createdAt time.Time
}

// Prune deletes least-recently-created, unpinned, non-excluded files until
// total cached bytes <= targetBytes or nothing evictable remains.
// Filesystem errors during prune are logged and swallowed; the cache is a
// soft bound (spec §4.2).
func (c *FileCache) Prune(targetBytes int64, excluded map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, total, err := c.loadEntries()
	if err != nil {
		c.debugLog("prune: load entries: %v", err)
		return
	}

	// Creation time ascending; ties broken by local path for determinism
	// (spec §9 open question: stable deterministic secondary key).
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].localPath < entries[j].localPath
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})

	for _, e := range entries {
		if total <= targetBytes {
			break
		}
		if e.pinCount > 0 {
			continue
		}
		if _, skip := excluded[e.localPath]; skip {
			continue
		}

		if err := os.Remove(e.localPath); err != nil && !os.IsNotExist(err) {
			c.debugLog("prune: remove %s: %v", e.localPath, err)
			continue
		}
		if _, err := c.db.Exec("DELETE FROM cache_entries WHERE url = ?", e.url); err != nil {
			c.debugLog("prune: delete row %s: %v", e.url, err)
			continue
		}
		total -= e.size
	}
}

func (c *FileCache) loadEntries() ([]entry, int64, error) {
	rows, err := c.db.Query("SELECT url, local_path, size, pin_count, created_at FROM cache_entries")
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Printf("[FILECACHE] failed to close rows: %v", closeErr)
		}
	}()

	var entries []entry
	var total int64
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.url, &e.localPath, &e.size, &e.pinCount, &e.createdAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
		total += e.size
	}
	return entries, total, rows.Err()
}

// Clear removes all non-pinned files from the cache.
func (c *FileCache) Clear() {
	c.Prune(0, nil)
}

// TotalBytes reports the sum of all tracked entry sizes.
func (c *FileCache) TotalBytes() int64 {
	_, total, err := c.loadEntries()
	if err != nil {
		c.debugLog("total bytes: %v", err)
		return 0
	}
	return total
}

// MaxBytes returns the configured cache bound.
func (c *FileCache) MaxBytes() int64 { return c.maxBytes }

// EnsureRoom prunes the cache (excluding paths in use) so that adding
// incomingBytes keeps the cache within MaxBytes, then returns.
func (c *FileCache) EnsureRoom(incomingBytes int64, excluded map[string]struct{}) {
	target := c.maxBytes - incomingBytes
	if target < 0 {
		target = 0
	}
	c.Prune(target, excluded)
}

// Entries returns a snapshot of all cache rows, used by diagnostics/tests.
func (c *FileCache) Entries() ([]types.CacheEntry, error) {
	rows, err := c.db.Query("SELECT key, url, local_path, size, pin_count, created_at FROM cache_entries")
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Printf("[FILECACHE] failed to close rows: %v", closeErr)
		}
	}()

	var out []types.CacheEntry
	for rows.Next() {
		var e types.CacheEntry
		if err := rows.Scan(&e.Key, &e.URL, &e.LocalPath, &e.Size, &e.PinCount, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *FileCache) debugLog(format string, args ...interface{}) {
	if c.debug {
		log.Printf("[FILECACHE] "+format, args...)
	}
}

// Close releases the underlying database handle.
func (c *FileCache) Close() error {
	return c.db.Close()
}
