package climate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"agrosentinel/internal/types"
)

// CacheKey builds the canonical exact-match cache key for a fetch request.
// Parameter order does not affect the key.
func CacheKey(locationID string, window types.TimeRange, params []string) string {
	sorted := append([]string(nil), params...)
	sort.Strings(sorted)
	return fmt.Sprintf("%s|%d|%d|%s",
		locationID,
		window.Start.UTC().Unix(),
		window.End.UTC().Unix(),
		strings.Join(sorted, ","),
	)
}

// cacheEntry is the stored unit: the records plus the time they were cached.
type cacheEntry struct {
	Records  []types.ClimateRecord `json:"records"`
	CachedAt time.Time             `json:"cached_at"`
}

// Cache is the two-tier (memory + optional disk) store for fetched climate
// records. Entries expire after the TTL but are invalidated lazily: an
// expired entry stays on disk until the next access refetches it. Cached
// records are immutable; a hit returns a copy of the slice header only.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	ttl   time.Duration
	dir   string // empty disables the disk tier
	clock types.Clock
}

// NewCache creates a cache with the given TTL. dir, when non-empty, enables
// the on-disk tier (gzip-compressed JSON, one file per key); the directory
// is created on first write.
func NewCache(ttl time.Duration, dir string, clock types.Clock) *Cache {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		dir:     dir,
		clock:   clock,
	}
}

// Get returns the cached records for the key if present and fresh.
// The second return reports a usable hit; expired or absent entries miss.
func (c *Cache) Get(key string) ([]types.ClimateRecord, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok && c.dir != "" {
		var err error
		entry, err = c.readDisk(key)
		if err != nil {
			return nil, false
		}
		ok = true
		// Promote to the memory tier even if expired; Get below rejects it
		// but the next Put overwrites in place.
		c.mu.Lock()
		c.entries[key] = entry
		c.mu.Unlock()
	}

	if !ok {
		return nil, false
	}
	if c.clock.Now().Sub(entry.CachedAt) > c.ttl {
		return nil, false
	}
	return entry.Records, true
}

// Put stores records under the key, stamping them with the current time.
func (c *Cache) Put(key string, records []types.ClimateRecord) error {
	entry := cacheEntry{Records: records, CachedAt: c.clock.Now()}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	if c.dir == "" {
		return nil
	}
	return c.writeDisk(key, entry)
}

// diskPath maps a cache key to its file path. Keys contain characters that
// are unsafe in filenames, so the key is hashed.
func (c *Cache) diskPath(key string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%08x.json.gz", fnvHash(key)))
}

func fnvHash(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// writeDisk persists an entry as gzip-compressed JSON. Written via a temp
// file and rename so a crash mid-write never leaves a torn entry.
func (c *Cache) writeDisk(key string, entry cacheEntry) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("climate cache: creating cache dir: %w", err)
	}

	path := c.diskPath(key)
	tmp, err := os.CreateTemp(c.dir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("climate cache: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if err := json.NewEncoder(zw).Encode(entry); err != nil {
		tmp.Close()
		return fmt.Errorf("climate cache: encoding entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("climate cache: closing gzip writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("climate cache: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("climate cache: committing entry: %w", err)
	}
	return nil
}

// readDisk loads an entry from the disk tier.
func (c *Cache) readDisk(key string) (cacheEntry, error) {
	f, err := os.Open(c.diskPath(key))
	if err != nil {
		return cacheEntry{}, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("climate cache: opening gzip reader: %w", err)
	}
	defer zr.Close()

	var entry cacheEntry
	if err := json.NewDecoder(zr).Decode(&entry); err != nil {
		return cacheEntry{}, fmt.Errorf("climate cache: decoding entry: %w", err)
	}
	return entry, nil
}
