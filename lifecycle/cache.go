package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"toolagent/logger"
)

// CacheKey derives a deterministic fingerprint for a tool request. The key
// is a SHA-256 over the tool id plus the canonical JSON encoding of the
// params (encoding/json sorts map keys, so equal params always produce
// equal bytes within a process and across runs).
//
// Params with unserializable values (channels, funcs) yield the empty key:
// such requests are never cached, so two distinct unserializable param sets
// can never serve each other's results.
func CacheKey(toolID string, params map[string]interface{}) string {
	payload := struct {
		ToolID string                 `json:"tool_id"`
		Params map[string]interface{} `json:"params"`
	}{
		ToolID: toolID,
		Params: params,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// cacheEntry pairs a result with the time it was stored.
type cacheEntry struct {
	Result   *Result   `json:"result"`
	ToolID   string    `json:"tool_id"`
	CachedAt time.Time `json:"cached_at"`
}

// ResultCache is a content-addressed cache with lazy TTL expiry: expired
// entries are treated as absent on read and physically removed only when
// overwritten or on Clear.
//
// Optionally persists entries as one JSON file per key under dir, reloading
// fresh entries at construction. Owned exclusively by one Manager.
type ResultCache struct {
	ttl     time.Duration
	entries map[string]cacheEntry
	dir     string // empty means in-memory only
	logger  logger.Logger
}

// NewResultCache creates an in-memory result cache with the given TTL.
func NewResultCache(ttl time.Duration, log logger.Logger) *ResultCache {
	if log == nil {
		log = logger.NewNoop()
	}
	return &ResultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		logger:  log,
	}
}

// NewPersistentResultCache creates a result cache backed by dir. Existing
// non-expired entries are loaded; corrupt or stale files are skipped.
func NewPersistentResultCache(ttl time.Duration, dir string, log logger.Logger) (*ResultCache, error) {
	c := NewResultCache(ttl, log)
	c.dir = dir

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	c.loadExisting()
	return c, nil
}

// Get returns the cached result for key, or nil when absent or expired.
// The empty key (uncacheable params) is always a miss.
func (c *ResultCache) Get(key string, now time.Time) *Result {
	if key == "" {
		return nil
	}
	entry, exists := c.entries[key]
	if !exists {
		return nil
	}
	if now.Sub(entry.CachedAt) >= c.ttl {
		// Expired entry stays in place until overwritten or cleared.
		c.logger.Debug("Cache entry expired", logger.String("key", key))
		return nil
	}
	return entry.Result
}

// Age returns how long ago the entry for key was stored. Zero when absent.
func (c *ResultCache) Age(key string, now time.Time) time.Duration {
	entry, exists := c.entries[key]
	if !exists {
		return 0
	}
	return now.Sub(entry.CachedAt)
}

// Put stores a result under key, overwriting any previous entry. A no-op
// for the empty key.
func (c *ResultCache) Put(key, toolID string, result *Result, now time.Time) {
	if key == "" {
		return
	}
	entry := cacheEntry{Result: result, ToolID: toolID, CachedAt: now}
	c.entries[key] = entry

	if c.dir != "" {
		if err := c.saveToFile(key, entry); err != nil {
			c.logger.Warn("Failed to persist cache entry",
				logger.String("key", key),
				logger.Error(err))
		}
	}
}

// Clear wipes all entries immediately and returns how many were removed.
func (c *ResultCache) Clear() int {
	removed := len(c.entries)
	c.entries = make(map[string]cacheEntry)

	if c.dir != "" {
		files, err := os.ReadDir(c.dir)
		if err != nil {
			c.logger.Warn("Failed to read cache directory", logger.Error(err))
			return removed
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			if err := os.Remove(filepath.Join(c.dir, f.Name())); err != nil {
				c.logger.Warn("Failed to remove cache file",
					logger.String("file", f.Name()),
					logger.Error(err))
			}
		}
	}
	return removed
}

// Len returns the number of entries physically present, expired or not.
func (c *ResultCache) Len() int {
	return len(c.entries)
}

func (c *ResultCache) cacheFilePath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func (c *ResultCache) saveToFile(key string, entry cacheEntry) error {
	jsonData, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := os.WriteFile(c.cacheFilePath(key), jsonData, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return nil
}

// loadExisting reads persisted entries from the cache directory. Persisted
// timestamps are wall-clock, so reloaded entries lose their monotonic
// reading; freshness checks still behave because time.Time.Sub falls back
// to wall time across process restarts.
func (c *ResultCache) loadExisting() {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("Failed to read cache directory", logger.Error(err))
		return
	}

	loaded := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		//nolint:gosec // G304: path is inside the configured cache directory
		data, err := os.ReadFile(filepath.Join(c.dir, f.Name()))
		if err != nil {
			c.logger.Warn("Failed to read cache file",
				logger.String("file", f.Name()),
				logger.Error(err))
			continue
		}
		var entry cacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			c.logger.Warn("Skipping corrupt cache file",
				logger.String("file", f.Name()),
				logger.Error(err))
			continue
		}
		if time.Since(entry.CachedAt) >= c.ttl {
			continue
		}
		key := strings.TrimSuffix(f.Name(), ".json")
		c.entries[key] = entry
		loaded++
	}

	if loaded > 0 {
		c.logger.Info("Loaded persisted cache entries", logger.Int("count", loaded))
	}
}
