package application

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

// CacheFileName is the name of the cache document inside the output directory.
const CacheFileName = ".extraction_cache.json"

// cacheRecord is the persisted form of one entity's generation result.
type cacheRecord struct {
	Hash  string          `json:"hash"`
	Pairs []domain.QAPair `json:"pairs"`
}

// IncrementalCache remembers, per entity, the hash of the data its pairs
// were generated from. Unchanged entities reuse their cached pairs instead
// of calling the LLM again. The cache is an optimization: an unreadable
// file degrades to an empty cache.
type IncrementalCache struct {
	path string

	mu      sync.RWMutex
	records map[string]cacheRecord
	hits    int
	misses  int

	// saveMu serializes Save so concurrent flushes cannot interleave renames.
	saveMu sync.Mutex

	logger  *zap.Logger
	metrics ports.MetricsCollector
}

// CacheOption customizes an IncrementalCache.
type CacheOption func(*IncrementalCache)

// WithCacheLogger sets the logger.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *IncrementalCache) { c.logger = l }
}

// WithCacheMetrics sets the metrics collector.
func WithCacheMetrics(m ports.MetricsCollector) CacheOption {
	return func(c *IncrementalCache) { c.metrics = m }
}

// NewIncrementalCache opens the cache stored in dir. It never fails.
func NewIncrementalCache(dir string, opts ...CacheOption) *IncrementalCache {
	c := &IncrementalCache{
		path:    filepath.Join(dir, CacheFileName),
		records: map[string]cacheRecord{},
		logger:  zap.NewNop(),
		metrics: ports.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.load()
	return c
}

func (c *IncrementalCache) load() {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		c.logger.Warn("cache unreadable, starting cold", zap.String("path", c.path), zap.Error(err))
		return
	}

	records := map[string]cacheRecord{}
	if err := json.Unmarshal(data, &records); err != nil {
		c.logger.Warn("cache corrupt, starting cold",
			zap.String("path", c.path),
			zap.Error(ports.NewCacheError(c.path, "load", fmt.Errorf("%w: %w", ports.ErrCacheCorrupted, err))))
		return
	}
	c.records = records
}

// Path returns the cache file location.
func (c *IncrementalCache) Path() string { return c.path }

func cacheKey(domainName, entityID string) string {
	return domain.EntityRef{Domain: domainName, ID: entityID}.CacheKey()
}

// IsUnchanged reports whether the stored hash for the entity equals hash.
// Every call counts as a hit or a miss.
func (c *IncrementalCache) IsUnchanged(domainName, entityID, hash string) bool {
	c.mu.Lock()
	rec, ok := c.records[cacheKey(domainName, entityID)]
	match := ok && rec.Hash == hash
	if match {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	result := "miss"
	if match {
		result = "hit"
	}
	c.metrics.RecordCounter("cache_lookups_total", 1, map[string]string{"domain": domainName, "result": result})
	return match
}

// CachedPairs returns a deep copy of the stored pairs, or false when the
// entity has no stored pair list.
func (c *IncrementalCache) CachedPairs(domainName, entityID string) ([]domain.QAPair, bool) {
	c.mu.RLock()
	rec, ok := c.records[cacheKey(domainName, entityID)]
	c.mu.RUnlock()
	if !ok || rec.Pairs == nil {
		return nil, false
	}

	out := make([]domain.QAPair, len(rec.Pairs))
	for i, p := range rec.Pairs {
		out[i] = p.Clone()
	}
	return out, true
}

// Store replaces the record for the entity. The pairs are copied so later
// changes by the caller do not leak into the cache.
func (c *IncrementalCache) Store(domainName, entityID, hash string, pairs []domain.QAPair) {
	copied := make([]domain.QAPair, len(pairs))
	for i, p := range pairs {
		copied[i] = p.Clone()
	}

	c.mu.Lock()
	c.records[cacheKey(domainName, entityID)] = cacheRecord{Hash: hash, Pairs: copied}
	c.mu.Unlock()
}

// Save writes the whole cache atomically: a temp file in the same
// directory is synced and renamed over the cache file.
func (c *IncrementalCache) Save() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	data, err := json.MarshalIndent(c.records, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return ports.NewCacheError(c.path, "encode", err)
	}

	if err := writeFileAtomic(c.path, data); err != nil {
		return ports.NewCacheError(c.path, "save", err)
	}
	return nil
}

// Stats returns the hit and miss counts since construction.
func (c *IncrementalCache) Stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// Len returns the number of cached entities.
func (c *IncrementalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	tmpName = ""
	return nil
}
