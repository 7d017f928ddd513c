// deepexplain/helpers_cache.go
// Contains the two-tier explanation cache: ristretto in front for hot
// entries, bbolt behind for persistence across sessions.
package deepexplain

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	stdslog "log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"go.etcd.io/bbolt"
)

var cacheBucketName = []byte("ExplanationCache") // Name of the bbolt bucket for cached explanations.

// cachedExplanation is the gob payload stored in both cache tiers. The schema
// version invalidates stale entries when the internal format changes.
type cachedExplanation struct {
	SchemaVersion int
	CreatedAt     time.Time
	Explanation   Explanation
}

// ExplanationCache stores generated explanations keyed by a hash of the
// explained code. Either tier may be disabled independently if its backing
// store cannot be initialized; lookups then degrade gracefully.
type ExplanationCache struct {
	db          *bbolt.DB        // Persistent disk cache (bbolt)
	memoryCache *ristretto.Cache // In-memory cache (ristretto)
	mu          sync.RWMutex     // Protects db/memoryCache handles and config
	config      Config           // Stored for TTL access
	logger      *stdslog.Logger
}

// NewExplanationCache initializes both cache tiers. Failures to set up either
// tier are logged and tolerated; the cache never fails construction.
func NewExplanationCache(logger *stdslog.Logger, initialConfig Config) *ExplanationCache {
	if logger == nil {
		logger = stdslog.Default()
	}
	cacheLogger := logger.With("component", "ExplanationCache")

	dbPath := ""
	userCacheDir, err := os.UserCacheDir()
	if err == nil {
		dbDir := filepath.Join(userCacheDir, configDirName, "bboltdb", fmt.Sprintf("v%d", cacheSchemaVersion))
		if err := os.MkdirAll(dbDir, 0750); err == nil {
			dbPath = filepath.Join(dbDir, "explanation_cache.db")
		} else {
			cacheLogger.Warn("Could not create bbolt cache directory, disk caching disabled.", "path", dbDir, "error", err)
		}
	} else {
		cacheLogger.Warn("Could not determine user cache directory, disk caching disabled.", "error", err)
	}

	var db *bbolt.DB
	if dbPath != "" {
		opts := &bbolt.Options{Timeout: 1 * time.Second}
		db, err = bbolt.Open(dbPath, 0600, opts)
		if err != nil {
			cacheLogger.Warn("Failed to open bbolt cache file, disk caching disabled.", "path", dbPath, "error", err)
			db = nil
		} else {
			err = db.Update(func(tx *bbolt.Tx) error {
				_, err := tx.CreateBucketIfNotExists(cacheBucketName)
				if err != nil {
					return fmt.Errorf("failed to create cache bucket %s: %w", string(cacheBucketName), err)
				}
				return nil
			})
			if err != nil {
				cacheLogger.Warn("Failed to ensure bbolt bucket exists, disk caching disabled.", "error", err)
				db.Close()
				db = nil
			} else {
				cacheLogger.Info("Using bbolt disk cache", "path", dbPath, "schema_version", cacheSchemaVersion)
			}
		}
	}

	memCache, cacheErr := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26, // 64MB of explanation text
		BufferItems: 64,
		Metrics:     true,
	})
	if cacheErr != nil {
		cacheLogger.Warn("Failed to create ristretto memory cache, in-memory caching disabled.", "error", cacheErr)
		memCache = nil
	} else {
		cacheLogger.Info("Initialized ristretto in-memory cache", "max_cost", "64MB")
	}

	return &ExplanationCache{
		db:          db,
		memoryCache: memCache,
		config:      initialConfig,
		logger:      cacheLogger,
	}
}

// NewExplanationCacheAt is like NewExplanationCache but opens the bbolt file
// at an explicit path instead of the user cache directory. Used by tests.
func NewExplanationCacheAt(logger *stdslog.Logger, initialConfig Config, dbPath string) (*ExplanationCache, error) {
	c := &ExplanationCache{config: initialConfig}
	if logger == nil {
		logger = stdslog.Default()
	}
	c.logger = logger.With("component", "ExplanationCache")

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening bbolt file: %w", ErrCache, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating bucket: %w", ErrCache, err)
	}
	c.db = db

	memCache, cacheErr := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26,
		BufferItems: 64,
		Metrics:     true,
	})
	if cacheErr != nil {
		c.logger.Warn("Failed to create ristretto memory cache, in-memory caching disabled.", "error", cacheErr)
		memCache = nil
	}
	c.memoryCache = memCache
	return c, nil
}

// UpdateConfig updates the cache's internal config reference.
func (c *ExplanationCache) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
	c.logger.Info("Cache configuration updated", "memory_ttl_seconds", cfg.MemoryCacheTTLSeconds, "disk_ttl_seconds", cfg.DiskCacheTTLSeconds)
}

func (c *ExplanationCache) getConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// cacheKeyFor hashes the explained code together with the language id and
// model so a model change never serves stale explanations.
func cacheKeyFor(languageID, model, code string) uint64 {
	h := xxhash.New()
	h.WriteString(languageID)
	h.WriteString("\x00")
	h.WriteString(model)
	h.WriteString("\x00")
	h.WriteString(code)
	return h.Sum64()
}

func encodeCacheKey(key uint64) []byte {
	return []byte(fmt.Sprintf("%016x", key))
}

// Get looks up an explanation, memory tier first, then disk. Disk hits are
// promoted into the memory tier. Expired disk entries are deleted in the
// background.
func (c *ExplanationCache) Get(languageID, model, code string) (Explanation, bool) {
	key := cacheKeyFor(languageID, model, code)
	getLogger := c.logger.With("cache_key", fmt.Sprintf("%016x", key))

	c.mu.RLock()
	memCache := c.memoryCache
	db := c.db
	c.mu.RUnlock()

	if memCache != nil {
		if v, found := memCache.Get(key); found {
			if cached, ok := v.(cachedExplanation); ok && cached.SchemaVersion == cacheSchemaVersion {
				getLogger.Debug("Memory cache hit")
				return cached.Explanation, true
			}
			getLogger.Warn("Memory cache entry had unexpected type or schema, ignoring.")
		}
	}

	if db == nil {
		return Explanation{}, false
	}
	var cached cachedExplanation
	found := false
	viewErr := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucketName)
		if b == nil {
			return fmt.Errorf("%w: cache bucket missing", ErrCacheRead)
		}
		raw := b.Get(encodeCacheKey(key))
		if raw == nil {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&cached); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheDecode, err)
		}
		found = true
		return nil
	})
	if viewErr != nil {
		getLogger.Warn("Error reading or decoding from bbolt cache.", "error", viewErr)
		return Explanation{}, false
	}
	if !found {
		getLogger.Debug("Cache miss")
		return Explanation{}, false
	}
	cfg := c.getConfig()
	if cached.SchemaVersion != cacheSchemaVersion || time.Since(cached.CreatedAt) > cfg.DiskCacheTTL {
		getLogger.Debug("Disk cache entry stale or expired, deleting.", "created_at", cached.CreatedAt)
		go c.delete(key)
		return Explanation{}, false
	}
	getLogger.Debug("Disk cache hit, promoting to memory tier.")
	if memCache != nil {
		memCache.SetWithTTL(key, cached, int64(len(cached.Explanation.Text))+1, cfg.MemoryCacheTTL)
	}
	return cached.Explanation, true
}

// Set stores an explanation in both tiers. Failures are logged, not returned;
// a cache write error never fails the explanation itself.
func (c *ExplanationCache) Set(languageID, model, code string, expl Explanation) {
	key := cacheKeyFor(languageID, model, code)
	setLogger := c.logger.With("cache_key", fmt.Sprintf("%016x", key))
	cfg := c.getConfig()
	cached := cachedExplanation{
		SchemaVersion: cacheSchemaVersion,
		CreatedAt:     time.Now(),
		Explanation:   expl,
	}

	c.mu.RLock()
	memCache := c.memoryCache
	db := c.db
	c.mu.RUnlock()

	if memCache != nil {
		cost := int64(len(expl.Text)) + 1
		if !memCache.SetWithTTL(key, cached, cost, cfg.MemoryCacheTTL) {
			setLogger.Warn("Memory cache Set failed, item not cached", "cost", cost)
		}
	}
	if db == nil {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cached); err != nil {
		setLogger.Warn("Failed to gob-encode explanation for disk cache.", "error", fmt.Errorf("%w: %w", ErrCacheEncode, err))
		return
	}
	updateErr := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucketName)
		if b == nil {
			return fmt.Errorf("%w: cache bucket missing", ErrCacheWrite)
		}
		return b.Put(encodeCacheKey(key), buf.Bytes())
	})
	if updateErr != nil {
		setLogger.Warn("Failed to write to bbolt cache", "error", updateErr)
	}
}

// delete removes an entry from both tiers.
func (c *ExplanationCache) delete(key uint64) {
	c.mu.RLock()
	memCache := c.memoryCache
	db := c.db
	c.mu.RUnlock()

	if memCache != nil {
		memCache.Del(key)
	}
	if db == nil {
		return
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucketName)
		if b == nil {
			return nil
		}
		return b.Delete(encodeCacheKey(key))
	})
	if err != nil {
		c.logger.Warn("Failed to delete expired cache entry", "cache_key", fmt.Sprintf("%016x", key), "error", err)
	}
}

// MemoryCacheMetrics exposes the ristretto metrics, or nil when the memory
// tier is disabled. Published via expvar by the LSP server.
func (c *ExplanationCache) MemoryCacheMetrics() *ristretto.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.memoryCache == nil {
		return nil
	}
	return c.memoryCache.Metrics
}

// Close releases both cache tiers.
func (c *ExplanationCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var closeErrors []error

	if c.db != nil {
		c.logger.Info("Closing bbolt cache database.")
		if err := c.db.Close(); err != nil {
			c.logger.Error("Error closing bbolt database", "error", err)
			closeErrors = append(closeErrors, fmt.Errorf("bbolt close failed: %w", err))
		}
		c.db = nil
	}
	if c.memoryCache != nil {
		c.logger.Info("Closing ristretto memory cache.")
		c.memoryCache.Close()
		c.memoryCache = nil
	}

	if len(closeErrors) > 0 {
		return errors.Join(closeErrors...)
	}
	return nil
}
