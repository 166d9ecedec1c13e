package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// 🧠 L1 向量缓存
// =============================================================================

// CacheConfig 缓存配置
type CacheConfig struct {
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	MaxSize int           `yaml:"max_size" json:"max_size"`
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:     5 * time.Minute,
		MaxSize: 1000,
	}
}

type cacheEntry struct {
	vector   []float64
	cachedAt time.Time
}

// Cache 是进程内的查询向量缓存，可并发使用。
// 满容量时淘汰 cachedAt 最早的条目。
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewCache 创建缓存，非正数配置项使用默认值
func NewCache(cfg CacheConfig) *Cache {
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	return &Cache{
		entries: make(map[string]cacheEntry, cfg.MaxSize),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		now:     time.Now,
	}
}

// Key 返回规范化文本（去首尾空白、小写）的 sha256 十六进制
func Key(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}

// Get 返回未过期的向量副本
func (c *Cache) Get(text string) ([]float64, bool) {
	return c.getKey(Key(text))
}

func (c *Cache) getKey(key string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.cachedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return cloneVector(e.vector), true
}

// Set 写入向量。重复写入同一文本仅刷新时间戳与值
func (c *Cache) Set(text string, vector []float64) {
	c.setKey(Key(text), vector)
}

func (c *Cache) setKey(key string, vector []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry{vector: cloneVector(vector), cachedAt: now}
}

// evictLocked 先清理过期条目，仍满则淘汰最早写入的一条
func (c *Cache) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, e := range c.entries {
		if now.Sub(e.cachedAt) >= c.ttl {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.cachedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.cachedAt
		}
	}
	if len(c.entries) >= c.maxSize && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len 返回当前条目数（含尚未清理的过期条目）
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TTL 返回条目存活时间
func (c *Cache) TTL() time.Duration { return c.ttl }

// SetClock 替换时钟，用于测试
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func cloneVector(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
