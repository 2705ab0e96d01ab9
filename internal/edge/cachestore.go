package edge

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// ErrCacheMiss is returned by Cache.Match when the key is not stored.
var ErrCacheMiss = errors.New("cache miss")

// CacheStorage holds every cache generation. Only one generation is current at
// a time; the others are garbage waiting for the next activation.
type CacheStorage interface {
	// Open returns the named generation, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Keys lists the generation names.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a generation and every entry in it. It reports whether
	// the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Cache is one generation of stored responses. Writers to the same key race
// and the last write wins.
type Cache interface {
	Match(ctx context.Context, key string) (CacheEntry, error)
	Put(ctx context.Context, key string, ent CacheEntry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// OpenCacheStorage builds the driver selected by cfg.Driver.
func OpenCacheStorage(cfg CacheConfig) (CacheStorage, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStorage(cfg.maxBytes), nil
	case DriverLevelDB, "":
		st, err := OpenLevelDBStorage(cfg.Path, cfg.maxBytes)
		if err != nil {
			return nil, err
		}
		st.Pin(cfg.pinnedKeys()...)
		return st, nil
	case DriverRedis:
		return OpenRedisStorage(cfg)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

// pinnedKeys are the entries the offline fallback depends on.
func (c CacheConfig) pinnedKeys() []string {
	keys := make([]string, 0, len(c.CriticalAssets)+1)
	for _, p := range c.CriticalAssets {
		keys = append(keys, RequestKey(http.MethodGet, p))
	}
	if c.PlaceholderIcon != "" {
		keys = append(keys, RequestKey(http.MethodGet, c.PlaceholderIcon))
	}
	return keys
}

// ---- memory ----

// MemoryStorage keeps generations in process memory. Each generation is an
// LRU bounded by maxBytes of encoded entries (0 = unbounded).
type MemoryStorage struct {
	maxBytes int64

	mu   sync.Mutex
	gens map[string]*memoryCache
}

func NewMemoryStorage(maxBytes int64) *MemoryStorage {
	return &MemoryStorage{maxBytes: maxBytes, gens: map[string]*memoryCache{}}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.gens[name]; ok {
		return c, nil
	}
	c := newMemoryCache(m.maxBytes)
	m.gens[name] = c
	return c, nil
}

func (m *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.gens))
	for k := range m.gens {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.gens[name]
	delete(m.gens, name)
	return ok, nil
}

func (m *MemoryStorage) Close() error { return nil }

type memoryItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *memoryItem
	next *memoryItem
}

type memoryCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*memoryItem
	head  *memoryItem
	tail  *memoryItem
	total int64
}

func newMemoryCache(maxBytes int64) *memoryCache {
	return &memoryCache{maxBytes: maxBytes, items: map[string]*memoryItem{}}
}

func (c *memoryCache) Match(_ context.Context, key string) (CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, ErrCacheMiss
	}
	c.moveToFront(it)
	return it.ent, nil
}

func (c *memoryCache) Put(_ context.Context, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	sz := int64(len(b))
	if c.maxBytes > 0 && sz > c.maxBytes {
		return fmt.Errorf("entry %q is larger than the cache (%s)", key, formatBytes(uint64(sz)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.moveToFront(it)
	} else {
		it := &memoryItem{key: key, ent: ent, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}

	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil && c.tail.key != key {
		c.evictLocked(c.tail)
	}
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.evictLocked(it)
	}
	return nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (c *memoryCache) evictLocked(it *memoryItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *memoryCache) addToFront(it *memoryItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *memoryCache) remove(it *memoryItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *memoryCache) moveToFront(it *memoryItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
