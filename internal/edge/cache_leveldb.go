package edge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>              generation marker
//	e:<generation>\x00<key>     gob CacheEntry
//	m:<generation>\x00<key>     gob diskMeta
const genSep = "\x00"

type diskMeta struct {
	Size       int64
	LastAccess int64
}

// LevelDBStorage persists every generation in one goleveldb database. A size
// index is kept in memory; when it exceeds maxBytes the least recently used
// tenth of the entries is evicted.
type LevelDBStorage struct {
	maxBytes int64
	db       *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta // generation + genSep + key
	totalSize int64
	pinned    map[string]struct{} // request keys eviction never touches
}

func OpenLevelDBStorage(path string, maxBytes int64) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	s := &LevelDBStorage{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
		pinned:   map[string]struct{}{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Pin keeps the given request keys out of LRU eviction in every generation.
func (s *LevelDBStorage) Pin(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.pinned[k] = struct{}{}
	}
}

func (s *LevelDBStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[string(bytes.TrimPrefix(it.Key(), []byte("m:")))] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func (s *LevelDBStorage) Open(_ context.Context, name string) (Cache, error) {
	if name == "" || strings.Contains(name, genSep) {
		return nil, fmt.Errorf("invalid generation name %q", name)
	}
	marker := []byte("g:" + name)
	ok, err := s.db.Has(marker, nil)
	if err != nil {
		return nil, fmt.Errorf("open generation %q: %w", name, err)
	}
	if !ok {
		stamp := []byte(time.Now().UTC().Format(time.RFC3339))
		if err := s.db.Put(marker, stamp, nil); err != nil {
			return nil, fmt.Errorf("create generation %q: %w", name, err)
		}
	}
	return &levelDBCache{s: s, gen: name}, nil
}

func (s *LevelDBStorage) Keys(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("g:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("g:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	marker := []byte("g:" + name)
	existed, err := s.db.Has(marker, nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	for _, prefix := range []string{"e:", "m:"} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix+name+genSep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete generation %q: %w", name, err)
	}

	s.mu.Lock()
	for k, meta := range s.index {
		if strings.HasPrefix(k, name+genSep) {
			s.totalSize -= meta.Size
			delete(s.index, k)
		}
	}
	s.mu.Unlock()
	return existed, nil
}

func (s *LevelDBStorage) Close() error { return s.db.Close() }

// TotalSize returns the encoded size of every stored entry.
func (s *LevelDBStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *LevelDBStorage) put(ik string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte("e:"+ik), b)
	batch.Put([]byte("m:"+ik), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	if old, ok := s.index[ik]; ok {
		s.totalSize -= old.Size
	}
	s.index[ik] = meta
	s.totalSize += meta.Size
	over := s.maxBytes > 0 && s.totalSize > s.maxBytes
	s.mu.Unlock()

	if over {
		s.evictSome(ik)
	}
	return nil
}

func (s *LevelDBStorage) delete(ik string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + ik))
	batch.Delete([]byte("m:" + ik))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.mu.Lock()
	if meta, ok := s.index[ik]; ok {
		s.totalSize -= meta.Size
		delete(s.index, ik)
	}
	s.mu.Unlock()
	return nil
}

func (s *LevelDBStorage) touch(ik string) {
	s.mu.Lock()
	if meta, ok := s.index[ik]; ok {
		meta.LastAccess = time.Now().Unix()
		s.index[ik] = meta
	}
	s.mu.Unlock()
}

// evictSome drops the least recently used tenth of the entries, never the
// one that was just written nor a pinned key.
func (s *LevelDBStorage) evictSome(keep string) {
	type item struct {
		key string
		m   diskMeta
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.index))
	for k, m := range s.index {
		if k == keep {
			continue
		}
		if _, key, ok := strings.Cut(k, genSep); ok {
			if _, pin := s.pinned[key]; pin {
				continue
			}
		}
		items = append(items, item{k, m})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		if err := s.delete(items[i].key); err != nil {
			log.Warn().Err(err).Str("key", strings.ReplaceAll(items[i].key, genSep, " ")).Msg("evict cache entry")
		}
	}
}

type levelDBCache struct {
	s   *LevelDBStorage
	gen string
}

func (c *levelDBCache) ik(key string) string { return c.gen + genSep + key }

func (c *levelDBCache) Match(_ context.Context, key string) (CacheEntry, error) {
	b, err := c.s.db.Get([]byte("e:"+c.ik(key)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, ErrCacheMiss
	}
	if err != nil {
		return CacheEntry{}, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, fmt.Errorf("decode entry %q: %w", key, err)
	}
	c.s.touch(c.ik(key))
	return ent, nil
}

func (c *levelDBCache) Put(_ context.Context, key string, ent CacheEntry) error {
	return c.s.put(c.ik(key), ent)
}

func (c *levelDBCache) Delete(_ context.Context, key string) error {
	return c.s.delete(c.ik(key))
}

func (c *levelDBCache) Keys(_ context.Context) ([]string, error) {
	prefix := []byte("e:" + c.gen + genSep)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
