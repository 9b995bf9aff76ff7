package swcache

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

// Store keeps cached responses partitioned into named generations. Entries
// live in leveldb; recently used ones are also kept in a bounded RAM tier.
// Every method is safe for concurrent use and each write is atomic.
type Store struct {
	db  *leveldb.DB
	ram *ramCache

	mu   sync.RWMutex
	gens map[string]genMeta
}

type genMeta struct {
	Created int64 // unix nanoseconds
}

type storedEntry struct {
	Key  string
	Resp Response
}

// OpenStore opens the leveldb database at path. An empty path keeps
// everything in memory. ramMax bounds the RAM tier, zero disables it.
func OpenStore(path string, ramMax int64) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open cache store %q", path)
	}
	s := &Store{
		db:   db,
		ram:  newRAMCache(ramMax),
		gens: map[string]genMeta{},
	}
	if err := s.loadGenerations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadGenerations() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	gens := map[string]genMeta{}
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))
		var meta genMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		gens[name] = meta
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "load generations")
	}
	s.mu.Lock()
	s.gens = gens
	s.mu.Unlock()
	return nil
}

// OpenGeneration returns a handle to the named generation, creating it
// when it does not exist yet.
func (s *Store) OpenGeneration(name string) (*Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureGenerationLocked(name, nil); err != nil {
		return nil, err
	}
	return &Generation{s: s, name: name}, nil
}

// Generation returns a handle without creating the generation. Lookups on a
// missing generation miss; the first Put creates it.
func (s *Store) Generation(name string) *Generation {
	return &Generation{s: s, name: name}
}

// HasGeneration reports whether the named generation exists.
func (s *Store) HasGeneration(name string) bool {
	s.mu.RLock()
	_, ok := s.gens[name]
	s.mu.RUnlock()
	return ok
}

// ensureGenerationLocked creates the generation marker. With a non-nil
// batch the marker is only added to it and becomes visible when the caller
// writes the batch.
func (s *Store) ensureGenerationLocked(name string, batch *leveldb.Batch) error {
	if _, ok := s.gens[name]; ok {
		return nil
	}
	meta := genMeta{Created: time.Now().UnixNano()}
	// Keep creation order strict even when the clock does not move.
	for _, m := range s.gens {
		if m.Created >= meta.Created {
			meta.Created = m.Created + 1
		}
	}
	b, err := encodeGob(meta)
	if err != nil {
		return err
	}
	if batch != nil {
		batch.Put([]byte(genPrefix+name), b)
	} else if err := s.db.Put([]byte(genPrefix+name), b, nil); err != nil {
		return errors.Wrapf(err, "create generation %q", name)
	}
	s.gens[name] = meta
	return nil
}

// GenerationNames lists the existing generations in creation order.
func (s *Store) GenerationNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.gens))
	for name := range s.gens {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := s.gens[out[i]], s.gens[out[j]]
		if a.Created != b.Created {
			return a.Created < b.Created
		}
		return out[i] < out[j]
	})
	return out
}

// DeleteGeneration removes the generation and all of its entries in one
// batch. Deleting a missing generation is not an error.
func (s *Store) DeleteGeneration(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte(genPrefix + name))
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrapf(err, "scan generation %q", name)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, "delete generation %q", name)
	}
	delete(s.gens, name)
	s.ram.DeletePrefix(name + keySep)
	return nil
}

// Match looks the request up in every generation, oldest first.
func (s *Store) Match(req Request) (Response, string, bool) {
	for _, name := range s.GenerationNames() {
		g := &Generation{s: s, name: name}
		resp, ok, err := g.Lookup(req)
		if err != nil {
			continue
		}
		if ok {
			return resp, name, true
		}
	}
	return Response{}, "", false
}

// EntryCount returns the number of entries across all generations.
func (s *Store) EntryCount() int {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

func (s *Store) RAMSize() int64 {
	return s.ram.TotalSize()
}

// Generation is a handle to one named partition of the store.
type Generation struct {
	s    *Store
	name string
}

func (g *Generation) Name() string { return g.name }

// Lookup returns a clone of the stored response for req.
func (g *Generation) Lookup(req Request) (Response, bool, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	if _, ok := g.s.gens[g.name]; !ok {
		return Response{}, false, nil
	}

	rk := g.name + keySep + req.Key()
	if resp, ok := g.s.ram.Get(rk); ok {
		return resp.Clone(), true, nil
	}

	b, err := g.s.db.Get(entryKey(g.name, req.Key()), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, errors.Wrapf(err, "lookup %s in %q", req.Key(), g.name)
	}
	var ent storedEntry
	if err := decodeGob(b, &ent); err != nil {
		return Response{}, false, errors.Wrapf(err, "decode %s in %q", req.Key(), g.name)
	}
	g.s.ram.Put(rk, ent.Resp)
	return ent.Resp.Clone(), true, nil
}

// Put stores a clone of resp under req, replacing any previous entry.
func (g *Generation) Put(req Request, resp Response) error {
	return g.PutAll([]Request{req}, []Response{resp})
}

// PutAll writes all pairs in a single batch: either every entry is stored
// or none is.
func (g *Generation) PutAll(reqs []Request, resps []Response) error {
	if len(reqs) != len(resps) {
		return errors.Errorf("put %d requests with %d responses", len(reqs), len(resps))
	}
	now := time.Now().Unix()
	batch := new(leveldb.Batch)
	clones := make([]Response, len(resps))
	for i, req := range reqs {
		c := resps[i].Clone()
		c.StoredAt = now
		c.Header.Del("Content-Length")
		b, err := encodeGob(storedEntry{Key: req.Key(), Resp: c})
		if err != nil {
			return errors.Wrapf(err, "encode %s", req.Key())
		}
		batch.Put(entryKey(g.name, req.Key()), b)
		clones[i] = c
	}

	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	_, existed := g.s.gens[g.name]
	if err := g.s.ensureGenerationLocked(g.name, batch); err != nil {
		return err
	}
	if err := g.s.db.Write(batch, nil); err != nil {
		if !existed {
			delete(g.s.gens, g.name)
		}
		return errors.Wrapf(err, "write %d entries to %q", len(reqs), g.name)
	}
	for i, req := range reqs {
		g.s.ram.Put(g.name+keySep+req.Key(), clones[i])
	}
	return nil
}

// Keys lists the request keys stored in the generation.
func (g *Generation) Keys() ([]string, error) {
	it := g.s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(g.name)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), entryKeyPrefix(g.name))))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, "list %q", g.name)
	}
	return out, nil
}

func (g *Generation) Len() int {
	keys, err := g.Keys()
	if err != nil {
		return 0
	}
	return len(keys)
}

func entryKeyPrefix(gen string) []byte {
	return []byte(entryPrefix + gen + keySep)
}

func entryKey(gen, key string) []byte {
	return append(entryKeyPrefix(gen), key...)
}

// ---- ram tier ----

type ramItem struct {
	key  string
	resp Response
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU in front of leveldb. leveldb always holds
// the authoritative copy, so evicted items are simply dropped.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Response{}, false
	}
	c.moveToFront(it)
	return it.resp, true
}

func (c *ramCache) Put(key string, resp Response) {
	if c.maxBytes <= 0 {
		return
	}
	sz := responseSize(key, resp)
	if sz > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.resp = resp
		it.size = sz
		c.total += sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, resp: resp, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}
	for c.total > c.maxBytes && c.tail != nil {
		c.removeLocked(c.tail)
	}
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.removeLocked(it)
		}
	}
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
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

func (c *ramCache) unlink(it *ramItem) {
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

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}

func responseSize(key string, resp Response) int64 {
	n := len(key) + len(resp.Body)
	for k, vs := range resp.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
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
