package core

import (
	"database/sql"
	"sort"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for cache storage.
// It stores and retrieves []byte values, which represent serialized
// HTTP responses, partitioned by generation tag.
//
// Implementations must be thread-safe! Every operation is a
// self-contained read or write against keyed storage, so no
// read-modify-write coordination is needed by callers: Put is an
// unconditional overwrite and the last successful write wins.
type CacheProvider interface {
	// Get returns the stored bytes for the given key in the given
	// generation, and a boolean indicating whether the key exists.
	Get(generation, key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key, overwriting
	// any previous entry for the key.
	Put(generation, key string, bytes []byte) error
	// Purge removes the entry for the given key.
	Purge(generation, key string)
	// Clear removes every entry in the given generation.
	Clear(generation string) error
	// Keys calls the given callback for each key in the generation.
	Keys(generation string, cb func(string))
	// Generations returns the distinct generation tags present in
	// storage, including orphaned ones.
	Generations() ([]string, error)
	// DropGeneration removes every entry in the given generation.
	// Used to clean up generations orphaned by a rollover.
	DropGeneration(generation string) error
}

type memKey struct {
	generation string
	key        string
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[memKey][]byte
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[memKey][]byte),
	}
}

func (m MemCache) Get(generation, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	bytes, ok := m.db[memKey{generation, key}]
	return bytes, ok, nil
}

func (m MemCache) Put(generation, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[memKey{generation, key}] = bytes
	return nil
}

func (m MemCache) Purge(generation, key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, memKey{generation, key})
}

func (m MemCache) Clear(generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for k := range m.db {
		if k.generation == generation {
			delete(m.db, k)
		}
	}
	return nil
}

func (m MemCache) Keys(generation string, cb func(string)) {
	m.mutex.RLock()
	keys := make([]string, 0)
	for k := range m.db {
		if k.generation == generation {
			keys = append(keys, k.key)
		}
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
}

func (m MemCache) Generations() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	seen := make(map[string]bool)
	generations := make([]string, 0)
	for k := range m.db {
		if !seen[k.generation] {
			seen[k.generation] = true
			generations = append(generations, k.generation)
		}
	}
	sort.Strings(generations)
	return generations, nil
}

func (m MemCache) DropGeneration(generation string) error {
	return m.Clear(generation)
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func NewSQLiteCache(filename string) (SQLiteCache, error) {
	c := SQLiteCache{writeMutex: &sync.Mutex{}}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return c, err
	}
	if _, err := db.Exec(
		"CREATE TABLE IF NOT EXISTS cache (gen TEXT, key TEXT, bytes BLOB, PRIMARY KEY (gen, key))"); err != nil {
		return c, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return c, err
	}
	c.db = db
	return c, nil
}

func (s SQLiteCache) Get(generation, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow(
		"SELECT bytes FROM cache WHERE gen = ? AND key = ?", generation, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(generation, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO cache (gen, key, bytes) VALUES (?, ?, ?)", generation, key, bytes)
	return err
}

func (s SQLiteCache) Purge(generation, key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec("DELETE FROM cache WHERE gen = ? AND key = ?", generation, key)
}

func (s SQLiteCache) Clear(generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE gen = ?", generation)
	return err
}

func (s SQLiteCache) Keys(generation string, cb func(string)) {
	rows, err := s.db.Query("SELECT key FROM cache WHERE gen = ? ORDER BY key", generation)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return
		}
		cb(key)
	}
}

func (s SQLiteCache) Generations() ([]string, error) {
	generations := make([]string, 0)
	rows, err := s.db.Query("SELECT DISTINCT gen FROM cache ORDER BY gen")
	if err != nil {
		return generations, err
	}
	defer rows.Close()
	for rows.Next() {
		var generation string
		if err := rows.Scan(&generation); err != nil {
			return generations, err
		}
		generations = append(generations, generation)
	}
	return generations, nil
}

func (s SQLiteCache) DropGeneration(generation string) error {
	return s.Clear(generation)
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
