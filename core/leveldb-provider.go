package core

import (
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBCache is a CacheProvider backed by a LevelDB database.
// Generation and key are joined with a tab, which cannot appear in
// either (generations are tags like "v1", keys are derived from URLs).
type LevelDBCache struct {
	db *leveldb.DB
}

func NewLevelDBCache(path string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBCache{db: db}, nil
}

func levelDBKey(generation, key string) []byte {
	return []byte(generation + "\t" + key)
}

func (l *LevelDBCache) Get(generation, key string) ([]byte, bool, error) {
	bytes, err := l.db.Get(levelDBKey(generation, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (l *LevelDBCache) Put(generation, key string, bytes []byte) error {
	return l.db.Put(levelDBKey(generation, key), bytes, nil)
}

func (l *LevelDBCache) Purge(generation, key string) {
	l.db.Delete(levelDBKey(generation, key), nil)
}

func (l *LevelDBCache) Clear(generation string) error {
	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(generation+"\t")), nil)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDBCache) Keys(generation string, cb func(string)) {
	prefix := generation + "\t"
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		cb(strings.TrimPrefix(string(iter.Key()), prefix))
	}
}

func (l *LevelDBCache) Generations() ([]string, error) {
	seen := make(map[string]bool)
	generations := make([]string, 0)
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		generation, _, ok := strings.Cut(string(iter.Key()), "\t")
		if !ok || seen[generation] {
			continue
		}
		seen[generation] = true
		generations = append(generations, generation)
	}
	return generations, iter.Error()
}

func (l *LevelDBCache) DropGeneration(generation string) error {
	return l.Clear(generation)
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}
