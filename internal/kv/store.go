// Package kv is the embedded key-value store shared by the cache buckets and the
// offline mutation partitions. It is a thin namespace layer over goleveldb.
package kv

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const partPrefix = "p:"

type Store struct {
	db *leveldb.DB
}

func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenMem opens a store backed by goleveldb's in-memory storage.
func OpenMem() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Partition returns the namespace called name. Names must not contain NUL.
func (s *Store) Partition(name string) *Partition {
	return &Partition{db: s.db, name: name, prefix: partitionPrefix(name)}
}

// Partitions lists the partitions that currently hold at least one key.
func (s *Store) Partitions() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(partPrefix)), nil)
	defer it.Release()

	var out []string
	for ok := it.First(); ok; {
		rest := it.Key()[len(partPrefix):]
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			ok = it.Next()
			continue
		}
		name := string(rest[:i])
		out = append(out, name)
		// jump past every key of this partition
		ok = it.Seek([]byte(partPrefix + name + "\x01"))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// DropPartition deletes every key of the named partition in a single batch.
func (s *Store) DropPartition(name string) error {
	prefix := partitionPrefix(name)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch, nil)
}

func partitionPrefix(name string) []byte {
	return []byte(partPrefix + name + "\x00")
}

type Partition struct {
	db     *leveldb.DB
	name   string
	prefix []byte
}

func (p *Partition) Name() string { return p.name }

func (p *Partition) key(k string) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	return append(out, k...)
}

func (p *Partition) Put(key string, value []byte) error {
	return p.db.Put(p.key(key), value, nil)
}

// PutBatch writes all pairs atomically: either every key lands or none does.
func (p *Partition) PutBatch(pairs map[string][]byte) error {
	batch := new(leveldb.Batch)
	for k, v := range pairs {
		batch.Put(p.key(k), v)
	}
	return p.db.Write(batch, nil)
}

func (p *Partition) Get(key string) ([]byte, bool, error) {
	b, err := p.db.Get(p.key(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Partition) Delete(key string) error {
	return p.db.Delete(p.key(key), nil)
}

// DeleteIf removes key only when match reports true for its current value. The read
// and the delete run in one leveldb transaction, so no write lands in between.
// It reports whether the key was deleted.
func (p *Partition) DeleteIf(key string, match func(cur []byte) bool) (bool, error) {
	tr, err := p.db.OpenTransaction()
	if err != nil {
		return false, err
	}
	cur, err := tr.Get(p.key(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		tr.Discard()
		return false, nil
	}
	if err != nil {
		tr.Discard()
		return false, err
	}
	if !match(cur) {
		tr.Discard()
		return false, nil
	}
	if err := tr.Delete(p.key(key), nil); err != nil {
		tr.Discard()
		return false, err
	}
	if err := tr.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Each calls fn for every pair in key order. Values passed to fn are copies.
func (p *Partition) Each(fn func(key string, value []byte) error) error {
	it := p.db.NewIterator(util.BytesPrefix(p.prefix), nil)
	defer it.Release()
	for it.Next() {
		k := string(it.Key()[len(p.prefix):])
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (p *Partition) Keys() ([]string, error) {
	var out []string
	err := p.Each(func(k string, _ []byte) error {
		out = append(out, k)
		return nil
	})
	return out, err
}

func (p *Partition) Len() (int, error) {
	it := p.db.NewIterator(util.BytesPrefix(p.prefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}
