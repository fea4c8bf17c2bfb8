// Package storage provides the durable persistence layer for the threat
// intelligence node: a BadgerDB-backed ordered key-value store underneath a
// high-level DB wrapper that maintains the primary threat table, two
// secondary indices (by type and by day), append-only feedback entries and
// per-peer reputation records.
package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

// ErrKeyNotFound is returned when a requested key does not exist.
var ErrKeyNotFound = fmt.Errorf("key not found")

// Storage is the ordered key-value surface the DB wrapper builds on.
type Storage interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	Update(fn func(txn Transaction) error) error
	View(fn func(txn Transaction) error) error
	Iterator(prefix []byte) Iterator
	RunGC(discardRatio float64) error
	Size() (int64, error)
	Close() error
}

// Transaction is the atomic read/write surface inside Update and View.
type Transaction interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
}

// Iterator walks keys under a fixed prefix in lexicographic order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Close()
}

// BadgerStorage implements Storage using BadgerDB v3.
type BadgerStorage struct {
	db *badger.DB
	mu sync.RWMutex
}

// NewBadgerStorage opens (creating if needed) a BadgerDB instance under
// dataDir. Failure here is a startup failure and aborts the node.
func NewBadgerStorage(dataDir string) (*BadgerStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", dataDir, err)
	}
	return &BadgerStorage{db: db}, nil
}

// Close shuts down the underlying BadgerDB.
func (bs *BadgerStorage) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.db == nil {
		return nil
	}
	err := bs.db.Close()
	bs.db = nil
	return err
}

// Get retrieves a value by key.
func (bs *BadgerStorage) Get(key []byte) ([]byte, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	var value []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	return value, err
}

// Set stores a key-value pair.
func (bs *BadgerStorage) Set(key, value []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes a key.
func (bs *BadgerStorage) Delete(key []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Has checks whether a key exists.
func (bs *BadgerStorage) Has(key []byte) (bool, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	err := bs.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update executes fn within a write transaction.
func (bs *BadgerStorage) Update(fn func(txn Transaction) error) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTransaction{txn: txn})
	})
}

// View executes fn within a read transaction.
func (bs *BadgerStorage) View(fn func(txn Transaction) error) error {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	return bs.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTransaction{txn: txn})
	})
}

// Iterator returns a prefix iterator over the database.
func (bs *BadgerStorage) Iterator(prefix []byte) Iterator {
	return &badgerIterator{db: bs.db, prefix: prefix}
}

// RunGC runs BadgerDB value-log garbage collection. A run that finds
// nothing to collect is not an error.
func (bs *BadgerStorage) RunGC(discardRatio float64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if err := bs.db.RunValueLogGC(discardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}

// Size returns the combined LSM and value-log size in bytes.
func (bs *BadgerStorage) Size() (int64, error) {
	lsm, vlog := bs.db.Size()
	return lsm + vlog, nil
}

type badgerTransaction struct {
	txn *badger.Txn
}

func (bt *badgerTransaction) Get(key []byte) ([]byte, error) {
	item, err := bt.txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (bt *badgerTransaction) Set(key, value []byte) error {
	return bt.txn.Set(key, value)
}

func (bt *badgerTransaction) Delete(key []byte) error {
	return bt.txn.Delete(key)
}

func (bt *badgerTransaction) Has(key []byte) (bool, error) {
	_, err := bt.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type badgerIterator struct {
	db     *badger.DB
	prefix []byte
	txn    *badger.Txn
	iter   *badger.Iterator
	closed bool
}

func (bi *badgerIterator) Next() bool {
	if bi.closed {
		return false
	}

	if bi.txn == nil {
		bi.txn = bi.db.NewTransaction(false)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.PrefetchValues = false
		bi.iter = bi.txn.NewIterator(opts)
		bi.iter.Seek(bi.prefix)
	} else {
		bi.iter.Next()
	}

	return bi.iter.ValidForPrefix(bi.prefix)
}

func (bi *badgerIterator) Key() []byte {
	if bi.iter != nil {
		return bi.iter.Item().KeyCopy(nil)
	}
	return nil
}

func (bi *badgerIterator) Value() []byte {
	if bi.iter != nil {
		val, _ := bi.iter.Item().ValueCopy(nil)
		return val
	}
	return nil
}

func (bi *badgerIterator) Close() {
	if !bi.closed {
		if bi.iter != nil {
			bi.iter.Close()
		}
		if bi.txn != nil {
			bi.txn.Discard()
		}
		bi.closed = true
	}
}

// Key prefixes for the persisted state layout.
const (
	ThreatPrefix     = "threat:"
	TypeIndexPrefix  = "index:type:"
	TimeIndexPrefix  = "index:time:"
	FeedbackPrefix   = "feedback:"
	ReputationPrefix = "reputation:"
)

// Helper functions for key construction.

func ThreatKey(id string) []byte {
	return []byte(ThreatPrefix + id)
}

func TypeIndexKey(threatType, id string) []byte {
	return []byte(TypeIndexPrefix + threatType + ":" + id)
}

func TimeIndexKey(day, id string) []byte {
	return []byte(TimeIndexPrefix + day + ":" + id)
}

func FeedbackKey(threatID string, epochMs int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", FeedbackPrefix, threatID, epochMs))
}

func ReputationKey(peerID string) []byte {
	return []byte(ReputationPrefix + peerID)
}
