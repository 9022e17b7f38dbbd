// Package storage provides the BadgerDB-backed contract key/value store.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fortiblox/wasmvm/pkg/vm/backend"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixContract is the prefix for contract state.
	// Key format: prefixContract + len(namespace) + namespace + key
	prefixContract = []byte{0x01}
)

// MaxNamespaceLength bounds the namespace a contract store is scoped to.
const MaxNamespaceLength = 255

var (
	// ErrClosed is returned when the database is closed.
	ErrClosed = errors.New("storage closed")

	// ErrNamespace is returned for an empty or oversized namespace.
	ErrNamespace = errors.New("invalid namespace")

	// ErrInvalidOrder is returned for an unknown iteration order.
	ErrInvalidOrder = errors.New("invalid iteration order")
)

// Config contains configuration for BadgerDB.
type Config struct {
	// Path is the directory path for the database.
	Path string `yaml:"path"`

	// InMemory runs the database in memory (for testing).
	InMemory bool `yaml:"in_memory"`

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool `yaml:"sync_writes"`

	// NumCompactors is the number of compaction workers.
	NumCompactors int `yaml:"num_compactors"`

	// NumMemtables is the number of memtables.
	NumMemtables int `yaml:"num_memtables"`

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64 `yaml:"value_log_file_size"`
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       true,
		NumCompactors:    2,
		NumMemtables:     3,
		ValueLogFileSize: 64 << 20, // 64MB
	}
}

// DB is a BadgerDB holding the state of many contracts, each in its own
// namespace.
type DB struct {
	db     *badger.DB
	log    *zap.Logger
	closed atomic.Bool
}

// badgerLogger routes badger's logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// Open opens the database.
func Open(cfg Config, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("storage")

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if cfg.NumCompactors > 0 {
		opts = opts.WithNumCompactors(cfg.NumCompactors)
	}
	if cfg.NumMemtables > 0 {
		opts = opts.WithNumMemtables(cfg.NumMemtables)
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)).Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	logger.Debug("opened", zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return &DB{db: db, log: logger}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	return d.db.Close()
}

// RunGC runs garbage collection on the value log.
func (d *DB) RunGC() error {
	if d.closed.Load() {
		return ErrClosed
	}
	err := d.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Namespace returns the store of one contract.
func (d *DB) Namespace(ns []byte) (*Store, error) {
	if len(ns) == 0 || len(ns) > MaxNamespaceLength {
		return nil, fmt.Errorf("%w: length %d", ErrNamespace, len(ns))
	}
	prefix := make([]byte, 0, len(prefixContract)+1+len(ns))
	prefix = append(prefix, prefixContract...)
	prefix = append(prefix, byte(len(ns)))
	prefix = append(prefix, ns...)
	return &Store{db: d, prefix: prefix}, nil
}

// Store is one contract's key/value storage. It implements
// backend.KVStore.
type Store struct {
	db     *DB
	prefix []byte
}

var _ backend.KVStore = (*Store)(nil)

func (s *Store) key(k []byte) []byte {
	out := make([]byte, len(s.prefix)+len(k))
	copy(out, s.prefix)
	copy(out[len(s.prefix):], k)
	return out
}

// Get returns the value of key, or nil if it is not set.
func (s *Store) Get(key []byte) ([]byte, error) {
	if s.db.closed.Load() {
		return nil, ErrClosed
	}
	var value []byte
	err := s.db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if value == nil {
			value = []byte{}
		}
		return err
	})
	return value, err
}

// Set writes key. Empty values are stored as such.
func (s *Store) Set(key, value []byte) error {
	if s.db.closed.Load() {
		return ErrClosed
	}
	return s.db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(key), value)
	})
}

// Delete removes key. Removing a missing key is not an error.
func (s *Store) Delete(key []byte) error {
	if s.db.closed.Load() {
		return ErrClosed
	}
	return s.db.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(key))
	})
}

// Iterator walks [start, end) in the given order over a snapshot taken
// when it is created. A nil bound is open.
func (s *Store) Iterator(start, end []byte, order backend.Order) (backend.Iterator, error) {
	if s.db.closed.Load() {
		return nil, ErrClosed
	}
	if !order.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOrder, order)
	}

	lower := s.key(start)
	var upper []byte
	if end != nil {
		upper = s.key(end)
	} else {
		upper = prefixEnd(s.prefix)
	}

	txn := s.db.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = order == backend.Descending
	it := txn.NewIterator(opts)

	if opts.Reverse {
		// Reverse seek lands on the largest key <= upper.
		it.Seek(upper)
		if it.Valid() && bytes.Compare(it.Item().Key(), upper) >= 0 {
			it.Next()
		}
	} else {
		it.Seek(lower)
	}

	return &iterator{
		txn:     txn,
		it:      it,
		prefix:  len(s.prefix),
		lower:   lower,
		upper:   upper,
		reverse: opts.Reverse,
	}, nil
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

type iterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	prefix  int
	lower   []byte
	upper   []byte
	reverse bool
	done    bool
}

func (i *iterator) Next() (backend.Record, bool, error) {
	if i.done || !i.it.Valid() {
		i.done = true
		return backend.Record{}, false, nil
	}
	item := i.it.Item()
	k := item.Key()
	if bytes.Compare(k, i.lower) < 0 || (i.upper != nil && bytes.Compare(k, i.upper) >= 0) {
		i.done = true
		return backend.Record{}, false, nil
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return backend.Record{}, false, err
	}
	if value == nil {
		value = []byte{}
	}
	rec := backend.Record{Key: append([]byte(nil), k[i.prefix:]...), Value: value}
	i.it.Next()
	return rec, true, nil
}

func (i *iterator) Close() error {
	i.it.Close()
	i.txn.Discard()
	return nil
}
