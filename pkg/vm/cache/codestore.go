package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/wasmvm/internal/types"
	"github.com/fortiblox/wasmvm/pkg/vm/wasm"
)

// Bucket names for the code store.
var (
	// bucketCode stores raw bytecode keyed by checksum.
	bucketCode = []byte("code")

	// bucketReports stores the JSON analysis report keyed by checksum.
	bucketReports = []byte("reports")
)

// CodeStore keeps the raw bytecode and analysis report of every stored
// module. It is the source every compiled artifact can be rebuilt from.
type CodeStore struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

// OpenCodeStore creates or opens the code database at path.
func OpenCodeStore(path string, noSync bool) (*CodeStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open code store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCode, bucketReports} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &CodeStore{db: db}, nil
}

func (s *CodeStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores code and its report. Storing the same checksum again
// overwrites both.
func (s *CodeStore) Put(checksum types.Checksum, code []byte, report *wasm.Report) error {
	if err := s.check(); err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCode).Put(checksum[:], code); err != nil {
			return err
		}
		return tx.Bucket(bucketReports).Put(checksum[:], data)
	})
}

// Code returns the raw bytecode stored under checksum.
func (s *CodeStore) Code(checksum types.Checksum) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var code []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCode).Get(checksum[:])
		if data == nil {
			return fmt.Errorf("%w: code %s", ErrNotFound, checksum)
		}
		code = append([]byte(nil), data...)
		return nil
	})
	return code, err
}

// Report returns the stored analysis report of checksum.
func (s *CodeStore) Report(checksum types.Checksum) (*wasm.Report, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var report wasm.Report
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReports).Get(checksum[:])
		if data == nil {
			return fmt.Errorf("%w: report %s", ErrNotFound, checksum)
		}
		return json.Unmarshal(data, &report)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Has reports whether code is stored under checksum.
func (s *CodeStore) Has(checksum types.Checksum) bool {
	if s.check() != nil {
		return false
	}
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketCode).Get(checksum[:]) != nil
		return nil
	})
	return found
}

// Delete removes code and report. Deleting a missing checksum is not an
// error.
func (s *CodeStore) Delete(checksum types.Checksum) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCode).Delete(checksum[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketReports).Delete(checksum[:])
	})
}

// Checksums lists every stored checksum in ascending byte order.
func (s *CodeStore) Checksums() ([]types.Checksum, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []types.Checksum
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCode).ForEach(func(k, _ []byte) error {
			cs, err := types.ChecksumFromBytes(k)
			if err != nil {
				return err
			}
			out = append(out, cs)
			return nil
		})
	})
	return out, err
}

// Size returns the size of the database file in bytes.
func (s *CodeStore) Size() int64 {
	if s.check() != nil {
		return 0
	}
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close closes the database.
func (s *CodeStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
