// Package programstore provides the BadgerDB-backed program library.
//
// The store keeps named Intcode programs and memoizes run artifacts: the
// final memory image of a (program, input) pair, keyed by the program's
// content-derived ID and a digest of the input sequence. Snapshot values
// are zstd-compressed; runs of the same program over the same input are
// deterministic, so a cached snapshot is always valid.
package programstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/intcore/internal/types"
	"github.com/fortiblox/intcore/pkg/intcode"
)

var (
	// ErrNotFound is returned when a program or snapshot doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")

	// ErrEmptyName is returned for an empty program name.
	ErrEmptyName = errors.New("empty program name")
)

// Key prefixes for BadgerDB storage.
// Using prefixes allows efficient iteration over specific data types.
var (
	// prefixProgram is the prefix for program text.
	// Key format: prefixProgram + name
	prefixProgram = []byte{0x01}

	// prefixSnapshot is the prefix for memoized memory snapshots.
	// Key format: prefixSnapshot + program id (32 bytes) + input digest (32 bytes)
	prefixSnapshot = []byte{0x02}

	// prefixMeta is the prefix for metadata.
	// Key format: prefixMeta + key name
	prefixMeta = []byte{0x03}

	// metaProgramCount is the key for the stored program count.
	metaProgramCount = append(prefixMeta, []byte("count")...)
)

// Shared zstd coders; both are safe for concurrent use with EncodeAll and
// DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Config contains configuration for the program store.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	// Setting to false improves performance but risks data loss on crash.
	SyncWrites bool

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		InMemory:   false,
		SyncWrites: false,
		Logger:     nil,
	}
}

// Store is a BadgerDB-backed library of Intcode programs.
type Store struct {
	db *badger.DB

	// programCount is cached in memory
	programCount atomic.Uint64

	// closed indicates if the store is closed
	closed atomic.Bool
}

// Open opens or creates a program store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return s, nil
}

// loadMetadata loads the cached program count from disk.
func (s *Store) loadMetadata() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaProgramCount)
		if err == badger.ErrKeyNotFound {
			s.programCount.Store(0)
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				s.programCount.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Put stores a program under the given name, replacing any previous
// version, and returns its content-derived ID.
func (s *Store) Put(name string, program *intcode.Program) (types.ProgramID, error) {
	var id types.ProgramID
	if s.closed.Load() {
		return id, ErrClosed
	}
	if name == "" {
		return id, ErrEmptyName
	}

	text := program.Text()
	id = types.ProgramIDFromText(text)
	key := programKey(name)

	err := s.db.Update(func(txn *badger.Txn) error {
		fresh := false
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			fresh = true
		} else if err != nil {
			return err
		}

		if err := txn.Set(key, []byte(text)); err != nil {
			return err
		}
		if fresh {
			return s.storeCount(txn, s.programCount.Load()+1)
		}
		return nil
	})
	if err != nil {
		return id, fmt.Errorf("put program %q: %w", name, err)
	}
	return id, nil
}

// Get loads the named program.
func (s *Store) Get(name string) (*intcode.Program, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var text []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(programKey(name))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		text, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("program %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get program %q: %w", name, err)
	}
	return intcode.Parse(string(text))
}

// Has reports whether a program with the given name exists.
func (s *Store) Has(name string) bool {
	if s.closed.Load() {
		return false
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(programKey(name))
		return err
	})
	return err == nil
}

// Delete removes the named program.
func (s *Store) Delete(name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		key := programKey(name)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return s.storeCount(txn, s.programCount.Load()-1)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("program %q: %w", name, ErrNotFound)
		}
		return fmt.Errorf("delete program %q: %w", name, err)
	}
	return nil
}

// Count returns the number of stored programs.
func (s *Store) Count() uint64 {
	return s.programCount.Load()
}

// Names returns the names of all stored programs.
func (s *Store) Names() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixProgram
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			names = append(names, string(key[len(prefixProgram):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	return names, nil
}

// PutSnapshot memoizes the final memory image of running the identified
// program over the given input sequence.
func (s *Store) PutSnapshot(id types.ProgramID, input []int64, mem []int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	compressed := zstdEncoder.EncodeAll(encodeWords(mem), nil)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(id, input), compressed)
	})
	if err != nil {
		return fmt.Errorf("put snapshot for %s: %w", id, err)
	}
	return nil
}

// GetSnapshot loads a memoized memory image, ErrNotFound if the pair has
// not been cached.
func (s *Store) GetSnapshot(id types.ProgramID, input []int64) ([]int64, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var compressed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(id, input))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("snapshot for %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get snapshot for %s: %w", id, err)
	}

	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot for %s: %w", id, err)
	}
	return decodeWords(raw)
}

// storeCount persists and caches the program count.
func (s *Store) storeCount(txn *badger.Txn, count uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], count)
	if err := txn.Set(metaProgramCount, buf[:]); err != nil {
		return err
	}
	s.programCount.Store(count)
	return nil
}

// programKey returns the BadgerDB key for a named program.
func programKey(name string) []byte {
	key := make([]byte, 0, len(prefixProgram)+len(name))
	key = append(key, prefixProgram...)
	key = append(key, name...)
	return key
}

// snapshotKey returns the BadgerDB key for a memoized snapshot.
func snapshotKey(id types.ProgramID, input []int64) []byte {
	inputDigest := blake3.Sum256(encodeWords(input))
	key := make([]byte, 0, len(prefixSnapshot)+types.ProgramIDSize+len(inputDigest))
	key = append(key, prefixSnapshot...)
	key = append(key, id.Bytes()...)
	key = append(key, inputDigest[:]...)
	return key
}

// encodeWords packs words little-endian, 8 bytes each.
func encodeWords(words []int64) []byte {
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(w))
	}
	return buf
}

// decodeWords unpacks a little-endian word sequence.
func decodeWords(buf []byte) ([]int64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("malformed word sequence: %d bytes", len(buf))
	}
	words := make([]int64, len(buf)/8)
	for i := range words {
		words[i] = int64(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return words, nil
}
