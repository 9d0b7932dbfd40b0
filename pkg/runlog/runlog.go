// Package runlog provides a bbolt-backed journal of completed runs.
//
// Every run of a machine or topology appends one record: which program
// ran, under which topology, the inputs it consumed, the outputs it
// produced, and how it ended. Records are sequence-numbered and each
// value carries a SHA3-256 checksum so on-disk corruption is detected at
// read time rather than silently returned.
package runlog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/intcore/internal/types"
)

var (
	// ErrNotFound is returned when a record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned when operating on a closed log.
	ErrClosed = errors.New("run log closed")

	// ErrCorrupted is returned when a stored record fails its checksum.
	ErrCorrupted = errors.New("record corrupted")
)

// Bucket names.
var (
	bucketRuns     = []byte("runs")
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyLastSeq = []byte("last_seq")
)

// checksumSize is the length of the SHA3-256 digest prepended to each
// stored record.
const checksumSize = 32

// Record describes one completed run.
type Record struct {
	// Seq is the record's sequence number, assigned on append.
	Seq uint64

	// Program identifies the program that ran.
	Program types.ProgramID

	// Topology names the driving arrangement: "single", "pipeline",
	// "feedback" or "network".
	Topology string

	// Inputs are the values fed to the run.
	Inputs []int64

	// Outputs are the values the run produced.
	Outputs []int64

	// Final is the run's final signal, when the topology defines one.
	Final int64

	// Err is the failure message, empty for a clean halt.
	Err string

	// Started is when the run began.
	Started time.Time

	// Duration is how long the run took.
	Duration time.Duration
}

// Config contains configuration for the run log.
type Config struct {
	// Path is the file path for the database.
	Path string

	// NoSync skips fsync on commit. Faster, riskier.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Log is an append-only journal of run records.
type Log struct {
	db *bbolt.DB

	// lastSeq is cached in memory
	lastSeq atomic.Uint64

	// closed indicates if the log is closed
	closed atomic.Bool
}

// Open opens or creates a run log.
func Open(cfg Config) (*Log, error) {
	opts := &bbolt.Options{
		Timeout:  time.Second,
		NoSync:   cfg.NoSync,
		ReadOnly: cfg.ReadOnly,
	}
	db, err := bbolt.Open(cfg.Path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	l := &Log{db: db}
	if !cfg.ReadOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketRuns); err != nil {
				return err
			}
			_, err := tx.CreateBucketIfNotExists(bucketMetadata)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create buckets: %w", err)
		}
	}
	if err := l.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return l, nil
}

// loadLastSeq reads the cached sequence counter.
func (l *Log) loadLastSeq() error {
	return l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		if val := meta.Get(keyLastSeq); len(val) == 8 {
			l.lastSeq.Store(binary.BigEndian.Uint64(val))
		}
		return nil
	})
}

// Close closes the log.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}

// Append writes a record and returns its assigned sequence number.
func (l *Log) Append(rec Record) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	seq := l.lastSeq.Load() + 1
	rec.Seq = seq

	val, err := encodeRecord(&rec)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	err = l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put(seqKey(seq), val); err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		return tx.Bucket(bucketMetadata).Put(keyLastSeq, buf[:])
	})
	if err != nil {
		return 0, fmt.Errorf("append record %d: %w", seq, err)
	}
	l.lastSeq.Store(seq)
	return seq, nil
}

// Get loads the record with the given sequence number.
func (l *Log) Get(seq uint64) (*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	var val []byte
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRuns).Get(seqKey(seq))
		if raw == nil {
			return ErrNotFound
		}
		val = make([]byte, len(raw))
		copy(val, raw)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("record %d: %w", seq, ErrNotFound)
		}
		return nil, fmt.Errorf("get record %d: %w", seq, err)
	}

	rec, err := decodeRecord(val)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", seq, err)
	}
	return rec, nil
}

// Last returns the most recently appended record, ErrNotFound when the
// log is empty.
func (l *Log) Last() (*Record, error) {
	seq := l.lastSeq.Load()
	if seq == 0 {
		return nil, ErrNotFound
	}
	return l.Get(seq)
}

// Count returns the number of appended records.
func (l *Log) Count() uint64 {
	return l.lastSeq.Load()
}

// Range calls fn for every record in sequence order, stopping early if fn
// returns false.
func (l *Log) Range(fn func(*Record) bool) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// seqKey returns the big-endian key for a sequence number. Big-endian
// keeps cursor iteration in append order.
func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

// encodeRecord serializes a record as checksum || gob.
func encodeRecord(rec *Record) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(rec); err != nil {
		return nil, err
	}
	sum := sha3.Sum256(body.Bytes())
	out := make([]byte, 0, checksumSize+body.Len())
	out = append(out, sum[:]...)
	out = append(out, body.Bytes()...)
	return out, nil
}

// decodeRecord verifies the checksum and deserializes a record.
func decodeRecord(val []byte) (*Record, error) {
	if len(val) < checksumSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupted, len(val))
	}
	body := val[checksumSize:]
	sum := sha3.Sum256(body)
	if !bytes.Equal(sum[:], val[:checksumSize]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &rec, nil
}
