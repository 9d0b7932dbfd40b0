package runlog

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/fortiblox/intcore/internal/types"
)

// openTestLog opens a log in a temp directory, closed with the test.
func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "runs.db")))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// testRecord returns a populated record.
func testRecord() Record {
	return Record{
		Program:  types.ProgramIDFromText("3,0,4,0,99"),
		Topology: "single",
		Inputs:   []int64{42},
		Outputs:  []int64{42},
		Final:    42,
		Started:  time.Now().UTC().Truncate(time.Microsecond),
		Duration: 1500 * time.Microsecond,
	}
}

// TestLogAppendGet tests the record round trip.
func TestLogAppendGet(t *testing.T) {
	l := openTestLog(t)
	rec := testRecord()

	seq, err := l.Append(rec)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("Append() = %d, want 1", seq)
	}

	got, err := l.Get(seq)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	rec.Seq = seq
	if !reflect.DeepEqual(*got, rec) {
		t.Errorf("Get() = %+v, want %+v", *got, rec)
	}
}

// TestLogSequencing tests sequence assignment and Last.
func TestLogSequencing(t *testing.T) {
	l := openTestLog(t)

	if _, err := l.Last(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Last() on empty log = %v, want ErrNotFound", err)
	}

	for i := 0; i < 5; i++ {
		rec := testRecord()
		rec.Final = int64(i)
		seq, err := l.Append(rec)
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		if seq != uint64(i+1) {
			t.Errorf("Append() = %d, want %d", seq, i+1)
		}
	}

	if l.Count() != 5 {
		t.Errorf("Count() = %d, want 5", l.Count())
	}

	last, err := l.Last()
	if err != nil {
		t.Fatalf("Last() failed: %v", err)
	}
	if last.Seq != 5 || last.Final != 4 {
		t.Errorf("Last() = seq %d final %d, want 5, 4", last.Seq, last.Final)
	}
}

// TestLogGetMissing tests the not-found path.
func TestLogGetMissing(t *testing.T) {
	l := openTestLog(t)
	if _, err := l.Get(7); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(7) = %v, want ErrNotFound", err)
	}
}

// TestLogRange tests in-order iteration and early stop.
func TestLogRange(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 4; i++ {
		rec := testRecord()
		rec.Final = int64(i * 10)
		if _, err := l.Append(rec); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	var finals []int64
	err := l.Range(func(rec *Record) bool {
		finals = append(finals, rec.Final)
		return true
	})
	if err != nil {
		t.Fatalf("Range() failed: %v", err)
	}
	if !reflect.DeepEqual(finals, []int64{0, 10, 20, 30}) {
		t.Errorf("Range() visited %v, want [0 10 20 30]", finals)
	}

	count := 0
	l.Range(func(rec *Record) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("Range() with early stop visited %d, want 2", count)
	}
}

// TestLogReopen tests that the sequence counter survives reopen.
func TestLogReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	l, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := l.Append(testRecord()); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if _, err := l.Append(testRecord()); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	l.Close()

	l, err = Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l.Close()

	if l.Count() != 2 {
		t.Errorf("Count() after reopen = %d, want 2", l.Count())
	}
	seq, err := l.Append(testRecord())
	if err != nil {
		t.Fatalf("Append() after reopen failed: %v", err)
	}
	if seq != 3 {
		t.Errorf("Append() after reopen = %d, want 3", seq)
	}
}

// TestLogCorruptionDetected tests that a tampered record fails its
// checksum instead of decoding.
func TestLogCorruptionDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	l, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	seq, err := l.Append(testRecord())
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	l.Close()

	// Flip one payload byte behind the log's back.
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open() failed: %v", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		val := b.Get(seqKey(seq))
		tampered := make([]byte, len(val))
		copy(tampered, val)
		tampered[len(tampered)-1] ^= 0xFF
		return b.Put(seqKey(seq), tampered)
	})
	db.Close()
	if err != nil {
		t.Fatalf("tampering failed: %v", err)
	}

	l, err = Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l.Close()

	if _, err := l.Get(seq); !errors.Is(err, ErrCorrupted) {
		t.Errorf("Get() on tampered record = %v, want ErrCorrupted", err)
	}
}

// TestLogClosed tests operations after Close.
func TestLogClosed(t *testing.T) {
	l := openTestLog(t)
	l.Close()

	if _, err := l.Append(testRecord()); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after Close = %v, want ErrClosed", err)
	}
	if _, err := l.Get(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close = %v, want ErrClosed", err)
	}
}
