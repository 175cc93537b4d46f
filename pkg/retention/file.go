package retention

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/broker/pkg/event"
	"github.com/cuemby/broker/pkg/log"
	"github.com/cuemby/broker/pkg/metrics"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents = []byte("events")
	bucketMeta   = []byte("meta")

	keyConsumed = []byte("consumed")
)

// readAheadSize is the number of records decoded per read transaction
const readAheadSize = 128

// ErrClosed is returned by operations on a closed file
var ErrClosed = errors.New("retention file closed")

type record struct {
	seq uint64
	ev  *event.Event
}

// File is an append-only, transactional log of events.
//
// Records are stored in a bbolt bucket keyed by a monotonically increasing
// sequence number. Writes issued between Transaction and Commit are buffered
// and land in a single bbolt transaction, so a crash leaves either all of
// them or none. Reads advance a cursor persisted in the meta bucket; records
// behind it are deleted lazily.
type File struct {
	mu   sync.Mutex
	path string
	db   *bolt.DB

	inTx    bool
	pending [][]byte

	readAhead []record
	consumed  uint64
	stored    int

	logger zerolog.Logger
}

// Open opens or creates the retention file at path
func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create retention directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open retention file %s: %w", path, err)
	}

	f := &File{
		path:   path,
		db:     db,
		logger: log.WithFile(path),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketEvents)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketEvents, err)
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMeta, err)
		}
		if v := meta.Get(keyConsumed); len(v) == 8 {
			f.consumed = binary.BigEndian.Uint64(v)
		}
		if err := f.trim(b); err != nil {
			return err
		}
		c := b.Cursor()
		for k, _ := c.Seek(seqKey(f.consumed + 1)); k != nil; k, _ = c.Next() {
			f.stored++
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	f.logger.Debug().Int("records", f.stored).Msg("retention file opened")
	return f, nil
}

// Path returns the file location
func (f *File) Path() string {
	return f.path
}

// Len returns the number of records not yet read, including uncommitted ones
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored + len(f.pending)
}

// Transaction begins a buffered write session. Calling it while a session
// is open has no effect.
func (f *File) Transaction() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.db == nil {
		return ErrClosed
	}
	f.inTx = true
	return nil
}

// InTransaction reports whether a write session is open
func (f *File) InTransaction() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inTx
}

// Add appends an event. Inside a transaction the record is buffered until
// Commit; otherwise it is committed immediately.
func (f *File) Add(ev *event.Event) error {
	buf, err := event.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", ev.Type(), err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.db == nil {
		return ErrClosed
	}
	if f.inTx {
		f.pending = append(f.pending, buf)
		return nil
	}
	return f.put([][]byte{buf})
}

// Commit writes the buffered records in one atomic bbolt transaction
func (f *File) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commit()
}

func (f *File) commit() error {
	if f.db == nil {
		return ErrClosed
	}
	if !f.inTx {
		return nil
	}
	f.inTx = false
	if len(f.pending) == 0 {
		return nil
	}
	records := f.pending
	f.pending = nil
	return f.put(records)
}

// Rollback discards the buffered records
func (f *File) Rollback() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.pending); n > 0 {
		f.logger.Debug().Int("records", n).Msg("transaction rolled back")
	}
	f.inTx = false
	f.pending = nil
}

func (f *File) put(records [][]byte) error {
	err := f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, rec := range records {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %d records to %s: %w", len(records), f.path, err)
	}
	f.stored += len(records)
	metrics.RetentionRecordsWritten.Add(float64(len(records)))
	return nil
}

// Get returns the next committed event in file order, or nil when there is
// nothing left to read. A corrupt record ends the stream: it and every
// record after it are discarded. Records of unknown message types are
// skipped.
func (f *File) Get() (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.db == nil {
		return nil, ErrClosed
	}
	if len(f.readAhead) == 0 {
		if err := f.fill(); err != nil {
			return nil, err
		}
		if len(f.readAhead) == 0 {
			return nil, nil
		}
	}

	rec := f.readAhead[0]
	f.readAhead[0] = record{}
	f.readAhead = f.readAhead[1:]
	f.consumed = rec.seq
	f.stored--
	metrics.RetentionRecordsRead.Inc()
	return rec.ev, nil
}

// fill persists the read cursor, drops consumed records and decodes the next
// batch into the read-ahead buffer. A record of an unknown message type is
// skipped on its own; a corrupt record discards the rest of the file.
func (f *File) fill() error {
	var batch []record
	dropped := 0

	err := f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if err := f.saveCursor(tx); err != nil {
			return err
		}
		if err := f.trim(b); err != nil {
			return err
		}

		var discard [][]byte
		truncating := false
		c := b.Cursor()
		for k, v := c.Seek(seqKey(f.consumed + 1)); k != nil; k, v = c.Next() {
			if truncating {
				discard = append(discard, append([]byte(nil), k...))
				continue
			}
			if len(batch) == readAheadSize {
				break
			}
			seq := binary.BigEndian.Uint64(k)
			ev, err := event.Unmarshal(v)
			switch {
			case errors.Is(err, event.ErrUnknownMessage):
				f.logger.Warn().Err(err).Uint64("seq", seq).Msg("skipping record of unknown message type")
				discard = append(discard, append([]byte(nil), k...))
			case err != nil:
				f.logger.Error().Err(err).Uint64("seq", seq).
					Msg("corrupt record, discarding the rest of the file")
				discard = append(discard, append([]byte(nil), k...))
				truncating = true
			default:
				batch = append(batch, record{seq: seq, ev: ev})
			}
		}

		for _, k := range discard {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		dropped = len(discard)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read from %s: %w", f.path, err)
	}

	f.stored -= dropped
	f.readAhead = batch
	return nil
}

// trim deletes records at or before the read cursor. Keys are ordered, so
// the walk stops at the first unread record.
func (f *File) trim(b *bolt.Bucket) error {
	var done [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= f.consumed; k, _ = c.Next() {
		done = append(done, append([]byte(nil), k...))
	}
	for _, k := range done {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("failed to delete consumed record: %w", err)
		}
	}
	return nil
}

func (f *File) saveCursor(tx *bolt.Tx) error {
	return tx.Bucket(bucketMeta).Put(keyConsumed, seqKey(f.consumed))
}

// Scan visits every unread committed record without consuming it. A
// non-nil error passed to fn marks a corrupt record.
func (f *File) Scan(fn func(seq uint64, ev *event.Event, err error) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.db == nil {
		return ErrClosed
	}
	return f.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(f.consumed + 1)); k != nil; k, v = c.Next() {
			ev, err := event.Unmarshal(v)
			if err := fn(binary.BigEndian.Uint64(k), ev, err); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close commits any open transaction, persists the read cursor and closes
// the file. Records read ahead but not returned by Get stay in the file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.db == nil {
		return nil
	}

	var errs []error
	if f.inTx {
		if err := f.commit(); err != nil {
			errs = append(errs, err)
		}
	}
	err := f.db.Update(func(tx *bolt.Tx) error {
		if err := f.saveCursor(tx); err != nil {
			return err
		}
		return f.trim(tx.Bucket(bucketEvents))
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to save read position: %w", err))
	}
	if err := f.db.Close(); err != nil {
		errs = append(errs, err)
	}

	f.db = nil
	f.readAhead = nil
	f.pending = nil
	f.logger.Debug().Msg("retention file closed")
	return errors.Join(errs...)
}

// Remove closes the file, discarding uncommitted records, and deletes it
func (f *File) Remove() error {
	f.mu.Lock()
	f.inTx = false
	f.pending = nil
	f.mu.Unlock()

	if err := f.Close(); err != nil {
		f.logger.Warn().Err(err).Msg("error closing retention file before removal")
	}
	return Remove(f.path)
}

// Remove deletes the retention file at path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove retention file %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a retention file is present at path
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
