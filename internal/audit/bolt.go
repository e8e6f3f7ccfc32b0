package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	recordsBucket  = []byte("approval_log")
	terminalBucket = []byte("approval_terminal")
	eventsBucket   = []byte("audit_events")
)

// BoltStore keeps the log in a single bbolt file. Keys are big-endian
// sequence numbers, so cursor order is insertion order.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltStore opens (or creates) the bbolt database at path.
func NewBoltStore(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{recordsBucket, terminalBucket, eventsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltStore{db: db, logger: logger}, nil
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// Append writes rec and sets rec.Seq. A second terminal record for the same
// request fails with ErrDuplicateTerminal and writes nothing.
func (s *BoltStore) Append(_ context.Context, rec *Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		terminal := tx.Bucket(terminalBucket)

		if IsTerminal(rec.Kind) && terminal.Get([]byte(rec.RequestID)) != nil {
			return fmt.Errorf("appending %s for %s: %w", rec.Kind, rec.RequestID, ErrDuplicateTerminal)
		}
		seq, err := records.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating seq: %w", err)
		}
		r := *rec
		r.Seq = int64(seq)
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		if err := records.Put(seqKey(seq), payload); err != nil {
			return err
		}
		if IsTerminal(rec.Kind) {
			if err := terminal.Put([]byte(rec.RequestID), seqKey(seq)); err != nil {
				return err
			}
		}
		rec.Seq = r.Seq
		return nil
	})
}

// Latest returns the newest record for requestID.
func (s *BoltStore) Latest(_ context.Context, requestID string) (*Record, error) {
	var found *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.RequestID == requestID {
				found = &r
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading latest record: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// History returns records matching q.
func (s *BoltStore) History(_ context.Context, q HistoryQuery) ([]Record, error) {
	limit := clampLimit(q.Limit)
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if q.matches(&r) {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// Unresolved returns the creation record of every request that has no
// terminal record yet.
func (s *BoltStore) Unresolved(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		terminal := tx.Bucket(terminalBucket)
		return tx.Bucket(recordsBucket).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.Kind == KindRequested && terminal.Get([]byte(r.RequestID)) == nil {
				out = append(out, r)
			}
			return nil
		})
	})
	return out, err
}

// Record writes a security event. Failures are logged.
func (s *BoltStore) Record(_ context.Context, eventType, severity, message string, metadata map[string]any) {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), payload)
	})
	if err != nil {
		s.logger.Error("audit write failed", "id", ev.ID, "error", err)
	}
}

// Events returns security events matching q.
func (s *BoltStore) Events(_ context.Context, q EventQuery) ([]Event, error) {
	limit := clampLimit(q.Limit)
	var out []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if q.matches(&e) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
