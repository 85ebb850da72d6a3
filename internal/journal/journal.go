// Package journal is an append-only log of control events: mode switches,
// link sessions and operator connections. Sensor samples are never stored.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

// Event kinds.
const (
	KindMode     = "mode"
	KindLink     = "link"
	KindOperator = "operator"
)

var bucketEvents = []byte("events")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal closed")

// Event is one journal entry.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Session string    `json:"session,omitempty"`
	Detail  string    `json:"detail"`
}

// Journal stores events in a bbolt file keyed by a monotonic sequence.
type Journal struct {
	db  *bbolt.DB
	now func() time.Time
	log zerolog.Logger
}

// Open opens or creates the journal at path, creating parent directories.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Journal{
		db:  db,
		now: time.Now,
		log: log.With().Str("component", "journal").Logger(),
	}, nil
}

// Record appends an event.
func (j *Journal) Record(kind, session, detail string) error {
	if j == nil || j.db == nil {
		return ErrClosed
	}
	ev := Event{Time: j.now().UTC(), Kind: kind, Session: session, Detail: detail}
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		v, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(key(seq), v)
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return ErrClosed
		}
		return fmt.Errorf("record %s event: %w", kind, err)
	}
	j.log.Debug().Uint64("seq", ev.Seq).Str("kind", kind).Str("detail", detail).Msg("recorded")
	return nil
}

// List returns up to limit events, newest first. limit <= 0 means all.
func (j *Journal) List(limit int) ([]Event, error) {
	if j == nil || j.db == nil {
		return nil, ErrClosed
	}
	var out []Event
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event %x: %w", k, err)
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return out, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func key(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
