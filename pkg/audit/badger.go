package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/pesit-go/pesitd/internal/logger"
)

// BadgerSink persists events to badger and mirrors them to the
// structured log. Keys are time-ordered (a:<unix-nanos>:<seq>) so range
// scans by time window stay cheap for whatever reads them later.
type BadgerSink struct {
	db        *badger.DB
	seq       atomic.Uint64
	retention time.Duration
}

// Options configure the audit store.
type Options struct {
	Dir       string
	InMemory  bool // tests only
	Retention time.Duration
}

// Open opens (creating if needed) the audit store.
func Open(opts Options) (*BadgerSink, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return &BadgerSink{db: db, retention: opts.Retention}, nil
}

func (s *BadgerSink) key(ts time.Time) []byte {
	return []byte(fmt.Sprintf("a:%020d:%06d", ts.UnixNano(), s.seq.Add(1)))
}

// Record commits the event and mirrors it to the log.
func (s *BadgerSink) Record(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	val, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(s.key(ev.Timestamp), val)
		if s.retention > 0 {
			entry = entry.WithTTL(s.retention)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return err
	}

	logger.Info("audit",
		"category", string(ev.Category),
		"event", ev.EventType,
		"outcome", string(ev.Outcome),
		logger.KeyPartner, ev.PartnerID,
		logger.KeySession, ev.SessionID,
		logger.KeyError, ev.ErrorMessage,
	)
	return nil
}

// Events returns all events in [from, to), oldest first.
func (s *BadgerSink) Events(ctx context.Context, from, to time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("a:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev Event
				if err := json.Unmarshal(val, &ev); err != nil {
					return err
				}
				if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
					out = append(out, ev)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying store.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}
