package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/pesit-go/pesitd/internal/logger"
)

// Key namespace:
//
//	t:<uuid>            Record (JSON)
//	n:<nodeID>:<uuid>   node ownership index (empty value)
//
// The node index makes the startup/shutdown sweep a prefix scan instead
// of a full table walk.
const (
	prefixTransfer = "t:"
	prefixNode     = "n:"
)

func keyTransfer(id string) []byte {
	return []byte(prefixTransfer + id)
}

func keyNode(nodeID, id string) []byte {
	return []byte(prefixNode + nodeID + ":" + id)
}

// BadgerJournal is the badger/v4 backed Journal. Every mutating call is
// a single transactional commit; badger syncs the WAL before Commit
// returns, which is what makes the journal crash-safe.
type BadgerJournal struct {
	db *badger.DB
}

// Options configure the journal store.
type Options struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir string

	// InMemory runs the store without disk persistence. Tests only.
	InMemory bool
}

// Open opens (creating if needed) the journal store.
func Open(opts Options) (*BadgerJournal, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	return &BadgerJournal{db: db}, nil
}

// Close releases the underlying store.
func (j *BadgerJournal) Close() error {
	return j.db.Close()
}

// CreateTransfer records a new transfer with status INITIATED.
func (j *BadgerJournal) CreateTransfer(ctx context.Context, p CreateParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:               uuid.NewString(),
		SessionID:        p.SessionID,
		ServerID:         p.ServerID,
		NodeID:           p.NodeID,
		PartnerID:        p.PartnerID,
		Filename:         p.Filename,
		Direction:        p.Direction,
		Status:           StatusInitiated,
		RemoteAddress:    p.RemoteAddress,
		StartByte:        p.StartByte,
		BytesTransferred: p.StartByte,
		LastSyncPoint:    p.StartByte,
		MaxRetries:       p.MaxRetries,
		ParentTransferID: p.ParentID,
		StartedAt:        now,
		UpdatedAt:        now,
	}

	err := j.db.Update(func(txn *badger.Txn) error {
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		return txn.Set(keyNode(rec.NodeID, rec.ID), nil)
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// StartTransfer moves the record to IN_PROGRESS.
func (j *BadgerJournal) StartTransfer(ctx context.Context, id string, fileSize int64, localPath string) error {
	return j.update(ctx, id, func(rec *Record) error {
		if err := transition(rec, StatusInProgress); err != nil {
			return err
		}
		rec.FileSize = fileSize
		rec.LocalPath = localPath
		return nil
	})
}

// UpdateProgress records the byte count.
func (j *BadgerJournal) UpdateProgress(ctx context.Context, id string, bytesTransferred int64) error {
	return j.update(ctx, id, func(rec *Record) error {
		if rec.Status != StatusInProgress {
			return fmt.Errorf("%w: progress on %s record", ErrIllegalTransition, rec.Status)
		}
		rec.BytesTransferred = bytesTransferred
		return nil
	})
}

// RecordSyncPoint records an acknowledged sync position.
func (j *BadgerJournal) RecordSyncPoint(ctx context.Context, id string, position int64) error {
	return j.update(ctx, id, func(rec *Record) error {
		if rec.Status != StatusInProgress {
			return fmt.Errorf("%w: sync point on %s record", ErrIllegalTransition, rec.Status)
		}
		rec.LastSyncPoint = position
		if rec.BytesTransferred < position {
			rec.BytesTransferred = position
		}
		rec.SyncPointCount++
		return nil
	})
}

// PauseTransfer moves the record to PAUSED.
func (j *BadgerJournal) PauseTransfer(ctx context.Context, id string) error {
	return j.update(ctx, id, func(rec *Record) error {
		return transition(rec, StatusPaused)
	})
}

// ResumeTransfer moves a PAUSED or INTERRUPTED record back to IN_PROGRESS.
func (j *BadgerJournal) ResumeTransfer(ctx context.Context, id string) error {
	return j.update(ctx, id, func(rec *Record) error {
		return transition(rec, StatusInProgress)
	})
}

// CompleteTransfer moves the record to COMPLETED.
func (j *BadgerJournal) CompleteTransfer(ctx context.Context, id string, bytesTransferred int64, recordCount int) error {
	return j.update(ctx, id, func(rec *Record) error {
		if err := transition(rec, StatusCompleted); err != nil {
			return err
		}
		rec.BytesTransferred = bytesTransferred
		rec.RecordCount = recordCount
		now := time.Now().UTC()
		rec.CompletedAt = &now
		return nil
	})
}

// RecordChecksum attaches an integrity hash to a completed record.
func (j *BadgerJournal) RecordChecksum(ctx context.Context, id string, checksum string) error {
	return j.update(ctx, id, func(rec *Record) error {
		if rec.Status != StatusCompleted {
			return fmt.Errorf("%w: checksum on %s record", ErrIllegalTransition, rec.Status)
		}
		rec.Checksum = checksum
		return nil
	})
}

// FailTransfer moves the record to FAILED.
func (j *BadgerJournal) FailTransfer(ctx context.Context, id, errorCode, errorMessage string) error {
	return j.update(ctx, id, func(rec *Record) error {
		if err := transition(rec, StatusFailed); err != nil {
			return err
		}
		rec.ErrorCode = errorCode
		rec.ErrorMessage = errorMessage
		now := time.Now().UTC()
		rec.CompletedAt = &now
		return nil
	})
}

// CancelTransfer moves the record to CANCELLED.
func (j *BadgerJournal) CancelTransfer(ctx context.Context, id, reason string) error {
	return j.update(ctx, id, func(rec *Record) error {
		if err := transition(rec, StatusCancelled); err != nil {
			return err
		}
		rec.ErrorMessage = reason
		now := time.Now().UTC()
		rec.CompletedAt = &now
		return nil
	})
}

// InterruptTransfer moves the record to INTERRUPTED.
func (j *BadgerJournal) InterruptTransfer(ctx context.Context, id, reason string) error {
	return j.update(ctx, id, func(rec *Record) error {
		if err := transition(rec, StatusInterrupted); err != nil {
			return err
		}
		rec.ErrorMessage = reason
		return nil
	})
}

// MarkInterruptedTransfers sweeps every IN_PROGRESS or RETRY_PENDING
// record owned by nodeID to INTERRUPTED.
func (j *BadgerJournal) MarkInterruptedTransfers(ctx context.Context, nodeID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := j.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixNode + nodeID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(opts.Prefix):])
			rec, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			if rec.Status != StatusInProgress && rec.Status != StatusRetryPending {
				continue
			}
			rec.Status = StatusInterrupted
			rec.ErrorMessage = "node restart sweep"
			rec.UpdatedAt = time.Now().UTC()
			if err := putRecord(txn, rec); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logger.Info("Marked in-progress transfers interrupted", logger.KeyNode, nodeID, "count", count)
	}
	return count, nil
}

// RetryTransfer creates a child record for a failed or interrupted
// transfer, inheriting the parent's last sync point as start offset.
func (j *BadgerJournal) RetryTransfer(ctx context.Context, originalID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var childID string
	err := j.db.Update(func(txn *badger.Txn) error {
		parent, err := getRecord(txn, originalID)
		if err != nil {
			return err
		}
		if parent.Status.Terminal() && parent.Status != StatusFailed {
			return fmt.Errorf("%w: cannot retry %s record", ErrIllegalTransition, parent.Status)
		}
		if parent.RetryCount >= parent.MaxRetries {
			return ErrRetriesExhausted
		}

		now := time.Now().UTC()
		child := *parent
		child.ID = uuid.NewString()
		child.Status = StatusInitiated
		child.ParentTransferID = parent.ID
		child.StartByte = parent.LastSyncPoint
		child.BytesTransferred = parent.LastSyncPoint
		child.RetryCount = parent.RetryCount + 1
		child.SyncPointCount = 0
		child.Checksum = ""
		child.ErrorCode = ""
		child.ErrorMessage = ""
		child.StartedAt = now
		child.UpdatedAt = now
		child.CompletedAt = nil

		if parent.Status != StatusRetryPending {
			if !parent.Status.CanTransition(StatusRetryPending) {
				return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, parent.Status, StatusRetryPending)
			}
			parent.Status = StatusRetryPending
			parent.UpdatedAt = now
			if err := putRecord(txn, parent); err != nil {
				return err
			}
		}
		if err := putRecord(txn, &child); err != nil {
			return err
		}
		if err := txn.Set(keyNode(child.NodeID, child.ID), nil); err != nil {
			return err
		}
		childID = child.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return childID, nil
}

// GetTransfer returns the record for id.
func (j *BadgerJournal) GetTransfer(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *Record
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByStatus returns all records in the given status.
func (j *BadgerJournal) ListByStatus(ctx context.Context, status Status) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Record
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTransfer)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				if rec.Status == status {
					out = append(out, &rec)
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

// PurgeOlderThan removes terminal records last touched before cutoff.
func (j *BadgerJournal) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := j.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTransfer)
		it := txn.NewIterator(opts)
		defer it.Close()

		var doomed []*Record
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
					doomed = append(doomed, &rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, rec := range doomed {
			if err := txn.Delete(keyTransfer(rec.ID)); err != nil {
				return err
			}
			if err := txn.Delete(keyNode(rec.NodeID, rec.ID)); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// update loads, mutates and stores a record in one transaction.
func (j *BadgerJournal) update(ctx context.Context, id string, mutate func(*Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()
		return putRecord(txn, rec)
	})
}

func transition(rec *Record, next Status) error {
	if !rec.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (transfer %s)", ErrIllegalTransition, rec.Status, next, rec.ID)
	}
	rec.Status = next
	return nil
}

func getRecord(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get(keyTransfer(id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(keyTransfer(rec.ID), val)
}
