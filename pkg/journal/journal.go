// Package journal persists transfer records: the durable side of every
// PeSIT transfer, driving auditing, restart and retry. Every status
// change is committed in a single transaction before the caller is
// answered, so a crash never leaves an acknowledged update unrecorded.
package journal

import (
	"context"
	"errors"
	"time"
)

// Direction of a transfer, seen from this server.
type Direction string

const (
	// DirectionSend: this server reads a local file and sends it to the peer.
	DirectionSend Direction = "SEND"

	// DirectionReceive: the peer writes a file to this server.
	DirectionReceive Direction = "RECEIVE"
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	StatusInitiated    Status = "INITIATED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusPaused       Status = "PAUSED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusInterrupted  Status = "INTERRUPTED"
	StatusRetryPending Status = "RETRY_PENDING"
)

// Terminal reports whether no further status change is expected on the
// record itself (retries create a child record instead).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// statusTransitions enumerates the legal forward moves. INTERRUPTED may
// re-enter IN_PROGRESS on resume; PAUSED is peer-coordinated and
// resumable on the same session.
var statusTransitions = map[Status][]Status{
	StatusInitiated: {StatusInProgress, StatusFailed, StatusCancelled, StatusInterrupted},
	StatusInProgress: {
		StatusPaused, StatusCompleted, StatusFailed,
		StatusCancelled, StatusInterrupted,
	},
	StatusPaused:       {StatusInProgress, StatusCancelled, StatusInterrupted},
	StatusFailed:       {StatusRetryPending},
	StatusInterrupted:  {StatusInProgress, StatusRetryPending, StatusCancelled},
	StatusRetryPending: {StatusInProgress, StatusInterrupted, StatusCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Record is the persistent journal entry for a single transfer.
type Record struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	ServerID  string `json:"server_id"`
	NodeID    string `json:"node_id"`
	PartnerID string `json:"partner_id"`

	Filename  string    `json:"filename"`
	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`

	RemoteAddress string `json:"remote_address"`
	LocalPath     string `json:"local_path,omitempty"`

	FileSize         int64 `json:"file_size"`
	BytesTransferred int64 `json:"bytes_transferred"`
	RecordCount      int   `json:"record_count"`
	LastSyncPoint    int64 `json:"last_sync_point"`
	SyncPointCount   int   `json:"sync_point_count"`

	// StartByte is the restart offset this record began at: zero for a
	// fresh transfer, the parent's LastSyncPoint for a retry.
	StartByte int64 `json:"start_byte"`

	Checksum     string `json:"checksum,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	RetryCount       int    `json:"retry_count"`
	MaxRetries       int    `json:"max_retries"`
	ParentTransferID string `json:"parent_transfer_id,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateParams are the inputs to CreateTransfer.
type CreateParams struct {
	SessionID     string
	ServerID      string
	NodeID        string
	PartnerID     string
	Filename      string
	Direction     Direction
	RemoteAddress string
	MaxRetries    int
	StartByte     int64
	ParentID      string
}

var (
	// ErrNotFound is returned for an unknown transfer id.
	ErrNotFound = errors.New("journal: transfer not found")

	// ErrIllegalTransition is returned when a status change would move
	// a record backwards or out of a terminal state.
	ErrIllegalTransition = errors.New("journal: illegal status transition")

	// ErrRetriesExhausted is returned by RetryTransfer when the chain
	// has used up MaxRetries.
	ErrRetriesExhausted = errors.New("journal: retries exhausted")
)

// Journal is the narrow command interface over the transfer store.
// Implementations are safe for concurrent use; per-transfer updates are
// totally ordered by the caller (one session owns one transfer).
type Journal interface {
	// CreateTransfer records a new transfer with status INITIATED and
	// returns its id.
	CreateTransfer(ctx context.Context, p CreateParams) (string, error)

	// StartTransfer moves the record to IN_PROGRESS and records the
	// negotiated file size and local path.
	StartTransfer(ctx context.Context, id string, fileSize int64, localPath string) error

	// UpdateProgress durably records the byte count. Callers debounce;
	// the journal accepts every call.
	UpdateProgress(ctx context.Context, id string, bytesTransferred int64) error

	// RecordSyncPoint records an acknowledged sync position and
	// increments the sync-point counter.
	RecordSyncPoint(ctx context.Context, id string, position int64) error

	// PauseTransfer / ResumeTransfer implement the peer-coordinated
	// suspension: resumable on the same session.
	PauseTransfer(ctx context.Context, id string) error
	ResumeTransfer(ctx context.Context, id string) error

	// CompleteTransfer moves the record to COMPLETED and stamps the
	// completion time.
	CompleteTransfer(ctx context.Context, id string, bytesTransferred int64, recordCount int) error

	// RecordChecksum attaches an integrity hash computed after
	// completion. Legal only on COMPLETED records.
	RecordChecksum(ctx context.Context, id string, checksum string) error

	// FailTransfer moves the record to FAILED with an error code and
	// message.
	FailTransfer(ctx context.Context, id, errorCode, errorMessage string) error

	// CancelTransfer moves the record to CANCELLED.
	CancelTransfer(ctx context.Context, id, reason string) error

	// InterruptTransfer moves the record to INTERRUPTED, preserving
	// LastSyncPoint for a later retry.
	InterruptTransfer(ctx context.Context, id, reason string) error

	// MarkInterruptedTransfers forces every IN_PROGRESS or
	// RETRY_PENDING record owned by nodeID to INTERRUPTED and returns
	// how many were touched. Called on startup and on shutdown.
	MarkInterruptedTransfers(ctx context.Context, nodeID string) (int, error)

	// RetryTransfer creates a child record inheriting the parent's
	// LastSyncPoint as StartByte. The parent moves to RETRY_PENDING.
	RetryTransfer(ctx context.Context, originalID string) (string, error)

	// GetTransfer returns the record for id.
	GetTransfer(ctx context.Context, id string) (*Record, error)

	// ListByStatus returns all records currently in the given status.
	ListByStatus(ctx context.Context, status Status) ([]*Record, error)

	// PurgeOlderThan removes terminal records whose completion or last
	// update predates cutoff. Returns the number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases the underlying store.
	Close() error
}
