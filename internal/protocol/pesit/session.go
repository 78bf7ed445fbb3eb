package pesit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
	"github.com/pesit-go/pesitd/pkg/audit"
	"github.com/pesit-go/pesitd/pkg/config"
	"github.com/pesit-go/pesitd/pkg/journal"
	"github.com/pesit-go/pesitd/pkg/metrics"
	"github.com/pesit-go/pesitd/pkg/secrets"
)

// ErrSessionDone signals an orderly end of session: the peer released
// the connection, or a refusal was emitted that ends it. The transport
// loop closes the connection without treating it as a failure.
var ErrSessionDone = errors.New("pesit: session done")

// progressPersistStride is how many received bytes may accumulate
// before the journal progress is durably updated. Sync points persist
// unconditionally, so this only bounds the staleness between them.
const progressPersistStride = 1 << 20

// maxMessageSize bounds the message reassembly buffer.
const maxMessageSize = 1 << 20

// connIDCounter hands out server connection ids, process-wide, so two
// sessions never share one. Zero is skipped: the protocol reserves it
// for "not yet assigned".
var connIDCounter atomic.Uint32

func nextConnID() uint16 {
	for {
		if id := uint16(connIDCounter.Add(1)); id != 0 {
			return id
		}
	}
}

// ProtocolError is a protocol-level failure carrying the diagnostic to
// report. Fatal errors end the session with an ABORT; non-fatal ones
// are reported in the pending response and leave the session usable.
type ProtocolError struct {
	Diag    fpdu.Diag
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Diag, e.Message)
}

func protoErr(d fpdu.Diag, format string, args ...any) *ProtocolError {
	return &ProtocolError{Diag: d, Message: fmt.Sprintf(format, args...)}
}

// Transfer is the in-memory context of the session's active transfer.
type Transfer struct {
	JournalID string

	Filename   string
	FileType   int
	TransferID uint64
	Direction  journal.Direction

	RecordFormat int
	RecordLength int
	MaxReserv    int

	LocalPath string
	FileSize  int64

	file *os.File

	Bytes   int64
	Records int

	// RestartPoint is the byte offset this transfer (re)starts at:
	// zero fresh, the parent's last sync point on a retry.
	RestartPoint int64

	LastSyncPoint int64
	SyncCount     int

	MaxEntitySize int

	StartedAt time.Time

	// sinceProgress counts bytes received since the last durable
	// progress update. sinceSync counts bytes sent since the last sync
	// point on the send path.
	sinceProgress int64
	sinceSync     int64

	done bool
}

// Deps are the collaborators a session calls into. All of them are
// process-wide and safe for concurrent use.
type Deps struct {
	Journal  journal.Journal
	Audit    audit.Sink
	Secrets  secrets.Service
	Snapshot *config.Snapshot
	Listener config.ListenerConfig
	Metrics  metrics.PesitMetrics
	NodeID   string
}

// Session is the per-connection protocol context. A single worker owns
// it; nothing here is safe for concurrent use.
type Session struct {
	ID         string
	RemoteAddr string

	deps Deps

	state State

	// ClientConnID is the peer's connection id, echoed verbatim as the
	// destination on every response. ServerConnID is ours, stable once
	// assigned.
	ClientConnID uint16
	ServerConnID uint16

	PartnerID string
	partner   config.PartnerConfig
	hasRecord bool

	Version    int
	AccessType uint8

	SyncIntervalKB int
	SyncWindow     int
	ResyncEnabled  bool
	CRCEnabled     bool

	StartedAt    time.Time
	LastActivity time.Time

	Transfer *Transfer

	fileCfg    config.FileConfig
	hasFileCfg bool

	msgBuf []byte

	aborted   bool
	closeNext bool

	// emit writes a frame to the peer. Set by the transport loop before
	// the first Handle call; tests substitute a collector.
	emit func(*fpdu.FPDU) error
}

// NewSession creates a session in the initial state.
func NewSession(remoteAddr string, deps Deps, emit func(*fpdu.FPDU) error) *Session {
	now := time.Now()
	return &Session{
		ID:           xid.New().String(),
		RemoteAddr:   remoteAddr,
		deps:         deps,
		state:        StateRepos,
		StartedAt:    now,
		LastActivity: now,
		emit:         emit,
	}
}

// State returns the current protocol state.
func (s *Session) State() State { return s.state }

// Aborted reports whether the session ended in ABORT.
func (s *Session) Aborted() bool { return s.aborted }

// transition moves the state machine, enforcing the legal-next-state
// table. An illegal move is a protocol error the caller converts into
// an ABORT.
func (s *Session) transition(next State) error {
	if !s.state.CanTransition(next) {
		return protoErr(fpdu.DiagInvalidTransition,
			"illegal transition %s -> %s", s.state, next)
	}
	logger.Debug("state transition",
		logger.KeySession, s.ID,
		logger.KeyState, next.String(),
		"from", s.state.String(),
	)
	s.state = next
	return nil
}

// reply builds a response frame addressed to the peer: destination is
// the client's connection id, source is ours.
func (s *Session) reply(kind fpdu.Kind) *fpdu.FPDU {
	return fpdu.New(kind, s.ClientConnID, s.ServerConnID)
}

func (s *Session) send(f *fpdu.FPDU) error {
	logger.Debug("fpdu out",
		logger.KeySession, s.ID,
		logger.KeyFPDU, f.Kind.String(),
	)
	return s.emit(f)
}

// Handle processes one inbound frame: dispatch, state enforcement,
// error-to-ABORT conversion. It returns ErrSessionDone when the
// session ended in order, or a hard error when the transport must be
// dropped.
func (s *Session) Handle(ctx context.Context, f *fpdu.FPDU) error {
	s.LastActivity = time.Now()

	logger.Debug("fpdu in",
		logger.KeySession, s.ID,
		logger.KeyFPDU, f.Kind.String(),
		logger.KeyState, s.state.String(),
	)

	entry, ok := dispatchTable[f.Kind]
	if !ok {
		return s.abort(ctx, fpdu.DiagUnknownFPDU,
			fmt.Sprintf("unhandled FPDU %s", f.Kind))
	}
	if !entry.allowedIn(s.state) {
		s.auditEvent(ctx, audit.Event{
			Category:     audit.CategorySecurity,
			EventType:    "INVALID_TRANSITION",
			Outcome:      audit.OutcomeFailure,
			ErrorCode:    fpdu.DiagInvalidTransition.String(),
			ErrorMessage: fmt.Sprintf("%s in state %s", f.Kind, s.state),
		})
		return s.abort(ctx, fpdu.DiagInvalidTransition,
			fmt.Sprintf("%s not legal in state %s", f.Kind, s.state))
	}

	resp, err := entry.handle(ctx, s, f)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return s.abort(ctx, perr.Diag, perr.Message)
		}
		return s.abort(ctx, fpdu.DiagMalformed, err.Error())
	}

	if resp != nil {
		if err := s.send(resp); err != nil {
			return fmt.Errorf("write %s: %w", resp.Kind, err)
		}
	}
	if s.closeNext {
		return ErrSessionDone
	}
	return nil
}

// abort transitions to ERROR, finalizes any active transfer, emits
// ABORT when the transport is still writable, and ends the session.
// File-class diagnostics mark the transfer FAILED; everything else
// interrupts it, keeping the sync point for a later retry.
func (s *Session) abort(ctx context.Context, d fpdu.Diag, reason string) error {
	logger.Warn("session abort",
		logger.KeySession, s.ID,
		logger.KeyDiag, d.String(),
		logger.KeyError, reason,
	)
	s.aborted = true
	if s.state != StateError {
		s.state = StateError
	}
	if d.Class() == 2 {
		s.failTransfer(ctx, d.String(), reason)
	} else {
		s.interruptTransfer(ctx, d.String(), reason)
	}

	ab := s.reply(fpdu.KindAbort).With(fpdu.DiagParam(d))
	if err := s.send(ab); err != nil {
		logger.Debug("abort emit failed", logger.KeySession, s.ID, logger.KeyError, err)
	}
	return ErrSessionDone
}

// HandleMalformed is called by the transport loop when the codec
// reports an unreadable frame. Malformed input is fatal.
func (s *Session) HandleMalformed(ctx context.Context, decodeErr error) error {
	return s.abort(ctx, fpdu.DiagMalformed, decodeErr.Error())
}

// HandleUnknownKind is called when the codec decoded the frame but did
// not recognize the phase/type pair.
func (s *Session) HandleUnknownKind(ctx context.Context, f *fpdu.FPDU) error {
	if f != nil {
		s.ClientConnID = f.SrcID
	}
	return s.abort(ctx, fpdu.DiagUnknownFPDU,
		fmt.Sprintf("unknown FPDU kind %s", f.Kind))
}

// HandleDisconnect is called when the transport drops or times out.
// Any in-flight transfer is preserved for retry.
func (s *Session) HandleDisconnect(ctx context.Context, reason string) {
	s.interruptTransfer(ctx, fpdu.DiagInterrupted.String(), reason)
}

// interruptTransfer closes the output file and marks the journal
// record INTERRUPTED, keeping the last sync point for a later retry.
// No-op when there is no live transfer.
func (s *Session) interruptTransfer(ctx context.Context, code, reason string) {
	t := s.Transfer
	if t == nil || t.done {
		return
	}
	t.done = true
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	if t.JournalID != "" {
		if err := s.deps.Journal.InterruptTransfer(ctx, t.JournalID, reason); err != nil {
			logger.Error("interrupt transfer",
				logger.KeySession, s.ID,
				logger.KeyTransfer, t.JournalID,
				logger.KeyError, err,
			)
		}
	}
	s.auditEvent(ctx, audit.Event{
		Category:         audit.CategoryTransfer,
		EventType:        "TRANSFER_INTERRUPTED",
		Outcome:          audit.OutcomeFailure,
		TransferID:       t.JournalID,
		Filename:         t.Filename,
		BytesTransferred: t.Bytes,
		ErrorCode:        code,
		ErrorMessage:     reason,
	})
	s.recordOutcome(t, "interrupted")
	logger.Info("transfer interrupted",
		logger.KeySession, s.ID,
		logger.KeyTransfer, t.JournalID,
		logger.KeyBytes, t.Bytes,
		logger.KeySyncPt, t.LastSyncPoint,
	)
}

// failTransfer closes the output file and marks the journal record
// FAILED. Used for file-class errors where the attempt itself broke;
// a retry chains off the FAILED record. No-op when there is no live
// transfer.
func (s *Session) failTransfer(ctx context.Context, code, reason string) {
	t := s.Transfer
	if t == nil || t.done {
		return
	}
	t.done = true
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	if t.JournalID != "" {
		if err := s.deps.Journal.FailTransfer(ctx, t.JournalID, code, reason); err != nil {
			logger.Error("fail transfer",
				logger.KeySession, s.ID,
				logger.KeyTransfer, t.JournalID,
				logger.KeyError, err,
			)
		}
	}
	s.auditEvent(ctx, audit.Event{
		Category:         audit.CategoryTransfer,
		EventType:        "TRANSFER_FAILED",
		Outcome:          audit.OutcomeFailure,
		TransferID:       t.JournalID,
		Filename:         t.Filename,
		BytesTransferred: t.Bytes,
		ErrorCode:        code,
		ErrorMessage:     reason,
	})
	s.recordOutcome(t, "failed")
	logger.Info("transfer failed",
		logger.KeySession, s.ID,
		logger.KeyTransfer, t.JournalID,
		logger.KeyBytes, t.Bytes,
		logger.KeyError, reason,
	)
}

// recordOutcome counts a finished transfer on the metrics sink.
func (s *Session) recordOutcome(t *Transfer, outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTransfer(s.deps.Listener.ServerID, string(t.Direction), outcome)
	}
}

// completeTransfer finalizes the record and schedules the checksum.
func (s *Session) completeTransfer(ctx context.Context) error {
	t := s.Transfer
	if err := s.deps.Journal.CompleteTransfer(ctx, t.JournalID, t.Bytes, t.Records); err != nil {
		return err
	}
	t.done = true
	s.recordOutcome(t, "completed")

	s.auditEvent(ctx, audit.Event{
		Category:         audit.CategoryTransfer,
		EventType:        "TRANSFER_COMPLETED",
		Outcome:          audit.OutcomeSuccess,
		PartnerID:        s.PartnerID,
		TransferID:       t.JournalID,
		Filename:         t.Filename,
		BytesTransferred: t.Bytes,
		DurationMs:       time.Since(t.StartedAt).Milliseconds(),
	})
	logger.Info("transfer completed",
		logger.KeySession, s.ID,
		logger.KeyTransfer, t.JournalID,
		logger.KeyFilename, t.Filename,
		logger.KeyBytes, t.Bytes,
		logger.KeyRecords, t.Records,
		logger.KeyDuration, time.Since(t.StartedAt),
	)

	// Hashing a large file must not hold up the ACK; the checksum is
	// attached to the completed record whenever it lands.
	go recordChecksum(s.deps.Journal, t.JournalID, t.LocalPath)
	return nil
}

// recordChecksum computes the SHA-256 of the transferred file and
// attaches it to the journal record.
func recordChecksum(j journal.Journal, transferID, path string) {
	f, err := os.Open(path)
	if err != nil {
		logger.Warn("checksum open", logger.KeyTransfer, transferID, logger.KeyError, err)
		return
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		logger.Warn("checksum read", logger.KeyTransfer, transferID, logger.KeyError, err)
		return
	}
	sum := hex.EncodeToString(h.Sum(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := j.RecordChecksum(ctx, transferID, sum); err != nil {
		logger.Warn("checksum record", logger.KeyTransfer, transferID, logger.KeyError, err)
	}
}

// auditEvent records an audit event, filling the session fields.
func (s *Session) auditEvent(ctx context.Context, ev audit.Event) {
	ev.SessionID = s.ID
	if ev.ClientIP == "" {
		ev.ClientIP = s.RemoteAddr
	}
	if ev.PartnerID == "" {
		ev.PartnerID = s.PartnerID
	}
	if err := s.deps.Audit.Record(ctx, ev); err != nil {
		logger.Warn("audit record", logger.KeySession, s.ID, logger.KeyError, err)
	}
}
