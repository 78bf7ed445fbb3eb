package pesit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
	"github.com/pesit-go/pesitd/pkg/audit"
	"github.com/pesit-go/pesitd/pkg/journal"
)

// handleCreate selects a logical file the peer will write to us. On
// refusal the ACK carries a non-zero diagnostic and the session stays
// usable for another attempt.
func handleCreate(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateCreatePending); err != nil {
		return nil, err
	}

	t, d, reason := s.newTransfer(f, journal.DirectionReceive)
	if !d.OK() {
		return s.refuseSelection(ctx, fpdu.KindAckCreate, d, reason)
	}

	if err := s.registerTransfer(ctx, t); err != nil {
		return nil, err
	}
	if err := s.transition(StateFileSelected); err != nil {
		return nil, err
	}

	ack := s.reply(fpdu.KindAckCreate).
		With(fpdu.DiagParam(fpdu.DiagOK)).
		With(fpdu.Group(fpdu.PGIFileID,
			fpdu.Uint(fpdu.PIFileType, uint64(t.FileType)),
			fpdu.String(fpdu.PIFilename, t.Filename),
			fpdu.Uint(fpdu.PITransferID, t.TransferID),
		)).
		With(fpdu.Group(fpdu.PGILogical,
			fpdu.Uint(fpdu.PIRecordFormat, uint64(t.RecordFormat)),
			fpdu.Uint(fpdu.PIRecordLength, uint64(t.RecordLength)),
		)).
		With(fpdu.Uint(fpdu.PIMaxEntitySize, uint64(t.MaxEntitySize)))
	return ack, nil
}

// handleSelect selects a logical file the peer will read from us. The
// four attribute groups are mandatory in the ACK; conformant peers
// abort without them.
func handleSelect(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateSelectPending); err != nil {
		return nil, err
	}

	t, d, reason := s.newTransfer(f, journal.DirectionSend)
	if !d.OK() {
		return s.refuseSelection(ctx, fpdu.KindAckSelect, d, reason)
	}

	t.LocalPath = filepath.Join(s.deps.Listener.SendDirectory, t.Filename)
	info, err := os.Stat(t.LocalPath)
	if err != nil {
		return s.refuseSelection(ctx, fpdu.KindAckSelect, fpdu.DiagFileNotFound,
			fmt.Sprintf("no such file %s", t.Filename))
	}
	t.FileSize = info.Size()

	if err := s.registerTransfer(ctx, t); err != nil {
		return nil, err
	}
	if err := s.transition(StateFileSelected); err != nil {
		return nil, err
	}

	ack := s.reply(fpdu.KindAckSelect).
		With(fpdu.DiagParam(fpdu.DiagOK)).
		With(fpdu.Group(fpdu.PGIFileID,
			fpdu.Uint(fpdu.PIFileType, uint64(t.FileType)),
			fpdu.String(fpdu.PIFilename, t.Filename),
			fpdu.Uint(fpdu.PITransferID, t.TransferID),
		)).
		With(fpdu.Group(fpdu.PGILogical,
			fpdu.Uint(fpdu.PIRecordFormat, uint64(t.RecordFormat)),
			fpdu.Uint(fpdu.PIRecordLength, uint64(t.RecordLength)),
		)).
		With(fpdu.Group(fpdu.PGIPhysical,
			fpdu.Uint(fpdu.PIReservUnit, 0),
			fpdu.Uint(fpdu.PIMaxReserv, uint64(t.MaxReserv)),
		)).
		With(fpdu.Group(fpdu.PGIHistory,
			fpdu.String(fpdu.PICreationDate, info.ModTime().UTC().Format("20060102150405")),
			fpdu.String(fpdu.PIModifiedDate, info.ModTime().UTC().Format("20060102150405")),
		)).
		With(fpdu.Uint(fpdu.PIFileSize, uint64(t.FileSize)))
	return ack, nil
}

// newTransfer builds the in-memory transfer context from the selection
// frame. Returns a non-OK diagnostic on refusal.
func (s *Session) newTransfer(f *fpdu.FPDU, dir journal.Direction) (*Transfer, fpdu.Diag, string) {
	fileGroup, ok := f.Group(fpdu.PGIFileID)
	if !ok {
		return nil, fpdu.DiagMissingParam, "missing PGI_09"
	}
	nameParam, ok := fileGroup.Find(fpdu.PIFilename)
	if !ok || len(nameParam.Value) == 0 {
		return nil, fpdu.DiagMissingParam, "missing PI_12 filename"
	}

	// The filename names a file inside the configured directory and
	// nothing else. Anything with a path component is refused.
	filename := nameParam.AsString()
	if filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return nil, fpdu.DiagFileAccess, "filename not acceptable: " + filename
	}

	t := &Transfer{
		Filename:      filename,
		Direction:     dir,
		MaxEntitySize: s.deps.Listener.MaxEntitySize,
		StartedAt:     time.Now(),
	}

	if ft, ok := fileGroup.Find(fpdu.PIFileType); ok {
		if v, err := ft.AsUint(); err == nil {
			t.FileType = int(v)
		}
	}
	if tid, ok := fileGroup.Find(fpdu.PITransferID); ok {
		if v, err := tid.AsUint(); err == nil {
			t.TransferID = v
		}
	}

	if logical, ok := f.Group(fpdu.PGILogical); ok {
		if rf, ok := logical.Find(fpdu.PIRecordFormat); ok {
			if v, err := rf.AsUint(); err == nil {
				t.RecordFormat = int(v)
			}
		}
		if rl, ok := logical.Find(fpdu.PIRecordLength); ok {
			if v, err := rl.AsUint(); err == nil {
				t.RecordLength = int(v)
			}
		}
	}
	if physical, ok := f.Group(fpdu.PGIPhysical); ok {
		if mr, ok := physical.Find(fpdu.PIMaxReserv); ok {
			if v, err := mr.AsUint(); err == nil {
				t.MaxReserv = int(v)
			}
		}
	}

	if mes, ok := f.Param(fpdu.PIMaxEntitySize); ok {
		if v, err := mes.AsUint(); err == nil && v > 0 && int(v) < t.MaxEntitySize {
			t.MaxEntitySize = int(v)
		}
	}

	// Logical file resolution. In strict mode an unknown file is an
	// access refusal; a known record supplies the file attributes the
	// peer left out.
	if fc, ok := s.deps.Snapshot.File(filename); ok {
		s.fileCfg = fc
		s.hasFileCfg = true
		if t.RecordFormat == 0 && fc.RecordFormat != 0 {
			t.RecordFormat = fc.RecordFormat
		}
		if t.RecordLength == 0 && fc.RecordLength != 0 {
			t.RecordLength = fc.RecordLength
		}
	} else if s.deps.Listener.StrictFileCheck {
		return nil, fpdu.DiagAuthFailed, "file not configured: " + filename
	}

	return t, fpdu.DiagOK, ""
}

// registerTransfer attaches the transfer to the session and its record
// to the journal. An INITIATED retry child for the same file is
// adopted instead of creating a fresh record, so the restart point
// survives the reconnect.
func (s *Session) registerTransfer(ctx context.Context, t *Transfer) error {
	if child := s.findPendingRetry(ctx, t); child != nil {
		t.JournalID = child.ID
		t.RestartPoint = child.StartByte
		t.Bytes = child.StartByte
		s.Transfer = t
		logger.Info("transfer resumes retry",
			logger.KeySession, s.ID,
			logger.KeyTransfer, t.JournalID,
			logger.KeySyncPt, t.RestartPoint,
		)
		return nil
	}

	id, err := s.deps.Journal.CreateTransfer(ctx, journal.CreateParams{
		SessionID:     s.ID,
		ServerID:      s.deps.Listener.ServerID,
		NodeID:        s.deps.NodeID,
		PartnerID:     s.PartnerID,
		Filename:      t.Filename,
		Direction:     t.Direction,
		RemoteAddress: s.RemoteAddr,
		MaxRetries:    s.deps.Listener.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("create transfer record: %w", err)
	}
	t.JournalID = id
	s.Transfer = t
	return nil
}

// findPendingRetry looks for an INITIATED retry child matching this
// listener, partner and filename.
func (s *Session) findPendingRetry(ctx context.Context, t *Transfer) *journal.Record {
	records, err := s.deps.Journal.ListByStatus(ctx, journal.StatusInitiated)
	if err != nil {
		logger.Warn("retry lookup", logger.KeySession, s.ID, logger.KeyError, err)
		return nil
	}
	for _, r := range records {
		if r.ParentTransferID == "" {
			continue
		}
		if r.ServerID == s.deps.Listener.ServerID &&
			strings.EqualFold(r.PartnerID, s.PartnerID) &&
			r.Filename == t.Filename &&
			r.Direction == t.Direction {
			return r
		}
	}
	return nil
}

// refuseSelection answers a CREATE/SELECT with a non-zero diagnostic
// and returns the session to CONNECTED.
func (s *Session) refuseSelection(ctx context.Context, ackKind fpdu.Kind, d fpdu.Diag, reason string) (*fpdu.FPDU, error) {
	s.auditEvent(ctx, audit.Event{
		Category:     audit.CategoryAuthorization,
		EventType:    "FILE_SELECTION",
		Outcome:      audit.OutcomeDenied,
		ErrorCode:    d.String(),
		ErrorMessage: reason,
	})
	logger.Warn("file selection refused",
		logger.KeySession, s.ID,
		logger.KeyDiag, d.String(),
		logger.KeyError, reason,
	)
	if err := s.transition(StateConnected); err != nil {
		return nil, err
	}
	return s.reply(ackKind).With(fpdu.DiagParam(d)), nil
}

// handleDeselect releases the selected file. A record still INITIATED
// is cancelled; it never ran.
func handleDeselect(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateDeselectPending); err != nil {
		return nil, err
	}

	if t := s.Transfer; t != nil && !t.done {
		if t.file != nil {
			_ = t.file.Close()
			t.file = nil
		}
		if err := s.deps.Journal.CancelTransfer(ctx, t.JournalID, "deselected"); err != nil {
			logger.Warn("cancel on deselect",
				logger.KeySession, s.ID,
				logger.KeyTransfer, t.JournalID,
				logger.KeyError, err,
			)
		}
		t.done = true
		s.recordOutcome(t, "cancelled")
	}
	s.Transfer = nil
	s.hasFileCfg = false

	if err := s.transition(StateConnected); err != nil {
		return nil, err
	}
	return s.reply(fpdu.KindAckDeselect).With(fpdu.DiagParam(fpdu.DiagOK)), nil
}
