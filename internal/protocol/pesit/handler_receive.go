package pesit

import (
	"context"
	"fmt"
	"os"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
	"github.com/pesit-go/pesitd/pkg/journal"
)

// handleWrite opens the output file and answers with the restart
// point: zero for a fresh transfer, the inherited sync position for a
// resumed one. Bytes past the restart point from the earlier attempt
// are discarded here.
func handleWrite(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateWritePending); err != nil {
		return nil, err
	}
	t := s.Transfer
	if t == nil || t.Direction != journal.DirectionReceive {
		return nil, protoErr(fpdu.DiagInvalidTransition, "WRITE without a receive transfer")
	}

	var (
		file *os.File
		err  error
	)
	if t.RestartPoint > 0 {
		file, err = os.OpenFile(t.LocalPath, os.O_WRONLY, 0644)
		if err == nil {
			if err = file.Truncate(t.RestartPoint); err == nil {
				_, err = file.Seek(t.RestartPoint, 0)
			}
		}
	} else {
		file, err = os.OpenFile(t.LocalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	}
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		logger.Error("open output file",
			logger.KeySession, s.ID,
			logger.KeyFilename, t.Filename,
			logger.KeyError, err,
		)
		if terr := s.transition(StateTransferReady); terr != nil {
			return nil, terr
		}
		return s.reply(fpdu.KindAckWrite).With(fpdu.DiagParam(fpdu.DiagFileAccess)), nil
	}
	t.file = file
	t.Bytes = t.RestartPoint

	if err := s.transition(StateReceivingData); err != nil {
		return nil, err
	}
	return s.reply(fpdu.KindAckWrite).
		With(fpdu.DiagParam(fpdu.DiagOK)).
		With(fpdu.Uint(fpdu.PIRestartPoint, uint64(t.RestartPoint))), nil
}

// handleDTF appends the payload to the output file. Data frames are
// not acknowledged; sync points are. Journal progress persists at a
// coarse stride so the hot path stays off the store.
func handleDTF(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	t := s.Transfer
	if t == nil || t.file == nil {
		return nil, protoErr(fpdu.DiagInvalidTransition, "DTF without an open output file")
	}

	n, err := t.file.Write(f.Payload)
	if err != nil {
		return nil, protoErr(fpdu.DiagDiskFull, "write output: %v", err)
	}
	t.Bytes += int64(n)
	t.Records++
	t.sinceProgress += int64(n)

	if t.sinceProgress >= progressPersistStride {
		t.sinceProgress = 0
		if err := s.deps.Journal.UpdateProgress(ctx, t.JournalID, t.Bytes); err != nil {
			logger.Warn("update progress",
				logger.KeySession, s.ID,
				logger.KeyTransfer, t.JournalID,
				logger.KeyError, err,
			)
		}
	}
	return nil, nil
}

// handleSyn flushes the output to durable storage, records the sync
// position and echoes the sync point number.
func handleSyn(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateResyncPending); err != nil {
		return nil, err
	}
	t := s.Transfer

	num, err := requiredUint(f, fpdu.PISyncPoint)
	if err != nil {
		return nil, err
	}

	if t.file != nil {
		if err := t.file.Sync(); err != nil {
			return nil, protoErr(fpdu.DiagDiskFull, "sync output: %v", err)
		}
	}
	if err := s.deps.Journal.RecordSyncPoint(ctx, t.JournalID, t.Bytes); err != nil {
		return nil, fmt.Errorf("record sync point: %w", err)
	}
	t.LastSyncPoint = t.Bytes
	t.SyncCount++
	t.sinceProgress = 0

	logger.Debug("sync point",
		logger.KeySession, s.ID,
		logger.KeyTransfer, t.JournalID,
		logger.KeySyncPt, t.LastSyncPoint,
		"number", num,
	)

	if err := s.transition(StateReceivingData); err != nil {
		return nil, err
	}
	return s.reply(fpdu.KindAckSyn).With(fpdu.Uint(fpdu.PISyncPoint, num)), nil
}

// handleResyn rewinds the transfer to an earlier acknowledged
// position. Refused with a diagnostic when resynchronization was not
// negotiated or the position lies beyond acknowledged data.
func handleResyn(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateResyncPending); err != nil {
		return nil, err
	}
	t := s.Transfer

	pos, err := requiredUint(f, fpdu.PIRestartPoint)
	if err != nil {
		return nil, err
	}

	if err := s.transition(StateReceivingData); err != nil {
		return nil, err
	}

	if !s.ResyncEnabled {
		return s.reply(fpdu.KindAckResyn).With(fpdu.DiagParam(fpdu.DiagOutOfRange)), nil
	}
	if int64(pos) > t.LastSyncPoint {
		return s.reply(fpdu.KindAckResyn).With(fpdu.DiagParam(fpdu.DiagOutOfRange)), nil
	}

	if t.file != nil {
		if err := t.file.Truncate(int64(pos)); err != nil {
			return nil, protoErr(fpdu.DiagFileAccess, "truncate to resync point: %v", err)
		}
		if _, err := t.file.Seek(int64(pos), 0); err != nil {
			return nil, protoErr(fpdu.DiagFileAccess, "seek to resync point: %v", err)
		}
	}
	t.Bytes = int64(pos)
	t.Records = 0

	logger.Info("resynchronized",
		logger.KeySession, s.ID,
		logger.KeyTransfer, t.JournalID,
		logger.KeySyncPt, int64(pos),
	)
	return s.reply(fpdu.KindAckResyn).
		With(fpdu.DiagParam(fpdu.DiagOK)).
		With(fpdu.Uint(fpdu.PIRestartPoint, pos)), nil
}

// handleDTFEnd flushes and closes the output file. The path stays in
// the journal; TRANS_END finalizes.
func handleDTFEnd(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	t := s.Transfer
	if t.file != nil {
		if err := t.file.Sync(); err != nil {
			return nil, protoErr(fpdu.DiagDiskFull, "flush output: %v", err)
		}
		if err := t.file.Close(); err != nil {
			return nil, protoErr(fpdu.DiagFileAccess, "close output: %v", err)
		}
		t.file = nil
	}
	if err := s.transition(StateWriteEnd); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleTransEnd finalizes the receive: the ACK reports the totals the
// server accounted, not the peer's claim.
func handleTransEnd(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	t := s.Transfer
	if err := s.completeTransfer(ctx); err != nil {
		return nil, err
	}
	if err := s.transition(StateTransferReady); err != nil {
		return nil, err
	}
	return s.reply(fpdu.KindAckTransEnd).
		With(fpdu.DiagParam(fpdu.DiagOK)).
		With(fpdu.Uint(fpdu.PIByteCount, uint64(t.Bytes))).
		With(fpdu.Uint(fpdu.PIRecordCount, uint64(t.Records))), nil
}

// handleIDT honors a peer interrupt: preserve everything up to the
// last sync point and keep the session usable.
func handleIDT(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	s.interruptTransfer(ctx, fpdu.DiagInterrupted.String(), "peer interrupt")
	if err := s.transition(StateTransferReady); err != nil {
		return nil, err
	}
	return s.reply(fpdu.KindAckIDT).With(fpdu.DiagParam(fpdu.DiagOK)), nil
}

// requiredUint reads a mandatory integer parameter.
func requiredUint(f *fpdu.FPDU, id uint8) (uint64, error) {
	p, ok := f.Param(id)
	if !ok {
		return 0, protoErr(fpdu.DiagMissingParam, "%s missing parameter %#02x", f.Kind, id)
	}
	v, err := p.AsUint()
	if err != nil {
		return 0, protoErr(fpdu.DiagOutOfRange, "%s parameter %#02x: %v", f.Kind, id, err)
	}
	return v, nil
}
