package pesit

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
	"github.com/pesit-go/pesitd/pkg/bufpool"
	"github.com/pesit-go/pesitd/pkg/journal"
)

// handleRead starts the outbound stream. The server emits ACK_READ and
// immediately pumps DTF frames up to the first sync point; each SYN
// then waits for the peer's ACK_SYN before the pump continues. A
// source-file failure answers with a non-zero diagnostic and leaves
// the session at TRANSFER_READY.
func handleRead(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateReadPending); err != nil {
		return nil, err
	}
	t := s.Transfer
	if t == nil || t.Direction != journal.DirectionSend {
		return nil, protoErr(fpdu.DiagInvalidTransition, "READ without a send transfer")
	}

	restart := int64(0)
	if rp, ok := f.Param(fpdu.PIRestartPoint); ok {
		if v, err := rp.AsUint(); err == nil {
			restart = int64(v)
		}
	}
	if restart > t.FileSize {
		restart = 0
	}

	file, err := os.Open(t.LocalPath)
	if err == nil && restart > 0 {
		_, err = file.Seek(restart, 0)
	}
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		logger.Error("open source file",
			logger.KeySession, s.ID,
			logger.KeyFilename, t.Filename,
			logger.KeyError, err,
		)
		if terr := s.transition(StateTransferReady); terr != nil {
			return nil, terr
		}
		return s.reply(fpdu.KindAckRead).With(fpdu.DiagParam(fpdu.DiagFileAccess)), nil
	}
	t.file = file
	t.Bytes = restart
	t.RestartPoint = restart

	if err := s.send(s.reply(fpdu.KindAckRead).
		With(fpdu.DiagParam(fpdu.DiagOK)).
		With(fpdu.Uint(fpdu.PIRestartPoint, uint64(restart)))); err != nil {
		return nil, err
	}
	if err := s.transition(StateSendingData); err != nil {
		return nil, err
	}
	return nil, s.pumpSend(ctx)
}

// pumpSend emits DTF frames until the next sync point, end of file, or
// a write error. At a sync point it emits SYN and returns; the pump
// resumes from handleAckSyn. At end of file it emits DTF_END and
// TRANS_END and waits for ACK_TRANS_END in READ_END.
func (s *Session) pumpSend(ctx context.Context) error {
	t := s.Transfer

	chunk := t.MaxEntitySize
	if max := fpdu.MaxFrameSize - fpdu.HeaderSize; chunk > max {
		chunk = max
	}
	syncStride := int64(0)
	if s.SyncIntervalKB > 0 {
		syncStride = int64(s.SyncIntervalKB) * 1024
	}

	buf := bufpool.Get(chunk)
	defer bufpool.Put(buf)
	for {
		if syncStride > 0 && t.sinceSync >= syncStride {
			t.sinceSync = 0
			t.SyncCount++
			syn := s.reply(fpdu.KindSyn).
				With(fpdu.Uint(fpdu.PISyncPoint, uint64(t.SyncCount)))
			return s.send(syn)
		}

		n, err := t.file.Read(buf)
		if n > 0 {
			dtf := s.reply(fpdu.KindDTF)
			dtf.Payload = append([]byte(nil), buf[:n]...)
			if serr := s.send(dtf); serr != nil {
				return serr
			}
			t.Bytes += int64(n)
			t.Records++
			t.sinceSync += int64(n)
		}
		if err == io.EOF {
			return s.finishSend(ctx)
		}
		if err != nil {
			return protoErr(fpdu.DiagFileAccess, "read source: %v", err)
		}
	}
}

// finishSend signals end of data and moves to READ_END awaiting the
// peer's ACK_TRANS_END.
func (s *Session) finishSend(ctx context.Context) error {
	t := s.Transfer
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}

	if err := s.send(s.reply(fpdu.KindDTFEnd)); err != nil {
		return err
	}
	end := s.reply(fpdu.KindTransEnd).
		With(fpdu.Uint(fpdu.PIByteCount, uint64(t.Bytes))).
		With(fpdu.Uint(fpdu.PIRecordCount, uint64(t.Records)))
	if err := s.send(end); err != nil {
		return err
	}
	return s.transition(StateReadEnd)
}

// handleAckSyn records the acknowledged position and resumes the pump.
func handleAckSyn(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	t := s.Transfer
	if t == nil || t.file == nil {
		return nil, protoErr(fpdu.DiagInvalidTransition, "ACK_SYN without an active send")
	}

	if err := s.deps.Journal.RecordSyncPoint(ctx, t.JournalID, t.Bytes); err != nil {
		return nil, fmt.Errorf("record sync point: %w", err)
	}
	t.LastSyncPoint = t.Bytes

	if err := s.transition(StateSendingData); err != nil {
		return nil, err
	}
	return nil, s.pumpSend(ctx)
}

// handleAckTransEnd completes the outbound transfer.
func handleAckTransEnd(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.completeTransfer(ctx); err != nil {
		return nil, err
	}
	if err := s.transition(StateTransferReady); err != nil {
		return nil, err
	}
	return nil, nil
}
