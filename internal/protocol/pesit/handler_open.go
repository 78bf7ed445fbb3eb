package pesit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
	"github.com/pesit-go/pesitd/pkg/journal"
)

// handleOpen opens the selected file for transfer and moves the
// journal record to IN_PROGRESS. For a receive the output path is
// claimed here: a collision with an existing file is refused unless
// the transfer is a resume.
func handleOpen(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateOpenPending); err != nil {
		return nil, err
	}
	t := s.Transfer
	if t == nil {
		return nil, protoErr(fpdu.DiagInvalidTransition, "OPEN without a selected file")
	}

	if t.Direction == journal.DirectionReceive {
		t.LocalPath = filepath.Join(s.deps.Listener.ReceiveDirectory, t.Filename)
		if _, err := os.Stat(t.LocalPath); err == nil && t.RestartPoint == 0 {
			return s.refuseOpen(ctx, fpdu.DiagFileExists,
				fmt.Sprintf("output path %s already exists", t.Filename))
		}
	}

	if err := s.deps.Journal.StartTransfer(ctx, t.JournalID, t.FileSize, t.LocalPath); err != nil {
		return nil, fmt.Errorf("start transfer: %w", err)
	}

	if err := s.transition(StateTransferReady); err != nil {
		return nil, err
	}
	logger.Info("transfer started",
		logger.KeySession, s.ID,
		logger.KeyTransfer, t.JournalID,
		logger.KeyFilename, t.Filename,
		"direction", string(t.Direction),
	)
	return s.reply(fpdu.KindAckOpen).With(fpdu.DiagParam(fpdu.DiagOK)), nil
}

// refuseOpen answers OPEN with a non-zero diagnostic and falls back to
// the selected state; the peer may deselect and try another file.
func (s *Session) refuseOpen(ctx context.Context, d fpdu.Diag, reason string) (*fpdu.FPDU, error) {
	logger.Warn("open refused",
		logger.KeySession, s.ID,
		logger.KeyDiag, d.String(),
		logger.KeyError, reason,
	)
	if err := s.transition(StateFileSelected); err != nil {
		return nil, err
	}
	return s.reply(fpdu.KindAckOpen).With(fpdu.DiagParam(d)), nil
}

// handleClose closes the file handle and returns to the selected
// state.
func handleClose(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateClosePending); err != nil {
		return nil, err
	}
	if t := s.Transfer; t != nil && t.file != nil {
		if err := t.file.Close(); err != nil {
			logger.Warn("close output",
				logger.KeySession, s.ID,
				logger.KeyTransfer, t.JournalID,
				logger.KeyError, err,
			)
		}
		t.file = nil
	}
	if err := s.transition(StateFileSelected); err != nil {
		return nil, err
	}
	return s.reply(fpdu.KindAckClose).With(fpdu.DiagParam(fpdu.DiagOK)), nil
}
