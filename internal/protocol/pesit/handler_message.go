package pesit

import (
	"context"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
	"github.com/pesit-go/pesitd/pkg/audit"
)

// messageContent extracts the message bytes: PI_91, or PI_99 for the
// free-form variant.
func messageContent(f *fpdu.FPDU) []byte {
	if p, ok := f.Param(fpdu.PIMessage); ok {
		return p.Value
	}
	if p, ok := f.Param(fpdu.PIFreeMessage); ok {
		return p.Value
	}
	return nil
}

// handleMsg acknowledges a short, unsegmented message.
func handleMsg(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateMsgReceiving); err != nil {
		return nil, err
	}
	return s.finishMessage(ctx, messageContent(f))
}

// handleMsgDM starts reassembly of a segmented message.
func handleMsgDM(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateMsgReceiving); err != nil {
		return nil, err
	}
	s.msgBuf = append(s.msgBuf[:0], messageContent(f)...)
	return nil, nil
}

// handleMsgMM appends a middle segment.
func handleMsgMM(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateMsgReceiving); err != nil {
		return nil, err
	}
	return nil, s.appendMessage(messageContent(f))
}

// handleMsgFM appends the final segment and acknowledges the whole.
func handleMsgFM(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.appendMessage(messageContent(f)); err != nil {
		return nil, err
	}
	msg := s.msgBuf
	s.msgBuf = nil
	return s.finishMessage(ctx, msg)
}

func (s *Session) appendMessage(segment []byte) error {
	if len(s.msgBuf)+len(segment) > maxMessageSize {
		return protoErr(fpdu.DiagOutOfRange, "message exceeds %d bytes", maxMessageSize)
	}
	s.msgBuf = append(s.msgBuf, segment...)
	return nil
}

// finishMessage audits the delivery, acknowledges it and returns the
// session to CONNECTED.
func (s *Session) finishMessage(ctx context.Context, msg []byte) (*fpdu.FPDU, error) {
	s.auditEvent(ctx, audit.Event{
		Category:         audit.CategoryTransfer,
		EventType:        "MESSAGE_RECEIVED",
		Outcome:          audit.OutcomeSuccess,
		BytesTransferred: int64(len(msg)),
	})
	logger.Info("message received",
		logger.KeySession, s.ID,
		logger.KeyPartner, s.PartnerID,
		logger.KeyBytes, len(msg),
	)

	if err := s.transition(StateConnected); err != nil {
		return nil, err
	}
	return s.reply(fpdu.KindAckMsg).With(fpdu.DiagParam(fpdu.DiagOK)), nil
}
