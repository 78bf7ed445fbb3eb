package pesit

import (
	"context"
	"strings"
	"time"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
	"github.com/pesit-go/pesitd/pkg/audit"
)

// handleConnect negotiates the session. Validation order is fixed:
// partner, server name, protocol version, password, access rights.
// The first failure refuses the connection with an RCONNECT carrying
// the cited diagnostic; the session closes after the refusal.
func handleConnect(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateConnectPending); err != nil {
		return nil, err
	}

	s.ClientConnID = f.SrcID

	partnerID, ok := f.Param(fpdu.PIPartnerID)
	if !ok {
		return nil, protoErr(fpdu.DiagMissingParam, "CONNECT without PI_03 partner id")
	}
	s.PartnerID = partnerID.AsString()

	if d, reason := s.validateConnect(f); !d.OK() {
		return s.refuseConnect(ctx, d, reason)
	}

	s.ServerConnID = nextConnID()
	s.negotiateOptions(f)

	if err := s.transition(StateConnected); err != nil {
		return nil, err
	}

	s.auditEvent(ctx, audit.Event{
		Category:  audit.CategoryAuthentication,
		EventType: "CONNECT",
		Outcome:   audit.OutcomeSuccess,
	})
	logger.Info("session connected",
		logger.KeySession, s.ID,
		logger.KeyPartner, s.PartnerID,
		logger.KeyServer, s.deps.Listener.ServerID,
		logger.KeyRemote, s.RemoteAddr,
	)

	ack := s.reply(fpdu.KindAConnect).
		With(fpdu.DiagParam(fpdu.DiagOK)).
		With(fpdu.String(fpdu.PIServerID, s.deps.Listener.ServerID)).
		With(fpdu.Uint(fpdu.PIVersion, uint64(s.Version)))
	if s.SyncIntervalKB > 0 {
		ack.With(fpdu.Bytes(fpdu.PISyncOption, []byte{
			byte(s.SyncIntervalKB >> 8), byte(s.SyncIntervalKB),
			byte(s.SyncWindow),
		}))
	}
	if s.ResyncEnabled {
		ack.With(fpdu.Uint(fpdu.PIResync, 1))
	}
	ack.With(fpdu.Uint(fpdu.PIMaxEntitySize, uint64(s.deps.Listener.MaxEntitySize)))
	return ack, nil
}

// validateConnect runs the CONNECT checks in order and returns the
// first failing diagnostic.
func (s *Session) validateConnect(f *fpdu.FPDU) (fpdu.Diag, string) {
	l := s.deps.Listener

	// 1. Partner existence and status.
	partner, known := s.deps.Snapshot.Partner(s.PartnerID)
	if !known && l.StrictPartnerCheck {
		return fpdu.DiagUnknownPartner, "unknown partner " + s.PartnerID
	}
	if known {
		if !partner.Enabled {
			return fpdu.DiagAuthFailed, "partner disabled"
		}
		s.partner = partner
		s.hasRecord = true
	}

	// 2. Requested server name, when the client sends one.
	if sid, ok := f.Param(fpdu.PIServerID); ok && len(sid.Value) > 0 {
		if !strings.EqualFold(sid.AsString(), l.ServerID) {
			return fpdu.DiagUnknownPartner, "server id mismatch: " + sid.AsString()
		}
	}

	// 3. Protocol version. Zero means unspecified and is accepted.
	if ver, ok := f.Param(fpdu.PIVersion); ok {
		v, err := ver.AsUint()
		if err != nil {
			return fpdu.DiagOutOfRange, "unreadable PI_06"
		}
		if v != 0 && int(v) > l.ProtocolVersion {
			return fpdu.DiagBadVersion, "unsupported protocol version"
		}
		s.Version = int(v)
	}
	if s.Version == 0 {
		s.Version = l.ProtocolVersion
	}

	// 4. Password, when the partner record requires one.
	if s.hasRecord && s.partner.Password != "" {
		want, err := s.deps.Secrets.Decrypt(s.partner.Password)
		if err != nil {
			logger.Error("credential decrypt",
				logger.KeySession, s.ID,
				logger.KeyPartner, s.PartnerID,
				logger.KeyError, err,
			)
			return fpdu.DiagAuthFailed, "credential unavailable"
		}
		cred, ok := f.Param(fpdu.PICredential)
		if !ok || cred.AsString() != want {
			return fpdu.DiagAuthFailed, "bad credential"
		}
	}

	// 5. Requested access type against the partner grant.
	if at, ok := f.Param(fpdu.PIAccessType); ok {
		v, err := at.AsUint()
		if err != nil || v > 2 {
			return fpdu.DiagOutOfRange, "unreadable PI_22"
		}
		s.AccessType = uint8(v)
	} else {
		s.AccessType = 2
	}
	if s.hasRecord && !s.partner.Allows(s.AccessType) {
		return fpdu.DiagAuthFailed, "access type not granted"
	}

	return fpdu.DiagOK, ""
}

// negotiateOptions settles the sync, resync and CRC options from the
// client's proposal and the listener's configuration.
func (s *Session) negotiateOptions(f *fpdu.FPDU) {
	l := s.deps.Listener

	if opt, ok := f.Param(fpdu.PISyncOption); ok && len(opt.Value) >= 2 && l.SyncPointsEnabled {
		requested := int(opt.Value[0])<<8 | int(opt.Value[1])
		if requested > 0 && requested < l.SyncIntervalKB {
			s.SyncIntervalKB = requested
		} else {
			s.SyncIntervalKB = l.SyncIntervalKB
		}
		if len(opt.Value) >= 3 {
			s.SyncWindow = int(opt.Value[2])
		}
	}

	if re, ok := f.Param(fpdu.PIResync); ok {
		if v, err := re.AsUint(); err == nil && v != 0 && l.ResyncEnabled {
			s.ResyncEnabled = true
		}
	}
	if crc, ok := f.Param(fpdu.PICRC); ok {
		if v, err := crc.AsUint(); err == nil && v != 0 {
			s.CRCEnabled = true
		}
	}
}

// refuseConnect emits an RCONNECT and ends the session.
func (s *Session) refuseConnect(ctx context.Context, d fpdu.Diag, reason string) (*fpdu.FPDU, error) {
	s.auditEvent(ctx, audit.Event{
		Category:     audit.CategoryAuthentication,
		EventType:    "CONNECT",
		Outcome:      audit.OutcomeFailure,
		ErrorCode:    d.String(),
		ErrorMessage: reason,
	})
	logger.Warn("connection refused",
		logger.KeySession, s.ID,
		logger.KeyPartner, s.PartnerID,
		logger.KeyDiag, d.String(),
		logger.KeyError, reason,
	)

	if err := s.transition(StateRepos); err != nil {
		return nil, err
	}
	s.closeNext = true
	return s.reply(fpdu.KindRConnect).With(fpdu.DiagParam(d)), nil
}

// handleRelease answers the orderly close: RELCONF, then drop the
// transport.
func handleRelease(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	if err := s.transition(StateReleasePending); err != nil {
		return nil, err
	}
	if err := s.transition(StateRepos); err != nil {
		return nil, err
	}

	s.auditEvent(ctx, audit.Event{
		Category:   audit.CategoryAuthentication,
		EventType:  "RELEASE",
		Outcome:    audit.OutcomeSuccess,
		DurationMs: time.Since(s.StartedAt).Milliseconds(),
	})
	logger.Info("session released",
		logger.KeySession, s.ID,
		logger.KeyPartner, s.PartnerID,
		logger.KeyDuration, time.Since(s.StartedAt),
	)

	s.closeNext = true
	return s.reply(fpdu.KindRelConf), nil
}

// handleAbort honors a peer-initiated abort: interrupt any transfer,
// close without a response.
func handleAbort(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error) {
	d := fpdu.DiagInterrupted
	if p, ok := f.Param(fpdu.PIDiag); ok {
		if parsed, err := fpdu.DiagFrom(p); err == nil {
			d = parsed
		}
	}
	logger.Warn("peer abort",
		logger.KeySession, s.ID,
		logger.KeyDiag, d.String(),
	)
	s.aborted = true
	s.interruptTransfer(ctx, d.String(), "peer abort")
	s.state = StateError
	s.closeNext = true
	return nil, nil
}
