package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/internal/protocol/pesit"
	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
)

// maxPreamble bounds how many unknown leading bytes the pre-connection
// filter will discard before giving up on the peer.
const maxPreamble = 256

// handleConn runs one session: frame loop in, responses out, journal
// updates on the way. Returns when the session ends or the peer goes
// away; the caller owns the connection bookkeeping.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)

	session := pesit.NewSession(conn.RemoteAddr().String(), pesit.Deps{
		Journal:  l.deps.Journal,
		Audit:    l.deps.Audit,
		Secrets:  l.deps.Secrets,
		Snapshot: l.deps.Store.Snapshot(),
		Listener: l.cfg,
		Metrics:  l.deps.Metrics,
		NodeID:   l.deps.NodeID,
	}, func(f *fpdu.FPDU) error {
		return l.writeFPDU(conn, f)
	})

	log := logger.With(
		logger.KeyServer, l.cfg.ServerID,
		logger.KeySession, session.ID,
		logger.KeyRemote, session.RemoteAddr,
	)
	log.Debug("session started")

	if l.cfg.PreConnection {
		if err := l.skipPreamble(conn, reader); err != nil {
			log.Warn("pre-connection filter gave up", logger.KeyError, err)
			return
		}
	}

	// The first frame must arrive within the connection timeout;
	// subsequent frames get the longer read timeout.
	timeout := l.cfg.ConnectionTimeout

	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			log.Debug("set read deadline", logger.KeyError, err)
			return
		}

		frame, err := fpdu.ReadFrame(reader)
		if err != nil {
			switch {
			case isShuttingDown(ctx):
				// The peer is still there; tell it before closing.
				abort := fpdu.New(fpdu.KindAbort, session.ClientConnID, session.ServerConnID).
					With(fpdu.DiagParam(fpdu.DiagInterrupted))
				if werr := l.writeFPDU(conn, abort); werr != nil {
					log.Debug("abort on shutdown", logger.KeyError, werr)
				}
				session.HandleDisconnect(context.Background(), "server shutdown")
				log.Info("session interrupted by shutdown")
			case errors.Is(err, io.EOF):
				session.HandleDisconnect(ctx, "peer disconnected")
				log.Debug("peer disconnected")
			case isTimeout(err):
				session.HandleDisconnect(ctx, "read timeout")
				log.Warn("session timed out", "timeout", timeout)
			case errors.Is(err, fpdu.ErrMalformed):
				if aerr := session.HandleMalformed(ctx, err); aerr != nil && !errors.Is(aerr, pesit.ErrSessionDone) {
					log.Debug("abort after malformed frame", logger.KeyError, aerr)
				}
				log.Warn("malformed frame", logger.KeyError, err)
			default:
				session.HandleDisconnect(ctx, err.Error())
				log.Debug("read error", logger.KeyError, err)
			}
			return
		}
		timeout = l.cfg.ReadTimeout

		f, err := fpdu.Decode(frame)
		if err != nil {
			var aerr error
			if errors.Is(err, fpdu.ErrUnknownKind) {
				aerr = session.HandleUnknownKind(ctx, f)
			} else {
				aerr = session.HandleMalformed(ctx, err)
			}
			if aerr != nil && !errors.Is(aerr, pesit.ErrSessionDone) {
				log.Debug("abort after decode failure", logger.KeyError, aerr)
			}
			log.Warn("undecodable frame", logger.KeyError, err)
			return
		}

		if l.deps.Metrics != nil {
			l.deps.Metrics.RecordFPDU(l.cfg.ServerID, f.Kind.String(), "in")
			if f.Kind == fpdu.KindDTF {
				l.deps.Metrics.RecordBytesTransferred(l.cfg.ServerID, "in", int64(len(f.Payload)))
			}
		}

		if err := session.Handle(ctx, f); err != nil {
			if errors.Is(err, pesit.ErrSessionDone) {
				log.Debug("session finished")
			} else {
				log.Warn("session failed", logger.KeyError, err)
			}
			return
		}
	}
}

// writeFPDU encodes and sends one frame under a write deadline. Also
// the metrics tap for the outbound direction.
func (l *Listener) writeFPDU(conn net.Conn, f *fpdu.FPDU) error {
	buf, err := fpdu.Encode(f)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.ReadTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	if l.deps.Metrics != nil {
		l.deps.Metrics.RecordFPDU(l.cfg.ServerID, f.Kind.String(), "out")
		if f.Kind == fpdu.KindDTF {
			l.deps.Metrics.RecordBytesTransferred(l.cfg.ServerID, "out", int64(len(f.Payload)))
		}
	}
	return nil
}

// skipPreamble discards unknown leading bytes until the stream lines up
// on a plausible CONNECT frame. Some remote gateways send a legacy
// banner before the first FPDU; the filter tolerates up to maxPreamble
// bytes of it.
func (l *Listener) skipPreamble(conn net.Conn, reader *bufio.Reader) error {
	if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ConnectionTimeout)); err != nil {
		return err
	}
	for skipped := 0; skipped <= maxPreamble; skipped++ {
		head, err := reader.Peek(4)
		if err != nil {
			return err
		}
		if looksLikeConnect(head) {
			if skipped > 0 {
				logger.Debug("pre-connection preamble skipped",
					logger.KeyServer, l.cfg.ServerID,
					logger.KeyRemote, conn.RemoteAddr().String(),
					logger.KeyBytes, skipped,
				)
			}
			return nil
		}
		if _, err := reader.Discard(1); err != nil {
			return err
		}
	}
	return errors.New("no CONNECT frame within preamble limit")
}

// looksLikeConnect checks the four header bytes visible at the stream
// head: a sane length and the CONNECT phase/type pair.
func looksLikeConnect(head []byte) bool {
	length := int(head[0])<<8 | int(head[1])
	if length < fpdu.HeaderSize {
		return false
	}
	return fpdu.Phase(head[2]) == fpdu.KindConnect.Phase && head[3] == fpdu.KindConnect.Type
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func isShuttingDown(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
