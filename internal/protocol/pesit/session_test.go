package pesit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
	"github.com/pesit-go/pesitd/pkg/audit"
	"github.com/pesit-go/pesitd/pkg/config"
	"github.com/pesit-go/pesitd/pkg/journal"
	"github.com/pesit-go/pesitd/pkg/secrets"
)

// captureMetrics counts transfer outcomes for assertions. The other
// collectors are taps the transport layer drives; they stay no-ops
// here.
type captureMetrics struct {
	transfers map[string]int
}

func (m *captureMetrics) RecordConnectionAccepted(string)              {}
func (m *captureMetrics) RecordConnectionClosed(string)                {}
func (m *captureMetrics) SetActiveConnections(string, int)             {}
func (m *captureMetrics) RecordFPDU(string, string, string)            {}
func (m *captureMetrics) RecordBytesTransferred(string, string, int64) {}

func (m *captureMetrics) RecordTransfer(serverID, direction, outcome string) {
	m.transfers[direction+"/"+outcome]++
}

// harness wires a session against an in-memory journal and a real
// temp-dir filesystem. Emitted frames are collected for inspection.
type harness struct {
	t       *testing.T
	session *Session
	journal journal.Journal
	metrics *captureMetrics
	sent    []*fpdu.FPDU
	recvDir string
	sendDir string
}

func newHarness(t *testing.T, mutate func(*config.ListenerConfig)) *harness {
	t.Helper()

	j, err := journal.Open(journal.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	sec, err := secrets.NewAES("test-master-key", nil)
	require.NoError(t, err)
	encrypted, err := sec.Encrypt("secret")
	require.NoError(t, err)

	h := &harness{
		t:       t,
		journal: j,
		metrics: &captureMetrics{transfers: make(map[string]int)},
		recvDir: t.TempDir(),
		sendDir: t.TempDir(),
	}

	listener := config.ListenerConfig{
		ServerID:           "SRV1",
		Port:               7234,
		ProtocolVersion:    2,
		MaxConnections:     4,
		ReceiveDirectory:   h.recvDir,
		SendDirectory:      h.sendDir,
		MaxEntitySize:      1024,
		SyncPointsEnabled:  true,
		SyncIntervalKB:     1,
		ResyncEnabled:      true,
		StrictPartnerCheck: true,
		MaxRetries:         3,
	}
	if mutate != nil {
		mutate(&listener)
	}

	snapshot := config.NewSnapshot([]config.PartnerConfig{
		{ID: "PART01", Password: encrypted, Enabled: true, Access: config.AccessBoth},
		{ID: "NOPASS", Enabled: true, Access: config.AccessBoth},
		{ID: "DISABLED", Enabled: false, Access: config.AccessBoth},
		{ID: "READONLY", Enabled: true, Access: config.AccessRead},
	}, nil)

	h.session = NewSession("192.0.2.10:50000", Deps{
		Journal:  j,
		Audit:    audit.Nop{},
		Secrets:  sec,
		Snapshot: snapshot,
		Listener: listener,
		Metrics:  h.metrics,
		NodeID:   "node-a",
	}, func(f *fpdu.FPDU) error {
		h.sent = append(h.sent, f)
		return nil
	})
	return h
}

func (h *harness) handle(f *fpdu.FPDU) error {
	h.t.Helper()
	return h.session.Handle(context.Background(), f)
}

// last returns the most recently emitted frame.
func (h *harness) last() *fpdu.FPDU {
	require.NotEmpty(h.t, h.sent)
	return h.sent[len(h.sent)-1]
}

func (h *harness) lastDiag() fpdu.Diag {
	p, ok := h.last().Param(fpdu.PIDiag)
	require.True(h.t, ok, "%s carries no PI_02", h.last().Kind)
	d, err := fpdu.DiagFrom(p)
	require.NoError(h.t, err)
	return d
}

func connectFPDU(partner, password string) *fpdu.FPDU {
	f := fpdu.New(fpdu.KindConnect, 0, 7).
		With(fpdu.String(fpdu.PIPartnerID, partner)).
		With(fpdu.String(fpdu.PIServerID, "SRV1")).
		With(fpdu.Uint(fpdu.PIVersion, 2)).
		With(fpdu.Uint(fpdu.PIAccessType, 2)).
		With(fpdu.Bytes(fpdu.PISyncOption, []byte{0, 1, 3}))
	if password != "" {
		f.With(fpdu.String(fpdu.PICredential, password))
	}
	return f
}

func createFPDU(filename string) *fpdu.FPDU {
	return fpdu.New(fpdu.KindCreate, 0, 7).
		With(fpdu.Group(fpdu.PGIFileID,
			fpdu.Uint(fpdu.PIFileType, 1),
			fpdu.String(fpdu.PIFilename, filename),
			fpdu.Uint(fpdu.PITransferID, 42),
		)).
		With(fpdu.Group(fpdu.PGILogical,
			fpdu.Uint(fpdu.PIRecordFormat, 1),
			fpdu.Uint(fpdu.PIRecordLength, 512),
		))
}

func dtfFPDU(payload []byte) *fpdu.FPDU {
	f := fpdu.New(fpdu.KindDTF, 0, 7)
	f.Payload = payload
	return f
}

func (h *harness) connect(partner, password string) {
	h.t.Helper()
	require.NoError(h.t, h.handle(connectFPDU(partner, password)))
	require.Equal(h.t, fpdu.KindAConnect, h.last().Kind)
	require.Equal(h.t, StateConnected, h.session.State())
}

func (h *harness) journalRecord() *journal.Record {
	h.t.Helper()
	require.NotNil(h.t, h.session.Transfer)
	rec, err := h.journal.GetTransfer(context.Background(), h.session.Transfer.JournalID)
	require.NoError(h.t, err)
	return rec
}

func TestHappyReceive(t *testing.T) {
	h := newHarness(t, nil)

	h.connect("PART01", "secret")
	assert.Equal(t, uint16(7), h.last().DestID, "responses echo the client connection id")

	require.NoError(t, h.handle(createFPDU("TESTFILE")))
	assert.Equal(t, fpdu.KindAckCreate, h.last().Kind)
	assert.True(t, h.lastDiag().OK())
	assert.Equal(t, journal.StatusInitiated, h.journalRecord().Status)

	require.NoError(t, h.handle(fpdu.New(fpdu.KindOpen, 0, 7)))
	assert.Equal(t, fpdu.KindAckOpen, h.last().Kind)
	assert.Equal(t, journal.StatusInProgress, h.journalRecord().Status)

	require.NoError(t, h.handle(fpdu.New(fpdu.KindWrite, 0, 7)))
	assert.Equal(t, fpdu.KindAckWrite, h.last().Kind)
	rp, ok := h.last().Param(fpdu.PIRestartPoint)
	require.True(t, ok)
	v, err := rp.AsUint()
	require.NoError(t, err)
	assert.Zero(t, v)

	for i := 0; i < 3; i++ {
		payload := make([]byte, 1024)
		for j := range payload {
			payload[j] = byte(i)
		}
		require.NoError(t, h.handle(dtfFPDU(payload)))
	}
	require.NoError(t, h.handle(fpdu.New(fpdu.KindDTFEnd, 0, 7)))
	assert.Equal(t, StateWriteEnd, h.session.State())

	require.NoError(t, h.handle(fpdu.New(fpdu.KindTransEnd, 0, 7)))
	assert.Equal(t, fpdu.KindAckTransEnd, h.last().Kind)
	bc, ok := h.last().Param(fpdu.PIByteCount)
	require.True(t, ok)
	total, err := bc.AsUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(3072), total)

	rec := h.journalRecord()
	assert.Equal(t, journal.StatusCompleted, rec.Status)
	assert.Equal(t, int64(3072), rec.BytesTransferred)
	assert.Equal(t, 1, h.metrics.transfers["RECEIVE/completed"])

	data, err := os.ReadFile(filepath.Join(h.recvDir, "TESTFILE"))
	require.NoError(t, err)
	assert.Len(t, data, 3072)

	require.NoError(t, h.handle(fpdu.New(fpdu.KindClose, 0, 7)))
	assert.Equal(t, fpdu.KindAckClose, h.last().Kind)

	err = h.handle(fpdu.New(fpdu.KindRelease, 0, 7))
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.Equal(t, fpdu.KindRelConf, h.last().Kind)
	assert.False(t, h.session.Aborted())
}

func TestConnectUnknownPartner(t *testing.T) {
	h := newHarness(t, nil)

	err := h.handle(connectFPDU("UNKNOWN", ""))
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.Equal(t, fpdu.KindRConnect, h.last().Kind)
	assert.Equal(t, fpdu.DiagUnknownPartner, h.lastDiag())
}

func TestConnectLaxModeAdmitsUnknownPartner(t *testing.T) {
	h := newHarness(t, func(l *config.ListenerConfig) {
		l.StrictPartnerCheck = false
	})

	require.NoError(t, h.handle(connectFPDU("STRANGER", "")))
	assert.Equal(t, fpdu.KindAConnect, h.last().Kind)
}

func TestConnectBadPassword(t *testing.T) {
	h := newHarness(t, nil)

	err := h.handle(connectFPDU("PART01", "wrong"))
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.Equal(t, fpdu.KindRConnect, h.last().Kind)
	assert.Equal(t, fpdu.DiagAuthFailed, h.lastDiag())
}

func TestConnectDisabledPartner(t *testing.T) {
	h := newHarness(t, nil)

	err := h.handle(connectFPDU("DISABLED", ""))
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.Equal(t, fpdu.DiagAuthFailed, h.lastDiag())
}

func TestConnectBadVersion(t *testing.T) {
	h := newHarness(t, nil)

	f := connectFPDU("NOPASS", "")
	f.Params[2] = fpdu.Uint(fpdu.PIVersion, 9)

	err := h.handle(f)
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.Equal(t, fpdu.DiagBadVersion, h.lastDiag())
}

func TestConnectAccessNotGranted(t *testing.T) {
	h := newHarness(t, nil)

	f := connectFPDU("READONLY", "")
	err := h.handle(f)
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.Equal(t, fpdu.DiagAuthFailed, h.lastDiag())
}

func TestConnectServerIDMismatch(t *testing.T) {
	h := newHarness(t, nil)

	f := connectFPDU("NOPASS", "")
	f.Params[1] = fpdu.String(fpdu.PIServerID, "OTHER")

	err := h.handle(f)
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.Equal(t, fpdu.DiagUnknownPartner, h.lastDiag())
}

func TestSyncThenInterrupt(t *testing.T) {
	h := newHarness(t, nil)

	h.connect("PART01", "secret")
	require.NoError(t, h.handle(createFPDU("SYNCFILE")))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindOpen, 0, 7)))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindWrite, 0, 7)))

	require.NoError(t, h.handle(dtfFPDU(make([]byte, 1024))))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindSyn, 0, 7).
		With(fpdu.Uint(fpdu.PISyncPoint, 1))))
	assert.Equal(t, fpdu.KindAckSyn, h.last().Kind)
	num, ok := h.last().Param(fpdu.PISyncPoint)
	require.True(t, ok)
	n, err := num.AsUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "ACK_SYN echoes the sync point number")

	require.NoError(t, h.handle(dtfFPDU(make([]byte, 500))))

	transferID := h.session.Transfer.JournalID
	h.session.HandleDisconnect(context.Background(), "transport dropped")

	rec, err := h.journal.GetTransfer(context.Background(), transferID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, rec.Status)
	assert.Equal(t, int64(1024), rec.LastSyncPoint)
	assert.Equal(t, 1, h.metrics.transfers["RECEIVE/interrupted"])

	info, err := os.Stat(filepath.Join(h.recvDir, "SYNCFILE"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Size(), int64(1024))
}

func TestResumeViaRetry(t *testing.T) {
	h := newHarness(t, nil)

	// First attempt: 1024 acknowledged bytes, then the link drops.
	h.connect("PART01", "secret")
	require.NoError(t, h.handle(createFPDU("RESUME")))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindOpen, 0, 7)))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindWrite, 0, 7)))
	require.NoError(t, h.handle(dtfFPDU(make([]byte, 1024))))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindSyn, 0, 7).
		With(fpdu.Uint(fpdu.PISyncPoint, 1))))
	require.NoError(t, h.handle(dtfFPDU(make([]byte, 500))))

	originalID := h.session.Transfer.JournalID
	h.session.HandleDisconnect(context.Background(), "transport dropped")

	childID, err := h.journal.RetryTransfer(context.Background(), originalID)
	require.NoError(t, err)
	child, err := h.journal.GetTransfer(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), child.StartByte)
	assert.Equal(t, originalID, child.ParentTransferID)

	// Second session adopts the retry child and resumes at 1024.
	h2 := &harness{t: t, journal: h.journal, recvDir: h.recvDir, sendDir: h.sendDir}
	h2.session = NewSession("192.0.2.10:50001", h.session.deps, func(f *fpdu.FPDU) error {
		h2.sent = append(h2.sent, f)
		return nil
	})

	h2.connect("PART01", "secret")
	require.NoError(t, h2.handle(createFPDU("RESUME")))
	assert.Equal(t, childID, h2.session.Transfer.JournalID)

	require.NoError(t, h2.handle(fpdu.New(fpdu.KindOpen, 0, 7)))
	require.NoError(t, h2.handle(fpdu.New(fpdu.KindWrite, 0, 7)))
	rp, ok := h2.last().Param(fpdu.PIRestartPoint)
	require.True(t, ok)
	v, err := rp.AsUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), v, "ACK_WRITE carries the restart point")

	// Peer sends bytes 1024..3072.
	require.NoError(t, h2.handle(dtfFPDU(make([]byte, 1024))))
	require.NoError(t, h2.handle(dtfFPDU(make([]byte, 1024))))
	require.NoError(t, h2.handle(fpdu.New(fpdu.KindDTFEnd, 0, 7)))
	require.NoError(t, h2.handle(fpdu.New(fpdu.KindTransEnd, 0, 7)))

	info, err := os.Stat(filepath.Join(h.recvDir, "RESUME"))
	require.NoError(t, err)
	assert.Equal(t, int64(3072), info.Size())

	final, err := h.journal.GetTransfer(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, final.Status)

	parent, err := h.journal.GetTransfer(context.Background(), originalID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRetryPending, parent.Status)
}

func TestInvalidTransitionAborts(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")

	err := h.handle(fpdu.New(fpdu.KindWrite, 0, 7))
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.True(t, h.session.Aborted())
	assert.Equal(t, StateError, h.session.State())

	ab := h.last()
	assert.Equal(t, fpdu.KindAbort, ab.Kind)
	assert.Equal(t, fpdu.DiagInvalidTransition, h.lastDiag())
}

func TestHappySend(t *testing.T) {
	h := newHarness(t, nil)

	content := make([]byte, 2500)
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(h.sendDir, "OUTFILE"), content, 0644))

	h.connect("PART01", "secret")

	sel := fpdu.New(fpdu.KindSelect, 0, 7).
		With(fpdu.Group(fpdu.PGIFileID,
			fpdu.String(fpdu.PIFilename, "OUTFILE"),
		))
	require.NoError(t, h.handle(sel))
	ack := h.last()
	require.Equal(t, fpdu.KindAckSelect, ack.Kind)
	assert.True(t, h.lastDiag().OK())
	for _, pgi := range []uint8{fpdu.PGIFileID, fpdu.PGILogical, fpdu.PGIPhysical, fpdu.PGIHistory} {
		_, ok := ack.Group(pgi)
		assert.True(t, ok, "ACK_SELECT must carry PGI %#02x", pgi)
	}
	size, ok := ack.Param(fpdu.PIFileSize)
	require.True(t, ok)
	sz, err := size.AsUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(2500), sz)

	require.NoError(t, h.handle(fpdu.New(fpdu.KindOpen, 0, 7)))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindRead, 0, 7)))

	// ACK_READ, then DTFs up to the 1KB sync interval, then SYN.
	kinds := sentKinds(h.sent)
	assert.Contains(t, kinds, fpdu.KindAckRead)
	assert.Equal(t, fpdu.KindSyn, h.last().Kind)

	require.NoError(t, h.handle(fpdu.New(fpdu.KindAckSyn, 0, 7)))
	assert.Equal(t, fpdu.KindSyn, h.last().Kind)

	require.NoError(t, h.handle(fpdu.New(fpdu.KindAckSyn, 0, 7)))
	// Remaining 452 bytes fit before EOF: DTF_END then TRANS_END.
	assert.Equal(t, fpdu.KindTransEnd, h.last().Kind)
	assert.Equal(t, StateReadEnd, h.session.State())

	var received []byte
	for _, f := range h.sent {
		if f.Kind == fpdu.KindDTF {
			received = append(received, f.Payload...)
		}
	}
	assert.Equal(t, content, received)

	require.NoError(t, h.handle(fpdu.New(fpdu.KindAckTransEnd, 0, 7)))
	assert.Equal(t, StateTransferReady, h.session.State())

	rec, err := h.journal.GetTransfer(context.Background(), h.session.Transfer.JournalID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, rec.Status)
	assert.Equal(t, int64(2500), rec.BytesTransferred)
	assert.Equal(t, 1, h.metrics.transfers["SEND/completed"])
}

func TestSelectMissingFile(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")

	sel := fpdu.New(fpdu.KindSelect, 0, 7).
		With(fpdu.Group(fpdu.PGIFileID,
			fpdu.String(fpdu.PIFilename, "NOPE"),
		))
	require.NoError(t, h.handle(sel))
	assert.Equal(t, fpdu.KindAckSelect, h.last().Kind)
	assert.Equal(t, fpdu.DiagFileNotFound, h.lastDiag())
	assert.Equal(t, StateConnected, h.session.State(), "session stays usable")
}

func TestCreateRejectsPathTraversal(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")

	require.NoError(t, h.handle(createFPDU("../evil")))
	assert.Equal(t, fpdu.KindAckCreate, h.last().Kind)
	assert.Equal(t, fpdu.DiagFileAccess, h.lastDiag())
}

func TestOpenRefusesCollision(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.recvDir, "TAKEN"), []byte("x"), 0644))

	h.connect("PART01", "secret")
	require.NoError(t, h.handle(createFPDU("TAKEN")))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindOpen, 0, 7)))
	assert.Equal(t, fpdu.KindAckOpen, h.last().Kind)
	assert.Equal(t, fpdu.DiagFileExists, h.lastDiag())
	assert.Equal(t, StateFileSelected, h.session.State())
}

func TestDeselectCancelsUnstartedTransfer(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")
	require.NoError(t, h.handle(createFPDU("DROPPED")))

	transferID := h.session.Transfer.JournalID
	require.NoError(t, h.handle(fpdu.New(fpdu.KindDeselect, 0, 7)))
	assert.Equal(t, fpdu.KindAckDeselect, h.last().Kind)
	assert.Equal(t, StateConnected, h.session.State())

	rec, err := h.journal.GetTransfer(context.Background(), transferID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCancelled, rec.Status)
	assert.Equal(t, 1, h.metrics.transfers["RECEIVE/cancelled"])
}

func TestSegmentedMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")

	require.NoError(t, h.handle(fpdu.New(fpdu.KindMsgDM, 0, 7).
		With(fpdu.String(fpdu.PIMessage, "hello "))))
	assert.Equal(t, StateMsgReceiving, h.session.State())

	require.NoError(t, h.handle(fpdu.New(fpdu.KindMsgMM, 0, 7).
		With(fpdu.String(fpdu.PIMessage, "pesit "))))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindMsgFM, 0, 7).
		With(fpdu.String(fpdu.PIMessage, "world"))))

	assert.Equal(t, fpdu.KindAckMsg, h.last().Kind)
	assert.Equal(t, StateConnected, h.session.State())
}

func TestShortMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")

	require.NoError(t, h.handle(fpdu.New(fpdu.KindMsg, 0, 7).
		With(fpdu.String(fpdu.PIFreeMessage, "ping"))))
	assert.Equal(t, fpdu.KindAckMsg, h.last().Kind)
	assert.Equal(t, StateConnected, h.session.State())
}

func TestPeerAbortInterruptsTransfer(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")
	require.NoError(t, h.handle(createFPDU("ABORTED")))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindOpen, 0, 7)))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindWrite, 0, 7)))

	transferID := h.session.Transfer.JournalID
	err := h.handle(fpdu.New(fpdu.KindAbort, 0, 7).
		With(fpdu.DiagParam(fpdu.DiagInterrupted)))
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.True(t, h.session.Aborted())

	rec, err := h.journal.GetTransfer(context.Background(), transferID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, rec.Status)
	assert.Equal(t, 1, h.metrics.transfers["RECEIVE/interrupted"])
}

func TestWriteErrorFailsTransfer(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")
	require.NoError(t, h.handle(createFPDU("BROKEN")))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindOpen, 0, 7)))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindWrite, 0, 7)))

	// Break the output handle so the next data write fails.
	transferID := h.session.Transfer.JournalID
	require.NoError(t, h.session.Transfer.file.Close())

	err := h.handle(dtfFPDU([]byte("data")))
	assert.ErrorIs(t, err, ErrSessionDone)
	assert.Equal(t, fpdu.KindAbort, h.last().Kind)
	assert.Equal(t, fpdu.DiagDiskFull, h.lastDiag())

	rec, err := h.journal.GetTransfer(context.Background(), transferID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	assert.Equal(t, 1, h.metrics.transfers["RECEIVE/failed"])
}

func TestWriteRestartFailureAnswersFileAccess(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")
	require.NoError(t, h.handle(createFPDU("RESUMED")))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindOpen, 0, 7)))

	// A restart against a path that opens but cannot be truncated:
	// the handler answers with a diagnostic and holds no open file.
	h.session.Transfer.RestartPoint = 1
	h.session.Transfer.LocalPath = "/dev/null"

	require.NoError(t, h.handle(fpdu.New(fpdu.KindWrite, 0, 7)))
	assert.Equal(t, fpdu.KindAckWrite, h.last().Kind)
	assert.Equal(t, fpdu.DiagFileAccess, h.lastDiag())
	assert.Equal(t, StateTransferReady, h.session.State())
	assert.Nil(t, h.session.Transfer.file)
}

func TestChecksumRecordedAfterCompletion(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("PART01", "secret")
	require.NoError(t, h.handle(createFPDU("SUMMED")))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindOpen, 0, 7)))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindWrite, 0, 7)))
	require.NoError(t, h.handle(dtfFPDU([]byte("checksum me"))))
	require.NoError(t, h.handle(fpdu.New(fpdu.KindDTFEnd, 0, 7)))
	transferID := h.session.Transfer.JournalID
	require.NoError(t, h.handle(fpdu.New(fpdu.KindTransEnd, 0, 7)))

	// The hash lands asynchronously.
	require.Eventually(t, func() bool {
		rec, err := h.journal.GetTransfer(context.Background(), transferID)
		return err == nil && rec.Checksum != ""
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnIDEchoedOnEveryResponse(t *testing.T) {
	h := newHarness(t, nil)

	f := connectFPDU("PART01", "secret")
	f.SrcID = 0x1234
	require.NoError(t, h.handle(f))
	require.NoError(t, h.handle(createFPDU("ECHO")))

	for _, sent := range h.sent {
		assert.Equal(t, uint16(0x1234), sent.DestID, "%s", sent.Kind)
	}
	assert.NotZero(t, h.session.ServerConnID)
}

func sentKinds(frames []*fpdu.FPDU) []fpdu.Kind {
	kinds := make([]fpdu.Kind, len(frames))
	for i, f := range frames {
		kinds[i] = f.Kind
	}
	return kinds
}
