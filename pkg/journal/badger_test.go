package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *BadgerJournal {
	t.Helper()
	j, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func createParams() CreateParams {
	return CreateParams{
		SessionID:     "sess-1",
		ServerID:      "SRV1",
		NodeID:        "node-a",
		PartnerID:     "PART01",
		Filename:      "TESTFILE",
		Direction:     DirectionReceive,
		RemoteAddress: "10.0.0.7:40213",
		MaxRetries:    3,
	}
}

func TestTransferLifecycleHappyPath(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.CreateTransfer(ctx, createParams())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := j.GetTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, rec.Status)
	assert.Equal(t, "PART01", rec.PartnerID)

	require.NoError(t, j.StartTransfer(ctx, id, 3072, "/data/in/TESTFILE"))
	require.NoError(t, j.UpdateProgress(ctx, id, 1024))
	require.NoError(t, j.RecordSyncPoint(ctx, id, 1024))
	require.NoError(t, j.CompleteTransfer(ctx, id, 3072, 3))
	require.NoError(t, j.RecordChecksum(ctx, id, "sha256:abc"))

	rec, err = j.GetTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, int64(3072), rec.BytesTransferred)
	assert.Equal(t, 3, rec.RecordCount)
	assert.Equal(t, int64(1024), rec.LastSyncPoint)
	assert.Equal(t, 1, rec.SyncPointCount)
	assert.Equal(t, "sha256:abc", rec.Checksum)
	assert.NotNil(t, rec.CompletedAt)
	assert.GreaterOrEqual(t, rec.BytesTransferred, rec.LastSyncPoint)
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.CreateTransfer(ctx, createParams())
	require.NoError(t, err)

	// Completing before starting is illegal.
	err = j.CompleteTransfer(ctx, id, 0, 0)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, j.StartTransfer(ctx, id, 100, "/data/in/f"))
	require.NoError(t, j.CompleteTransfer(ctx, id, 100, 1))

	// A completed transfer never moves again.
	assert.ErrorIs(t, j.StartTransfer(ctx, id, 1, "x"), ErrIllegalTransition)
	assert.ErrorIs(t, j.FailTransfer(ctx, id, "X", "y"), ErrIllegalTransition)
	assert.ErrorIs(t, j.InterruptTransfer(ctx, id, "z"), ErrIllegalTransition)

	// And never retries.
	_, err = j.RetryTransfer(ctx, id)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestPauseResume(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.CreateTransfer(ctx, createParams())
	require.NoError(t, err)
	require.NoError(t, j.StartTransfer(ctx, id, 100, "/data/in/f"))
	require.NoError(t, j.PauseTransfer(ctx, id))
	require.NoError(t, j.ResumeTransfer(ctx, id))

	rec, err := j.GetTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)
}

func TestInterruptAndRetryChain(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.CreateTransfer(ctx, createParams())
	require.NoError(t, err)
	require.NoError(t, j.StartTransfer(ctx, id, 3072, "/data/in/TESTFILE"))
	require.NoError(t, j.RecordSyncPoint(ctx, id, 1024))
	require.NoError(t, j.UpdateProgress(ctx, id, 1524))
	require.NoError(t, j.InterruptTransfer(ctx, id, "transport dropped"))

	parent, err := j.GetTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, parent.Status)
	assert.Equal(t, int64(1024), parent.LastSyncPoint)
	assert.GreaterOrEqual(t, parent.BytesTransferred, int64(1024))

	childID, err := j.RetryTransfer(ctx, id)
	require.NoError(t, err)

	child, err := j.GetTransfer(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, id, child.ParentTransferID)
	assert.Equal(t, parent.LastSyncPoint, child.StartByte)
	assert.Equal(t, 1, child.RetryCount)
	assert.Equal(t, StatusInitiated, child.Status)

	parent, err = j.GetTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetryPending, parent.Status)
}

func TestRetryExhaustion(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	p := createParams()
	p.MaxRetries = 1
	id, err := j.CreateTransfer(ctx, p)
	require.NoError(t, err)
	require.NoError(t, j.StartTransfer(ctx, id, 10, "/data/in/f"))
	require.NoError(t, j.InterruptTransfer(ctx, id, "drop"))

	childID, err := j.RetryTransfer(ctx, id)
	require.NoError(t, err)
	require.NoError(t, j.StartTransfer(ctx, childID, 10, "/data/in/f"))
	require.NoError(t, j.InterruptTransfer(ctx, childID, "drop again"))

	// Child used the single allowed retry.
	_, err = j.RetryTransfer(ctx, childID)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestMarkInterruptedTransfersSweepsOwnNodeOnly(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	mine := createParams()
	theirs := createParams()
	theirs.NodeID = "node-b"

	idMine, err := j.CreateTransfer(ctx, mine)
	require.NoError(t, err)
	require.NoError(t, j.StartTransfer(ctx, idMine, 10, "/data/in/a"))

	idTheirs, err := j.CreateTransfer(ctx, theirs)
	require.NoError(t, err)
	require.NoError(t, j.StartTransfer(ctx, idTheirs, 10, "/data/in/b"))

	idDone, err := j.CreateTransfer(ctx, mine)
	require.NoError(t, err)
	require.NoError(t, j.StartTransfer(ctx, idDone, 10, "/data/in/c"))
	require.NoError(t, j.CompleteTransfer(ctx, idDone, 10, 1))

	count, err := j.MarkInterruptedTransfers(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rec, _ := j.GetTransfer(ctx, idMine)
	assert.Equal(t, StatusInterrupted, rec.Status)
	rec, _ = j.GetTransfer(ctx, idTheirs)
	assert.Equal(t, StatusInProgress, rec.Status)
	rec, _ = j.GetTransfer(ctx, idDone)
	assert.Equal(t, StatusCompleted, rec.Status)

	// No transfer owned by node-a remains IN_PROGRESS or RETRY_PENDING.
	inProgress, err := j.ListByStatus(ctx, StatusInProgress)
	require.NoError(t, err)
	for _, r := range inProgress {
		assert.NotEqual(t, "node-a", r.NodeID)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.CreateTransfer(ctx, createParams())
	require.NoError(t, err)
	require.NoError(t, j.StartTransfer(ctx, id, 10, "/data/in/f"))
	require.NoError(t, j.CompleteTransfer(ctx, id, 10, 1))

	active, err := j.CreateTransfer(ctx, createParams())
	require.NoError(t, err)
	require.NoError(t, j.StartTransfer(ctx, active, 10, "/data/in/g"))

	// Cutoff in the future: the completed record qualifies, the active
	// one survives regardless of age.
	count, err := j.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = j.GetTransfer(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = j.GetTransfer(ctx, active)
	assert.NoError(t, err)
}

func TestGetUnknownTransfer(t *testing.T) {
	j := openTestJournal(t)
	_, err := j.GetTransfer(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}
