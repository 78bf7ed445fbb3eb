package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerSinkRecordAndRange(t *testing.T) {
	sink, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	events := []Event{
		{Timestamp: base, Category: CategoryAuthentication, EventType: "CONNECT", Outcome: OutcomeSuccess, PartnerID: "PART01"},
		{Timestamp: base.Add(time.Second), Category: CategoryTransfer, EventType: "TRANSFER_COMPLETED", Outcome: OutcomeSuccess, BytesTransferred: 3072},
		{Timestamp: base.Add(2 * time.Second), Category: CategoryAuthentication, EventType: "CONNECT", Outcome: OutcomeFailure, PartnerID: "UNKNOWN", ErrorCode: "D3_301"},
	}
	for _, ev := range events {
		require.NoError(t, sink.Record(ctx, ev))
	}

	got, err := sink.Events(ctx, base, base.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "CONNECT", got[0].EventType)
	assert.Equal(t, OutcomeFailure, got[2].Outcome)
	assert.Equal(t, "D3_301", got[2].ErrorCode)

	// Window excludes the last event.
	got, err = sink.Events(ctx, base, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRecordFillsTimestamp(t *testing.T) {
	sink, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	require.NoError(t, sink.Record(ctx, Event{
		Category: CategorySecurity, EventType: "INVALID_TRANSITION", Outcome: OutcomeFailure,
	}))

	got, err := sink.Events(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
}
