package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotPartnerLookupIsCaseInsensitive(t *testing.T) {
	snap := NewSnapshot([]PartnerConfig{
		{ID: "Partner1", Enabled: true, Access: AccessBoth},
	}, nil)

	p, ok := snap.Partner("PARTNER1")
	require.True(t, ok)
	assert.Equal(t, "Partner1", p.ID)

	_, ok = snap.Partner("UNKNOWN")
	assert.False(t, ok)
}

func TestSnapshotFileExactBeatsPattern(t *testing.T) {
	snap := NewSnapshot(nil, []FileConfig{
		{Pattern: "INVOICE.*", RecordLength: 100},
		{Filename: "INVOICE.2024", RecordLength: 200},
	})

	f, ok := snap.File("INVOICE.2024")
	require.True(t, ok)
	assert.Equal(t, 200, f.RecordLength, "exact match wins over the earlier pattern")

	f, ok = snap.File("INVOICE.2025")
	require.True(t, ok)
	assert.Equal(t, 100, f.RecordLength)

	_, ok = snap.File("OTHER")
	assert.False(t, ok)
}

func TestStoreSwapDoesNotAffectHeldSnapshot(t *testing.T) {
	cfg := &Config{
		Partners: []PartnerConfig{{ID: "A", Access: AccessBoth}},
	}
	store := NewStore(cfg)

	held := store.Snapshot()
	store.Swap([]PartnerConfig{{ID: "B", Access: AccessBoth}}, nil)

	_, ok := held.Partner("A")
	assert.True(t, ok, "held snapshot keeps the old records")
	_, ok = store.Snapshot().Partner("A")
	assert.False(t, ok)
	_, ok = store.Snapshot().Partner("B")
	assert.True(t, ok)
}
