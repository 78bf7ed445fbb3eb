package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesit-go/pesitd/pkg/cluster"
	"github.com/pesit-go/pesitd/pkg/config"
	"github.com/pesit-go/pesitd/pkg/journal"
)

// fakeCluster is a controllable Provider: leadership can be flipped and
// ownership conflicts injected.
type fakeCluster struct {
	mu        sync.Mutex
	node      string
	enabled   bool
	leader    bool
	owners    map[string]string
	listeners []cluster.EventListener
}

func newFakeCluster(node string, enabled, leader bool) *fakeCluster {
	return &fakeCluster{
		node:    node,
		enabled: enabled,
		leader:  leader,
		owners:  make(map[string]string),
	}
}

func (f *fakeCluster) Enabled() bool { return f.enabled }

func (f *fakeCluster) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeCluster) IsConnected() bool { return true }
func (f *fakeCluster) NodeName() string  { return f.node }
func (f *fakeCluster) Members() []string { return []string{f.node} }

func (f *fakeCluster) AcquireServerOwnership(serverID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, held := f.owners[serverID]; held && owner != f.node {
		return false
	}
	f.owners[serverID] = f.node
	return true
}

func (f *fakeCluster) ReleaseServerOwnership(serverID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[serverID] == f.node {
		delete(f.owners, serverID)
	}
}

func (f *fakeCluster) ServerOwner(serverID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[serverID]
}

func (f *fakeCluster) AddListener(l cluster.EventListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *fakeCluster) emit(ev cluster.Event) {
	f.mu.Lock()
	ls := append([]cluster.EventListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l.OnClusterEvent(ev)
	}
}

func (f *fakeCluster) setLeader(v bool) {
	f.mu.Lock()
	f.leader = v
	f.mu.Unlock()
}

func newTestSupervisor(t *testing.T, provider cluster.Provider, autoStart bool) (*Supervisor, Deps) {
	t.Helper()
	deps := testDeps(t)
	cfg := &config.Config{
		ShutdownTimeout: 2 * time.Second,
		Listeners: []config.ListenerConfig{
			testListenerConfig(t, func(c *config.ListenerConfig) {
				c.AutoStart = autoStart
			}),
		},
	}
	s := NewSupervisor(cfg, deps, provider)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, deps
}

func TestSupervisorStartAndStopListener(t *testing.T) {
	fc := newFakeCluster("node-a", false, true)
	s, _ := newTestSupervisor(t, fc, false)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))

	st, err := s.Status("SRV1")
	require.NoError(t, err)
	assert.False(t, st.Running)

	require.NoError(t, s.StartListener(ctx, "SRV1"))
	st, err = s.Status("SRV1")
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "node-a", st.Owner)

	err = s.StartListener(ctx, "SRV1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, s.StopListener(ctx, "SRV1"))
	st, err = s.Status("SRV1")
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, st.Owner, "ownership released on stop")
}

func TestSupervisorAutoStart(t *testing.T) {
	fc := newFakeCluster("node-a", false, true)
	s, _ := newTestSupervisor(t, fc, true)

	require.NoError(t, s.Start(context.Background()))
	st, err := s.Status("SRV1")
	require.NoError(t, err)
	assert.True(t, st.Running)
}

func TestSupervisorStandbyHoldsListenersDown(t *testing.T) {
	fc := newFakeCluster("node-b", true, false)
	s, _ := newTestSupervisor(t, fc, true)

	require.NoError(t, s.Start(context.Background()))
	st, err := s.Status("SRV1")
	require.NoError(t, err)
	assert.False(t, st.Running, "standby node must not bind")
}

func TestSupervisorBecameLeaderStartsListeners(t *testing.T) {
	fc := newFakeCluster("node-b", true, false)
	s, _ := newTestSupervisor(t, fc, true)
	require.NoError(t, s.Start(context.Background()))

	fc.setLeader(true)
	fc.emit(cluster.Event{Type: cluster.EventBecameLeader})

	require.Eventually(t, func() bool {
		st, err := s.Status("SRV1")
		return err == nil && st.Running
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisorLostLeadershipStopsAndSweeps(t *testing.T) {
	fc := newFakeCluster("node-a", true, true)
	s, deps := newTestSupervisor(t, fc, true)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	// An in-flight transfer owned by this node.
	id, err := deps.Journal.CreateTransfer(ctx, journal.CreateParams{
		SessionID: "sess-1", ServerID: "SRV1", NodeID: "node-test",
		PartnerID: "NOPASS", Filename: "INFLIGHT",
		Direction: journal.DirectionReceive, RemoteAddress: "192.0.2.1:1",
	})
	require.NoError(t, err)
	require.NoError(t, deps.Journal.StartTransfer(ctx, id, 0, ""))

	fc.setLeader(false)
	fc.emit(cluster.Event{Type: cluster.EventLostLeadership})

	require.Eventually(t, func() bool {
		st, err := s.Status("SRV1")
		if err != nil || st.Running {
			return false
		}
		rec, err := deps.Journal.GetTransfer(ctx, id)
		return err == nil && rec.Status == journal.StatusInterrupted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisorOwnershipConflict(t *testing.T) {
	fc := newFakeCluster("node-a", true, true)
	fc.owners["SRV1"] = "node-other"
	s, _ := newTestSupervisor(t, fc, false)

	err := s.StartListener(context.Background(), "SRV1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already owned by node-other")
}

func TestSupervisorPortInUse(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	port := blocker.Addr().(*net.TCPAddr).Port

	fc := newFakeCluster("node-a", false, true)
	deps := testDeps(t)
	cfg := &config.Config{
		ShutdownTimeout: time.Second,
		Listeners: []config.ListenerConfig{
			testListenerConfig(t, func(c *config.ListenerConfig) {
				c.Port = port
			}),
		},
	}
	s := NewSupervisor(cfg, deps, fc)

	err = s.StartListener(context.Background(), "SRV1")
	assert.ErrorIs(t, err, ErrPortInUse)
	assert.Empty(t, fc.ServerOwner("SRV1"), "ownership released after bind failure")
}

func TestSupervisorUpdateRejectedWhileRunning(t *testing.T) {
	fc := newFakeCluster("node-a", false, true)
	s, _ := newTestSupervisor(t, fc, false)
	ctx := context.Background()
	require.NoError(t, s.StartListener(ctx, "SRV1"))

	st, err := s.Status("SRV1")
	require.NoError(t, err)
	updated := testListenerConfig(t, func(c *config.ListenerConfig) {
		c.Port = st.Port + 1
	})
	err = s.UpdateListener(updated)
	assert.ErrorIs(t, err, ErrListenerRunning)

	require.NoError(t, s.StopListener(ctx, "SRV1"))
	require.NoError(t, s.UpdateListener(updated))
	require.NoError(t, s.DeleteListener(ctx, "SRV1"))

	_, err = s.Status("SRV1")
	assert.ErrorIs(t, err, ErrUnknownListener)
}

func TestSupervisorDeleteStopsRunningListener(t *testing.T) {
	fc := newFakeCluster("node-a", false, true)
	s, _ := newTestSupervisor(t, fc, false)
	ctx := context.Background()
	require.NoError(t, s.StartListener(ctx, "SRV1"))

	require.NoError(t, s.DeleteListener(ctx, "SRV1"))
	_, err := s.Status("SRV1")
	assert.ErrorIs(t, err, ErrUnknownListener)
	assert.Empty(t, fc.ServerOwner("SRV1"))
}

func TestSupervisorCreateListener(t *testing.T) {
	fc := newFakeCluster("node-a", false, true)
	s, _ := newTestSupervisor(t, fc, false)

	extra := testListenerConfig(t, func(c *config.ListenerConfig) {
		c.ServerID = "SRV2"
	})
	require.NoError(t, s.CreateListener(extra))
	assert.Error(t, s.CreateListener(extra), "duplicate id rejected")

	require.NoError(t, s.StartListener(context.Background(), "SRV2"))
	assert.Equal(t, 0, s.ActiveConnectionCount())
}

func TestSupervisorMarksStaleTransfersOnStart(t *testing.T) {
	fc := newFakeCluster("node-a", false, true)
	s, deps := newTestSupervisor(t, fc, false)
	ctx := context.Background()

	id, err := deps.Journal.CreateTransfer(ctx, journal.CreateParams{
		SessionID: "sess-0", ServerID: "SRV1", NodeID: "node-test",
		PartnerID: "NOPASS", Filename: "STALE",
		Direction: journal.DirectionReceive, RemoteAddress: "192.0.2.1:1",
	})
	require.NoError(t, err)
	require.NoError(t, deps.Journal.StartTransfer(ctx, id, 0, ""))

	require.NoError(t, s.Start(ctx))

	rec, err := deps.Journal.GetTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, rec.Status)
}

func TestValidateDirectories(t *testing.T) {
	cfg := testListenerConfig(t, nil)
	assert.NoError(t, validateDirectories(cfg))

	cfg.ReceiveDirectory = "/nonexistent/pesitd-test"
	assert.Error(t, validateDirectories(cfg))
}
