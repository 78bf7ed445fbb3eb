package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesit-go/pesitd/internal/logger"
	"github.com/pesit-go/pesitd/pkg/cluster"
	"github.com/pesit-go/pesitd/pkg/config"
)

var (
	// ErrUnknownListener is returned for operations on a listener id
	// the supervisor does not manage.
	ErrUnknownListener = errors.New("server: unknown listener")

	// ErrListenerRunning is returned when an update or delete targets a
	// running listener. Stop it first.
	ErrListenerRunning = errors.New("server: listener is running")

	// ErrAlreadyRunning is returned by StartListener on a listener that
	// is already serving.
	ErrAlreadyRunning = errors.New("server: listener already running")
)

// managed is a listener slot: its configuration plus, when running, the
// live instance.
type managed struct {
	cfg      config.ListenerConfig
	listener *Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

func (m *managed) running() bool { return m.listener != nil }

// Supervisor owns the set of named listeners: lifecycle, cluster
// ownership and the recovery sweep over the journal. One per process.
type Supervisor struct {
	deps            Deps
	cluster         cluster.Provider
	shutdownTimeout time.Duration

	mu        sync.Mutex
	listeners map[string]*managed
}

// NewSupervisor builds the supervisor from the startup configuration.
// Listeners are registered but not started; call Start.
func NewSupervisor(cfg *config.Config, deps Deps, provider cluster.Provider) *Supervisor {
	s := &Supervisor{
		deps:            deps,
		cluster:         provider,
		shutdownTimeout: cfg.ShutdownTimeout,
		listeners:       make(map[string]*managed),
	}
	for _, lc := range cfg.Listeners {
		s.listeners[lc.ServerID] = &managed{cfg: lc}
	}
	return s
}

// Start performs the startup sweep and brings up the auto-start
// listeners. On a clustered node that is not the leader the listeners
// stay down until a BECAME_LEADER event.
func (s *Supervisor) Start(ctx context.Context) error {
	// Whatever was IN_PROGRESS when this node last died is not coming
	// back on its own.
	marked, err := s.deps.Journal.MarkInterruptedTransfers(ctx, s.deps.NodeID)
	if err != nil {
		return fmt.Errorf("startup journal sweep: %w", err)
	}
	if marked > 0 {
		logger.Info("marked stale transfers interrupted",
			logger.KeyNode, s.deps.NodeID, "count", marked)
	}

	s.cluster.AddListener(s)

	if s.cluster.Enabled() && !s.cluster.IsLeader() {
		logger.Info("standby node, listeners held down", logger.KeyNode, s.deps.NodeID)
		return nil
	}
	return s.startAutoStart(ctx)
}

func (s *Supervisor) startAutoStart(ctx context.Context) error {
	s.mu.Lock()
	var ids []string
	for id, m := range s.listeners {
		if m.cfg.AutoStart && !m.running() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.StartListener(ctx, id); err != nil {
			logger.Error("auto-start failed", logger.KeyServer, id, logger.KeyError, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StartListener claims the listener name in the cluster, validates its
// directories, binds the port and launches the accept loop.
func (s *Supervisor) StartListener(ctx context.Context, serverID string) error {
	s.mu.Lock()
	m, ok := s.listeners[serverID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownListener, serverID)
	}
	if m.running() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, serverID)
	}
	cfg := m.cfg
	s.mu.Unlock()

	if !s.cluster.AcquireServerOwnership(serverID) {
		owner := s.cluster.ServerOwner(serverID)
		return fmt.Errorf("server: listener %s already owned by %s", serverID, owner)
	}

	if err := validateDirectories(cfg); err != nil {
		s.cluster.ReleaseServerOwnership(serverID)
		return err
	}

	l := NewListener(cfg, s.deps, s.shutdownTimeout)
	if err := l.Listen(); err != nil {
		s.cluster.ReleaseServerOwnership(serverID)
		return err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	m.listener = l
	m.cancel = cancel
	m.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := l.Serve(serveCtx); err != nil {
			logger.Warn("listener exited", logger.KeyServer, serverID, logger.KeyError, err)
		}
		s.mu.Lock()
		if cur := s.listeners[serverID]; cur != nil && cur.listener == l {
			cur.listener = nil
			cur.cancel = nil
			cur.done = nil
		}
		s.mu.Unlock()
		s.cluster.ReleaseServerOwnership(serverID)
	}()

	return nil
}

// StopListener drains the listener and releases its cluster ownership.
func (s *Supervisor) StopListener(ctx context.Context, serverID string) error {
	s.mu.Lock()
	m, ok := s.listeners[serverID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownListener, serverID)
	}
	if !m.running() {
		s.mu.Unlock()
		return nil
	}
	l, cancel, done := m.listener, m.cancel, m.done
	s.mu.Unlock()

	cancel()
	if err := l.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// CreateListener registers a new listener configuration. It does not
// start it.
func (s *Supervisor) CreateListener(cfg config.ListenerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[cfg.ServerID]; exists {
		return fmt.Errorf("server: listener %s already exists", cfg.ServerID)
	}
	s.listeners[cfg.ServerID] = &managed{cfg: cfg}
	return nil
}

// UpdateListener replaces a stopped listener's configuration. Updating
// a running listener is rejected: stop, update, start.
func (s *Supervisor) UpdateListener(cfg config.ListenerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.listeners[cfg.ServerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownListener, cfg.ServerID)
	}
	if m.running() {
		return fmt.Errorf("%w: %s", ErrListenerRunning, cfg.ServerID)
	}
	m.cfg = cfg
	return nil
}

// DeleteListener removes a listener, stopping it first if running.
func (s *Supervisor) DeleteListener(ctx context.Context, serverID string) error {
	s.mu.Lock()
	m, ok := s.listeners[serverID]
	running := ok && m.running()
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownListener, serverID)
	}
	if running {
		if err := s.StopListener(ctx, serverID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.listeners, serverID)
	s.mu.Unlock()
	return nil
}

// ListenerStatus is a point-in-time view of one listener.
type ListenerStatus struct {
	ServerID          string
	Port              int
	Running           bool
	ActiveConnections int
	Owner             string
}

// Status returns the state of one listener.
func (s *Supervisor) Status(serverID string) (ListenerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.listeners[serverID]
	if !ok {
		return ListenerStatus{}, fmt.Errorf("%w: %s", ErrUnknownListener, serverID)
	}
	return s.statusLocked(serverID, m), nil
}

// StatusAll returns the state of every managed listener.
func (s *Supervisor) StatusAll() []ListenerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ListenerStatus, 0, len(s.listeners))
	for id, m := range s.listeners {
		out = append(out, s.statusLocked(id, m))
	}
	return out
}

func (s *Supervisor) statusLocked(id string, m *managed) ListenerStatus {
	st := ListenerStatus{
		ServerID: id,
		Port:     m.cfg.Port,
		Running:  m.running(),
		Owner:    s.cluster.ServerOwner(id),
	}
	if m.listener != nil {
		st.ActiveConnections = m.listener.ActiveConnections()
	}
	return st
}

// ActiveConnectionCount sums live sessions across all running
// listeners.
func (s *Supervisor) ActiveConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, m := range s.listeners {
		if m.listener != nil {
			total += m.listener.ActiveConnections()
		}
	}
	return total
}

// OnClusterEvent implements cluster.EventListener. The callback must
// not block, so the real work runs on its own goroutine.
func (s *Supervisor) OnClusterEvent(ev cluster.Event) {
	switch ev.Type {
	case cluster.EventBecameLeader:
		logger.Info("leadership acquired", logger.KeyNode, s.deps.NodeID)
		go func() {
			if err := s.startAutoStart(context.Background()); err != nil {
				logger.Error("listener start after leadership change", logger.KeyError, err)
			}
		}()
	case cluster.EventLostLeadership:
		logger.Warn("leadership lost, stopping listeners", logger.KeyNode, s.deps.NodeID)
		go s.stopAllAndSweep()
	case cluster.EventMemberJoined, cluster.EventMemberLeft:
		logger.Info("cluster membership changed", "event", string(ev.Type), "member", ev.Member)
	}
}

// stopAllAndSweep drains every listener and then marks whatever was
// still moving as INTERRUPTED so the new leader can offer restarts.
func (s *Supervisor) stopAllAndSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout+time.Second)
	defer cancel()

	s.stopAll(ctx)

	marked, err := s.deps.Journal.MarkInterruptedTransfers(ctx, s.deps.NodeID)
	if err != nil {
		logger.Error("journal sweep after stop", logger.KeyError, err)
		return
	}
	if marked > 0 {
		logger.Info("marked in-flight transfers interrupted", "count", marked)
	}
}

func (s *Supervisor) stopAll(ctx context.Context) {
	s.mu.Lock()
	var ids []string
	for id, m := range s.listeners {
		if m.running() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.StopListener(gctx, id); err != nil {
				logger.Warn("stop listener", logger.KeyServer, id, logger.KeyError, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown stops every listener and runs the final journal sweep.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopAll(ctx)

	marked, err := s.deps.Journal.MarkInterruptedTransfers(ctx, s.deps.NodeID)
	if err != nil {
		return fmt.Errorf("shutdown journal sweep: %w", err)
	}
	if marked > 0 {
		logger.Info("marked in-flight transfers interrupted", "count", marked)
	}
	return nil
}

// validateDirectories checks the listener's filesystem prerequisites.
// An unusable receive directory aborts the start; a missing send
// directory only warns, sends will fail per-file with FILE NOT FOUND.
func validateDirectories(cfg config.ListenerConfig) error {
	if err := checkWritableDir(cfg.ReceiveDirectory); err != nil {
		return fmt.Errorf("listener %s receive directory: %w", cfg.ServerID, err)
	}
	if info, err := os.Stat(cfg.SendDirectory); err != nil || !info.IsDir() {
		logger.Warn("send directory unusable",
			logger.KeyServer, cfg.ServerID,
			"dir", cfg.SendDirectory,
			logger.KeyError, err,
		)
	}
	return nil
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".pesitd-probe-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}
