package cluster

import (
	"os"
	"sync"
)

// Standalone is the Provider for a single-node deployment: cluster
// disabled, always leader, sole member. Ownership is tracked locally so
// the supervisor's acquire/release protocol behaves identically with
// and without a cluster.
type Standalone struct {
	node string

	mu        sync.Mutex
	owned     map[string]struct{}
	listeners []EventListener
}

// NewStandalone creates a standalone provider. An empty node name
// defaults to the hostname.
func NewStandalone(node string) *Standalone {
	if node == "" {
		if hostname, err := os.Hostname(); err == nil {
			node = hostname
		} else {
			node = "localhost"
		}
	}
	return &Standalone{node: node, owned: make(map[string]struct{})}
}

func (s *Standalone) Enabled() bool     { return false }
func (s *Standalone) IsLeader() bool    { return true }
func (s *Standalone) IsConnected() bool { return true }
func (s *Standalone) NodeName() string  { return s.node }

func (s *Standalone) Members() []string {
	return []string{s.node}
}

func (s *Standalone) AcquireServerOwnership(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.owned[serverID]; taken {
		return false
	}
	s.owned[serverID] = struct{}{}
	return true
}

func (s *Standalone) ReleaseServerOwnership(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owned, serverID)
}

func (s *Standalone) ServerOwner(serverID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.owned[serverID]; taken {
		return s.node
	}
	return ""
}

func (s *Standalone) AddListener(l EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Emit delivers an event to every registered listener. Standalone
// deployments never emit; tests use this to drive the supervisor
// through leadership changes.
func (s *Standalone) Emit(ev Event) {
	s.mu.Lock()
	listeners := append([]EventListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnClusterEvent(ev)
	}
}
