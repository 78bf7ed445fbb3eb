// Package cluster defines the contract between the listener supervisor
// and whatever coordinates a fleet of pesitd nodes. The supervisor only
// needs leadership status, listener-name ownership and event
// notifications; how those are provided (raft, a lock service, nothing
// at all) is behind this interface.
package cluster

// EventType identifies a cluster event.
type EventType string

const (
	EventBecameLeader   EventType = "BECAME_LEADER"
	EventLostLeadership EventType = "LOST_LEADERSHIP"
	EventMemberJoined   EventType = "MEMBER_JOINED"
	EventMemberLeft     EventType = "MEMBER_LEFT"
)

// Event is a cluster notification delivered to listeners.
type Event struct {
	Type EventType

	// Member is the node the event concerns, when applicable.
	Member string
}

// EventListener receives cluster events. Callbacks must not block:
// implementations set flags and enqueue work, nothing more.
type EventListener interface {
	OnClusterEvent(ev Event)
}

// Provider mediates leadership and per-listener ownership across the
// fleet. All methods are safe for concurrent use.
type Provider interface {
	// Enabled reports whether clustering is active at all.
	Enabled() bool

	// IsLeader reports whether this node currently holds leadership.
	IsLeader() bool

	// IsConnected reports whether this node can reach the cluster.
	IsConnected() bool

	// NodeName returns this node's stable name.
	NodeName() string

	// Members returns the current cluster membership.
	Members() []string

	// AcquireServerOwnership claims the given listener name for this
	// node. Returns false when another node already owns it.
	AcquireServerOwnership(serverID string) bool

	// ReleaseServerOwnership releases a claim held by this node.
	ReleaseServerOwnership(serverID string)

	// ServerOwner returns the node owning the listener name, or ""
	// when unowned.
	ServerOwner(serverID string) string

	// AddListener registers for cluster events.
	AddListener(l EventListener)
}
