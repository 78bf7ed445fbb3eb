package metrics

// PesitMetrics provides observability for the PeSIT listeners.
//
// The interface is optional: a nil value disables collection with zero
// overhead, so callers never need to guard their instrumentation.
type PesitMetrics interface {
	// RecordConnectionAccepted increments the accepted counter for a
	// listener.
	RecordConnectionAccepted(serverID string)

	// RecordConnectionClosed increments the closed counter.
	RecordConnectionClosed(serverID string)

	// SetActiveConnections updates the live session gauge.
	SetActiveConnections(serverID string, count int)

	// RecordFPDU counts one protocol unit. direction is "in" or "out".
	RecordFPDU(serverID, kind, direction string)

	// RecordTransfer counts a finished transfer by direction
	// ("SEND"/"RECEIVE") and outcome ("completed", "failed",
	// "interrupted", "cancelled").
	RecordTransfer(serverID, direction, outcome string)

	// RecordBytesTransferred accumulates payload bytes by direction.
	RecordBytesTransferred(serverID, direction string, bytes int64)
}
