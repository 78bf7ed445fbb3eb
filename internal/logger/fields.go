package logger

// Standard field keys. Using the same keys everywhere keeps the logs
// queryable once shipped as JSON.
const (
	KeyServer   = "server"    // listener (server instance) id
	KeyNode     = "node"      // cluster node name
	KeySession  = "session_id"
	KeyPartner  = "partner"
	KeyRemote   = "remote"    // remote address
	KeyFPDU     = "fpdu"      // FPDU kind name
	KeyState    = "state"     // session state
	KeyDiag     = "diag"      // diagnostic code (Dc_rrr)
	KeyTransfer = "transfer_id"
	KeyFilename = "filename"
	KeyBytes    = "bytes"
	KeyRecords  = "records"
	KeySyncPt   = "sync_point"
	KeyDuration = "duration"
	KeyError    = "error"
)
