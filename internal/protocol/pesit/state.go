// Package pesit implements the PeSIT-E server protocol engine: the
// session state machine, the per-phase FPDU handlers and the session
// runtime driving them.
package pesit

import "fmt"

// State is a PeSIT session state. Naming follows the protocol state
// tables: CNxx connection phase, SFxx file selection, OFxx file open,
// TDExx data transfer (receive), TDLxx data transfer (send).
type State uint8

const (
	// StateRepos (CN01) is the initial state: no connection negotiated.
	StateRepos State = iota

	// StateConnectPending (CN02B): CONNECT received, response pending.
	StateConnectPending

	// StateConnected (CN03): session established.
	StateConnected

	// StateReleasePending (CN04B): RELEASE received, RELCONF pending.
	StateReleasePending

	// StateCreatePending (SF01B): CREATE received, peer will write.
	StateCreatePending

	// StateSelectPending (SF02B): SELECT received, peer will read.
	StateSelectPending

	// StateFileSelected (SF03): logical file selected.
	StateFileSelected

	// StateDeselectPending (SF04B): DESELECT received.
	StateDeselectPending

	// StateOpenPending (OF01B): OPEN received.
	StateOpenPending

	// StateTransferReady (OF02): file open, ready for WRITE or READ.
	StateTransferReady

	// StateClosePending (OF03B): CLOSE received.
	StateClosePending

	// StateWritePending (TDE01B): WRITE received, allocating output.
	StateWritePending

	// StateReceivingData (TDE02B): DTF stream inbound.
	StateReceivingData

	// StateResyncPending (TDE03): sync point being acknowledged.
	StateResyncPending

	// StateWriteEnd (TDE07): DTF_END seen, awaiting TRANS_END.
	StateWriteEnd

	// StateReadPending (TDL01B): READ received, opening source file.
	StateReadPending

	// StateSendingData (TDL02B): DTF stream outbound.
	StateSendingData

	// StateReadEnd (TDL07): end of outbound data signalled.
	StateReadEnd

	// StateMsgReceiving: segmented message reassembly in progress.
	StateMsgReceiving

	// StateError: protocol error; the only exit is back to CN01.
	StateError
)

var stateNames = map[State]string{
	StateRepos:           "CN01_REPOS",
	StateConnectPending:  "CN02B_CONNECT_PENDING",
	StateConnected:       "CN03_CONNECTED",
	StateReleasePending:  "CN04B_RELEASE_PENDING",
	StateCreatePending:   "SF01B_CREATE_PENDING",
	StateSelectPending:   "SF02B_SELECT_PENDING",
	StateFileSelected:    "SF03_FILE_SELECTED",
	StateDeselectPending: "SF04B_DESELECT_PENDING",
	StateOpenPending:     "OF01B_OPEN_PENDING",
	StateTransferReady:   "OF02_TRANSFER_READY",
	StateClosePending:    "OF03B_CLOSE_PENDING",
	StateWritePending:    "TDE01B_WRITE_PENDING",
	StateReceivingData:   "TDE02B_RECEIVING_DATA",
	StateResyncPending:   "TDE03_RESYNC_PENDING",
	StateWriteEnd:        "TDE07_WRITE_END",
	StateReadPending:     "TDL01B_READ_PENDING",
	StateSendingData:     "TDL02B_SENDING_DATA",
	StateReadEnd:         "TDL07_READ_END",
	StateMsgReceiving:    "MSG_RECEIVING",
	StateError:           "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// stateTransitions is the legal-next-state table. Every state may
// additionally transition to StateError; Next checks that implicitly so
// the table only lists the orderly paths.
var stateTransitions = map[State][]State{
	StateRepos:          {StateConnectPending},
	StateConnectPending: {StateConnected, StateRepos},
	StateConnected: {
		StateCreatePending, StateSelectPending,
		StateReleasePending, StateMsgReceiving,
	},
	StateReleasePending:  {StateRepos},
	StateCreatePending:   {StateFileSelected, StateConnected},
	StateSelectPending:   {StateFileSelected, StateConnected},
	StateFileSelected:    {StateOpenPending, StateDeselectPending, StateReleasePending},
	StateDeselectPending: {StateConnected},
	StateOpenPending:     {StateTransferReady, StateFileSelected},
	StateTransferReady: {
		StateWritePending, StateReadPending, StateClosePending,
	},
	StateClosePending: {StateFileSelected},
	StateWritePending: {StateReceivingData, StateTransferReady},
	StateReceivingData: {
		StateReceivingData, StateResyncPending, StateWriteEnd,
		StateTransferReady,
	},
	StateResyncPending: {StateReceivingData},
	StateWriteEnd:      {StateTransferReady},
	StateReadPending:   {StateSendingData, StateTransferReady},
	StateSendingData:   {StateSendingData, StateReadEnd, StateTransferReady},
	StateReadEnd:       {StateTransferReady},
	StateMsgReceiving:  {StateMsgReceiving, StateConnected},
	StateError:         {StateRepos},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	if next == StateError {
		return s != StateError
	}
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NextStates returns the declared legal next states, not including the
// implicit transition to StateError.
func (s State) NextStates() []State {
	return append([]State(nil), stateTransitions[s]...)
}

// Transferring reports whether the state is part of an active data
// transfer, in either direction.
func (s State) Transferring() bool {
	switch s {
	case StateWritePending, StateReceivingData, StateResyncPending, StateWriteEnd,
		StateReadPending, StateSendingData, StateReadEnd:
		return true
	}
	return false
}
