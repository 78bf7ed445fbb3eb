package pesit

import (
	"context"

	"github.com/pesit-go/pesitd/internal/protocol/pesit/fpdu"
)

// handlerFunc processes one inbound frame. It returns the response to
// emit, or nil on the data-bearing paths that answer with nothing.
type handlerFunc func(ctx context.Context, s *Session, f *fpdu.FPDU) (*fpdu.FPDU, error)

// dispatchEntry binds a handler to the states it is legal in. An
// inbound frame outside those states is an invalid transition and ends
// the session with an ABORT.
type dispatchEntry struct {
	states []State
	handle handlerFunc
}

func (e dispatchEntry) allowedIn(s State) bool {
	for _, st := range e.states {
		if st == s {
			return true
		}
	}
	return false
}

// dispatchTable keys every FPDU the server consumes by kind. Frames
// the server only ever emits (ACONNECT, the ACKs of requests it never
// sends) are deliberately absent: receiving one is a protocol error.
var dispatchTable = map[fpdu.Kind]dispatchEntry{
	fpdu.KindConnect: {
		states: []State{StateRepos},
		handle: handleConnect,
	},
	fpdu.KindRelease: {
		states: []State{StateConnected, StateFileSelected},
		handle: handleRelease,
	},
	fpdu.KindAbort: {
		states: allStates(),
		handle: handleAbort,
	},

	fpdu.KindCreate: {
		states: []State{StateConnected},
		handle: handleCreate,
	},
	fpdu.KindSelect: {
		states: []State{StateConnected},
		handle: handleSelect,
	},
	fpdu.KindDeselect: {
		states: []State{StateFileSelected},
		handle: handleDeselect,
	},

	fpdu.KindOpen: {
		states: []State{StateFileSelected},
		handle: handleOpen,
	},
	fpdu.KindClose: {
		states: []State{StateTransferReady},
		handle: handleClose,
	},

	fpdu.KindWrite: {
		states: []State{StateTransferReady},
		handle: handleWrite,
	},
	fpdu.KindDTF: {
		states: []State{StateReceivingData},
		handle: handleDTF,
	},
	fpdu.KindSyn: {
		states: []State{StateReceivingData},
		handle: handleSyn,
	},
	fpdu.KindResyn: {
		states: []State{StateReceivingData},
		handle: handleResyn,
	},
	fpdu.KindDTFEnd: {
		states: []State{StateReceivingData},
		handle: handleDTFEnd,
	},
	fpdu.KindTransEnd: {
		states: []State{StateWriteEnd},
		handle: handleTransEnd,
	},
	fpdu.KindIDT: {
		states: []State{StateReceivingData, StateSendingData},
		handle: handleIDT,
	},

	fpdu.KindRead: {
		states: []State{StateTransferReady},
		handle: handleRead,
	},
	fpdu.KindAckSyn: {
		states: []State{StateSendingData},
		handle: handleAckSyn,
	},
	fpdu.KindAckTransEnd: {
		states: []State{StateReadEnd},
		handle: handleAckTransEnd,
	},

	fpdu.KindMsg: {
		states: []State{StateConnected},
		handle: handleMsg,
	},
	fpdu.KindMsgDM: {
		states: []State{StateConnected},
		handle: handleMsgDM,
	},
	fpdu.KindMsgMM: {
		states: []State{StateMsgReceiving},
		handle: handleMsgMM,
	},
	fpdu.KindMsgFM: {
		states: []State{StateMsgReceiving},
		handle: handleMsgFM,
	},
}

// allStates returns every state except ERROR: a peer ABORT is honored
// wherever the session stands.
func allStates() []State {
	states := make([]State, 0, len(stateNames))
	for s := range stateNames {
		if s != StateError {
			states = append(states, s)
		}
	}
	return states
}
