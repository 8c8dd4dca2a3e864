package session

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the connection state of a Session.
type State string

const (
	// Disconnected is the initial state, the state after a lost
	// connection, and the terminal state after Close.
	Disconnected State = "disconnected"

	// Connecting means a dial is in progress.
	Connecting State = "connecting"

	// Connected means frames can be exchanged.
	Connected State = "connected"
)

// States lists every State.
var States = []string{string(Disconnected), string(Connecting), string(Connected)}

// State machine events.
const (
	evConnect = "connect" // dial started
	evOpen    = "open"    // channel established
	evFail    = "fail"    // dial failed
	evDrop    = "drop"    // connection lost or replaced
	evClose   = "close"   // explicit close
)

// newStateMachine builds the connection lifecycle:
//
//	disconnected --connect--> connecting --open--> connected
//	connecting   --fail-----> disconnected
//	connected    --drop-----> disconnected
//	any          --close----> disconnected
func newStateMachine(onEnter func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(Disconnected),
		fsm.Events{
			{Name: evConnect, Src: []string{string(Disconnected)}, Dst: string(Connecting)},
			{Name: evOpen, Src: []string{string(Connecting)}, Dst: string(Connected)},
			{Name: evFail, Src: []string{string(Connecting)}, Dst: string(Disconnected)},
			{Name: evDrop, Src: []string{string(Connected), string(Connecting)}, Dst: string(Disconnected)},
			{Name: evClose, Src: []string{string(Connected), string(Connecting)}, Dst: string(Disconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(State(e.Src), State(e.Dst))
			},
		},
	)
}
