package dispatch

import "strconv"

// HandlerID selects the application-level meaning of a frame's payload.
type HandlerID uint32

// PingHandlerID is reserved for the heartbeat ping and is never dispatched.
const PingHandlerID HandlerID = 0

func (id HandlerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Message is one decoded frame as seen by a handler.
type Message struct {
	// ClientID identifies the sending client on the server side. It is 0 on
	// the client side, where there is only one peer.
	ClientID  int
	HandlerID HandlerID
	Payload   []byte
}
