// Package datachannel implements the DCEP handshake messages and a PPID-based
// dispatcher for SCTP user data.
package datachannel

import "log"

// Handler processes the user data of one SCTP message.
type Handler func(data []byte) error

// Router dispatches incoming data channel messages by payload protocol
// identifier. It is used from a single session loop and needs no locking.
type Router struct {
	handlers map[uint32]Handler
}

// NewRouter creates a new message router.
func NewRouter() *Router {
	return &Router{handlers: make(map[uint32]Handler)}
}

// Register adds a handler for a payload protocol identifier.
func (r *Router) Register(ppid uint32, h Handler) {
	r.handlers[ppid] = h
}

// Dispatch routes a message to the handler registered for its PPID.
// Messages with an unknown PPID are logged and dropped.
func (r *Router) Dispatch(ppid uint32, data []byte) error {
	h, ok := r.handlers[ppid]
	if !ok {
		log.Printf("datachannel: unknown ppid %d (%d bytes)", ppid, len(data))
		return nil
	}
	return h(data)
}
