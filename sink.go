package tcpagent

// EventSink is the user-supplied upcall interface (spec §6). It is the
// one external collaborator the core always calls into; address
// resolution, keep-alive policy decisions, and send-policy wrapping are
// the caller's responsibility, not the core's.
type EventSink interface {
	// OnPrepareConnect runs just after the non-blocking socket is
	// created and before connect() is issued. Returning an error
	// cancels the connection before it is ever published.
	OnPrepareConnect(id ConnID, fd int) error
	// OnConnect runs once, strictly before any OnReceive/OnSend.
	// Returning an error closes the connection with SCFNone.
	OnConnect(id ConnID) error
	// OnReceive delivers one chunk of the peer's byte stream, in order.
	// Returning an error closes the connection with SCFError/Cancelled.
	OnReceive(id ConnID, data []byte) error
	// OnSend reports that data has left the socket, in submission
	// order. Its error return is logged and ignored — writes are past
	// the point of no return.
	OnSend(id ConnID, data []byte) error
	// OnClose is delivered at most once per ConnID, last of all events.
	OnClose(id ConnID, op SocketOperation, flag CloseFlag, err error)
	// OnShutdown fires once, after every connection has been closed and
	// the active table released, during Agent.Stop.
	OnShutdown()
}

// BaseEventSink implements EventSink with no-ops, so a caller can embed
// it and override only the callbacks it cares about.
type BaseEventSink struct{}

func (BaseEventSink) OnPrepareConnect(ConnID, int) error { return nil }
func (BaseEventSink) OnConnect(ConnID) error             { return nil }
func (BaseEventSink) OnReceive(ConnID, []byte) error     { return nil }
func (BaseEventSink) OnSend(ConnID, []byte) error        { return nil }
func (BaseEventSink) OnClose(ConnID, SocketOperation, CloseFlag, error) {}
func (BaseEventSink) OnShutdown()                                       {}
