package tcpagent

import (
	"net"
	"time"
)

type connectConfig struct {
	sync      bool
	timeout   time.Duration
	localAddr *net.TCPAddr
	extra     interface{}
}

// ConnectOption customizes one call to Agent.Connect.
type ConnectOption func(*connectConfig)

// WithSync forces synchronous connect semantics for this call,
// overriding the agent-wide default set at Start, capped at timeout.
func WithSync(timeout time.Duration) ConnectOption {
	return func(c *connectConfig) { c.sync = true; c.timeout = timeout }
}

// WithAsync forces asynchronous connect semantics for this call.
func WithAsync() ConnectOption {
	return func(c *connectConfig) { c.sync = false }
}

// WithLocalAddr binds the outbound socket to a specific local address,
// overriding the agent-wide default.
func WithLocalAddr(addr *net.TCPAddr) ConnectOption {
	return func(c *connectConfig) { c.localAddr = addr }
}

// WithExtra seeds the connection record's opaque Extra slot before the
// connection is published, so OnConnect can already observe it.
// OnPrepareConnect runs before that point and cannot see it.
func WithExtra(extra interface{}) ConnectOption {
	return func(c *connectConfig) { c.extra = extra }
}
