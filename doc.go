// Package tcpagent is a high-concurrency TCP client agent.
//
// It initiates and multiplexes many outbound TCP connections to
// arbitrary remote peers over a fixed pool of epoll-driven worker
// threads, and delivers per-connection byte streams to application
// supplied event sinks without blocking any worker.
//
// tcpagent acts in reactor mode: connections are driven by readiness
// notifications from the dispatcher rather than by per-connection
// goroutines, so a single process can hold open hundreds of thousands
// of outbound sockets.
package tcpagent
