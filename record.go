package tcpagent

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

var agentStart = time.Now()

// nowMs returns a monotonic millisecond timestamp relative to process
// start, used for conn_time/active_time/free_time comparisons so that
// wall-clock adjustments never affect quarantine math.
func nowMs() int64 {
	return time.Since(agentStart).Milliseconds()
}

// ConnState is one state of the per-connection state machine in spec §4.3.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateClosing
	StateDead
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	default:
		return "Dead"
	}
}

// SocketOperation identifies which I/O path produced a close, delivered
// to OnClose as 'op'.
type SocketOperation int

const (
	SOConnect SocketOperation = iota
	SOReceive
	SOSend
	SOClose
)

// CloseFlag classifies why close_and_recycle ran.
type CloseFlag int

const (
	SCFNone CloseFlag = iota
	SCFClose
	SCFError
)

// sendItem is one queued outbound buffer. buf may be pool-backed; owner
// tracks that so it can be returned on full drain.
type sendItem struct {
	buf       []byte
	off       int
	fromPool  bool
	poolOwner *bufferPool
}

func (it *sendItem) remaining() []byte { return it.buf[it.off:] }
func (it *sendItem) empty() bool       { return it.off >= len(it.buf) }

func (it *sendItem) release() {
	if it.fromPool && it.poolOwner != nil {
		it.poolOwner.put(it.buf)
	}
	it.buf = nil
}

// record is one connection's mutable state. Records are owned by the
// active table while live, and recycled through the free pool / GC list
// per spec §3 and §4.2.
type record struct {
	connID ConnID
	fd     int

	state  atomic.Int32 // ConnState
	paused atomic.Bool

	remoteAddr string
	remoteHost string

	extra      interface{}
	reserved   int64
	reserved2  int64

	connTimeMs   int64
	activeTimeMs atomic.Int64
	freeTimeMs   atomic.Int64

	sendMu    sync.Mutex
	sendQueue []*sendItem
	blocked   bool

	refCount atomic.Int32

	// closeStarted guards close_and_recycle so it only runs once per
	// tenancy of the record, per spec §4.2 ("safe to call once per
	// record").
	closeStarted atomic.Bool

	worker int // index of the dispatcher worker this fd is pinned to

	// scratch fields reused verbatim across reuse cycles; reset() clears
	// everything user-observable but keeps the allocation.
}

func (r *record) getState() ConnState { return ConnState(r.state.Load()) }
func (r *record) setState(s ConnState) { r.state.Store(int32(s)) }

func (r *record) isPaused() bool  { return r.paused.Load() }
func (r *record) setPaused(p bool) { r.paused.Store(p) }

// pending reports whether the send queue is non-empty, i.e. EPOLLOUT
// must be armed.
func (r *record) pending() bool {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return len(r.sendQueue) > 0
}

// reset clears a record for reuse from the free pool. Called only while
// the record is not reachable from the active table.
func (r *record) reset() {
	r.connID = NoConnID
	r.fd = -1
	r.state.Store(int32(StateDead))
	r.paused.Store(false)
	r.remoteAddr = ""
	r.remoteHost = ""
	r.extra = nil
	r.reserved = 0
	r.reserved2 = 0
	r.connTimeMs = 0
	r.activeTimeMs.Store(0)
	r.freeTimeMs.Store(0)
	r.blocked = false
	r.worker = -1
	r.closeStarted.Store(false)

	r.sendMu.Lock()
	for _, it := range r.sendQueue {
		it.release()
	}
	r.sendQueue = r.sendQueue[:0]
	r.sendMu.Unlock()
}

func newRecord() *record {
	r := &record{fd: -1, worker: -1}
	r.state.Store(int32(StateDead))
	return r
}
