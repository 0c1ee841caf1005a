package tcpagent

import (
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// MaxContinueReads/Writes bound one level-triggered drain loop; under
// edge-triggered registration the read/write paths ignore these and
// drain until EAGAIN instead (spec §9).
const (
	MaxContinueReads  = 3
	MaxContinueWrites = 8
)

// AgentState mirrors the lifecycle states of spec §4.6.
type AgentState int32

const (
	StateStopped AgentState = iota
	StateStarting
	StateStarted
	StateStopping
)

// Agent is the façade described in spec §2/§4.6: it validates
// configuration, initiates outbound connections, routes API calls to
// the dispatcher's workers, and surfaces EventSink callbacks.
type Agent struct {
	opts Options
	sink EventSink

	dispatcher *Dispatcher
	table      *connTable
	connPool   *connPool
	bufPool    *bufferPool
	metrics    *metricsSet
	log        *zap.Logger

	fdToID sync.Map // int fd -> ConnID

	state        atomic.Int32
	asyncConnect bool
	localAddr    *net.TCPAddr

	scratch [][]byte // per-worker scratch read buffers

	gcTimerFd int
}

// NewAgent constructs an Agent. Call Start before issuing any Connect.
func NewAgent(sink EventSink, opts Options) (*Agent, error) {
	if err := opts.Validate(); err != nil {
		return nil, newErr("NewAgent", KindInvalidParam, err)
	}
	if sink == nil {
		sink = BaseEventSink{}
	}
	a := &Agent{opts: opts, sink: sink, log: opts.Logger, gcTimerFd: -1}
	a.state.Store(int32(StateStopped))
	return a, nil
}

func (a *Agent) State() AgentState { return AgentState(a.state.Load()) }

// Start validates parameters, sizes the pools, binds the optional
// default local address, and spawns the dispatcher's workers (spec
// §4.6). asyncConnect is the agent-wide default Connect behavior,
// overridable per call via WithSync/WithAsync.
func (a *Agent) Start(bindAddress string, asyncConnect bool) error {
	if err := a.opts.Validate(); err != nil {
		return newErr("Start", KindInvalidParam, err)
	}
	if !a.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return newErr("Start", KindIllegalState, nil)
	}

	a.asyncConnect = asyncConnect
	a.metrics = newMetrics(a.opts.MetricsNamespace, prometheus.DefaultRegisterer)
	a.table = newConnTable(a.opts.MaxConnectionCount, a.opts.FreeSocketObjLockTime.Milliseconds())
	a.connPool = newConnPool(a.opts.FreeSocketObjPool, a.opts.FreeSocketObjLockTime.Milliseconds())
	a.bufPool = newBufferPool(a.opts.FreeBufferObjPool, a.opts.SocketBufferSize, a.opts.FreeSocketObjLockTime.Milliseconds())

	if bindAddress == "" {
		bindAddress = a.opts.LocalAddr
	}
	if bindAddress != "" {
		addr, err := net.ResolveTCPAddr("tcp", bindAddress)
		if err != nil {
			a.state.Store(int32(StateStopped))
			return newErr("Start", KindSocketBind, err)
		}
		a.localAddr = addr
	}

	workerCount := a.opts.WorkerThreadCount
	extraForGC := a.opts.GCMode == GCInternal
	totalWorkers := workerCount
	if extraForGC {
		totalWorkers++
	}

	disp, err := NewDispatcher(totalWorkers, workerCount, a.opts.MaxEventsPerWait, a.opts.EdgeTriggered, a.log)
	if err != nil {
		a.log.Error("failed to create dispatcher", zap.Error(err))
		a.state.Store(int32(StateStopped))
		return err
	}
	a.dispatcher = disp

	a.scratch = make([][]byte, totalWorkers)
	for i := range a.scratch {
		a.scratch[i] = make([]byte, a.opts.SocketBufferSize)
	}

	a.dispatcher.Start(a)

	if extraForGC {
		tfd, err := a.dispatcher.AddTimer(workerCount, int(a.opts.GCCheckInterval.Milliseconds()), nil)
		if err != nil {
			a.log.Error("failed to start GC timer", zap.Error(err))
			_ = a.Stop()
			return newErr("Start", KindGCStart, err)
		}
		a.gcTimerFd = tfd
	}

	a.state.Store(int32(StateStarted))
	a.log.Info("agent started",
		zap.Int("workers", workerCount),
		zap.Int("maxConnections", a.opts.MaxConnectionCount))
	return nil
}

// Stop drains every live connection and releases all resources (spec
// §4.6). It blocks until the active table is empty; there is no outer
// deadline, matching the original's accepted trade-off (see spec §9).
func (a *Agent) Stop() error {
	if !a.state.CompareAndSwap(int32(StateStarted), int32(StateStopping)) &&
		!a.state.CompareAndSwap(int32(StateStarting), int32(StateStopping)) {
		return newErr("Stop", KindIllegalState, nil)
	}

	time.Sleep(100 * time.Millisecond)

	for _, id := range a.table.snapshot() {
		_ = a.Disconnect(id, true)
	}
	for a.table.liveCount() > 0 {
		time.Sleep(50 * time.Millisecond)
	}

	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}

	a.sink.OnShutdown()

	if a.connPool != nil {
		a.connPool.drainAll()
	}
	if a.bufPool != nil {
		a.bufPool.sweep(true)
	}

	a.state.Store(int32(StateStopped))
	a.log.Info("agent stopped")
	return nil
}

// GCTick runs one unforced GC sweep: only records and buffers whose
// quarantine has elapsed are released. Only meaningful when
// Options.GCMode == GCExternal; the internal mode drives this off its
// own timerfd.
func (a *Agent) GCTick() {
	a.runGCSweep()
}

func (a *Agent) runGCSweep() {
	released := a.connPool.sweep(false)
	a.bufPool.sweep(false)
	if released > 0 {
		a.log.Debug("gc released connection records", zap.Int("count", released))
	}

	connGC := a.connPool.gcLen()
	bufGC := a.bufPool.gcLen()
	if a.opts.FreeSocketObjHold > 0 && connGC > a.opts.FreeSocketObjHold {
		a.log.Warn("connection GC list above high-water mark",
			zap.Int("size", connGC), zap.Int("hold", a.opts.FreeSocketObjHold))
	}
	if a.opts.FreeBufferObjHold > 0 && bufGC > a.opts.FreeBufferObjHold {
		a.log.Warn("buffer GC list above high-water mark",
			zap.Int("size", bufGC), zap.Int("hold", a.opts.FreeBufferObjHold))
	}

	if a.metrics != nil {
		a.metrics.activeConnections.Set(float64(a.table.liveCount()))
		a.metrics.freePoolSize.Set(float64(a.connPool.freeLen()))
		a.metrics.gcPending.Set(float64(connGC))
	}
}

// obtainRecord implements the free-pool reuse rule of spec §4.2.
func (a *Agent) obtainRecord() *record {
	if r, ok := a.connPool.tryLock(); ok {
		r.reset()
		return r
	}
	return newRecord()
}

// Connect initiates an outbound connection (spec §4.3 "Outbound connect").
func (a *Agent) Connect(remoteAddr string, opts ...ConnectOption) (ConnID, error) {
	if a.State() != StateStarted {
		return NoConnID, newErr("Connect", KindIllegalState, ErrWatcherClosed)
	}

	cfg := connectConfig{sync: !a.asyncConnect, timeout: a.opts.SyncConnectTimeout, localAddr: a.localAddr}
	for _, o := range opts {
		o(&cfg)
	}

	addr, err := net.ResolveTCPAddr("tcp", remoteAddr)
	if err != nil {
		return NoConnID, newErr("Connect", KindInvalidParam, err)
	}

	family := unix.AF_INET
	if addr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	if cfg.localAddr != nil {
		localIs4 := cfg.localAddr.IP.To4() != nil
		remoteIs4 := family == unix.AF_INET
		if localIs4 != remoteIs4 {
			return NoConnID, newErr("Connect", KindInvalidParam, ErrUnsupported)
		}
	}

	fd, err := newNonblockingSocket(family, &a.opts, cfg.localAddr)
	if err != nil {
		return NoConnID, err
	}

	connID, err := a.table.acquireSlot()
	if err != nil {
		unix.Close(fd)
		return NoConnID, err
	}

	if err := a.sink.OnPrepareConnect(connID, fd); err != nil {
		a.table.abandonPending(connID)
		unix.Close(fd)
		return NoConnID, newErr("Connect", KindCancelled, err)
	}

	rec := a.obtainRecord()
	rec.fd = fd
	rec.remoteAddr = addr.String()
	rec.remoteHost = remoteAddr
	rec.extra = cfg.extra
	rec.connTimeMs = nowMs()
	rec.activeTimeMs.Store(rec.connTimeMs)
	rec.setState(StateConnecting)
	rec.worker = a.dispatcher.WorkerFor(fd)

	if !a.table.publish(connID, rec) {
		unix.Close(fd)
		a.table.abandonPending(connID)
		return NoConnID, newErr("Connect", KindIllegalState, nil)
	}
	a.fdToID.Store(fd, connID)

	sa, err := toSockaddr(addr)
	if err != nil {
		a.closeAndRecycle(rec, SCFError, SOConnect, err)
		return NoConnID, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EALREADY {
		a.closeAndRecycle(rec, SCFError, SOConnect, err)
		return NoConnID, err
	}

	if cfg.sync {
		return a.finishSyncConnect(connID, rec, cfg.timeout)
	}

	if err := a.dispatcher.AddFD(fd, uint32(evWrite|evHup), connID); err != nil {
		a.closeAndRecycle(rec, SCFError, SOConnect, err)
		return NoConnID, err
	}
	return connID, nil
}

func (a *Agent) finishSyncConnect(connID ConnID, rec *record, timeout time.Duration) (ConnID, error) {
	pfd := []unix.PollFd{{Fd: int32(rec.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil || n == 0 {
		// spec scenario 3: sync timeout closes silently, no callbacks.
		a.closeAndRecycle(rec, SCFNone, SOConnect, nil)
		if err == nil {
			err = newErr("Connect", KindDeadline, nil)
		}
		return NoConnID, err
	}
	if err := socketError(rec.fd); err != nil {
		a.closeAndRecycle(rec, SCFError, SOConnect, err)
		return NoConnID, err
	}

	rec.setState(StateConnected)
	if err := a.sink.OnConnect(connID); err != nil {
		a.closeAndRecycle(rec, SCFNone, SOConnect, nil)
		return NoConnID, newErr("Connect", KindCancelled, err)
	}

	mask := evHup
	if !rec.isPaused() {
		mask |= evRead
	}
	if rec.pending() {
		mask |= evWrite
	}
	if err := a.dispatcher.AddFD(rec.fd, uint32(mask), connID); err != nil {
		a.closeAndRecycle(rec, SCFError, SOConnect, err)
		return NoConnID, err
	}
	a.metrics.connectsTotal.Inc()
	return connID, nil
}

// Lookup returns whether id currently names a live connection.
func (a *Agent) Lookup(id ConnID) bool {
	return a.table.lookup(id) != nil
}

// Send enqueues bufs on id's send queue (spec §4.4). Each buffer is
// copied onto the queue, so the caller keeps ownership of bufs.
func (a *Agent) Send(id ConnID, bufs ...[]byte) error {
	if a.State() != StateStarted {
		return newErr("Send", KindIllegalState, ErrWatcherClosed)
	}
	rec := a.table.lookup(id)
	if rec == nil {
		return newErr("Send", KindObjectNotFound, nil)
	}
	if rec.getState() != StateConnected {
		return newErr("Send", KindIllegalState, nil)
	}
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total == 0 {
		return newErr("Send", KindInvalidParam, ErrEmptyBuffer)
	}

	rec.refCount.Inc()
	defer rec.refCount.Dec()

	rec.sendMu.Lock()
	wasPending := len(rec.sendQueue) > 0
	for _, b := range bufs {
		rec.sendQueue = append(rec.sendQueue, a.newSendItem(b))
	}
	nowPending := len(rec.sendQueue) > 0
	rec.sendMu.Unlock()

	if !wasPending && nowPending {
		return a.dispatcher.SendCommandByFD(rec.fd, cmdSend, id, false)
	}
	return nil
}

// newSendItem copies b into a pool-backed buffer when it fits inside
// SocketBufferSize, so a send queue on the common path never allocates
// (spec §3's buffer pool); oversized buffers still get a fresh slice.
func (a *Agent) newSendItem(b []byte) *sendItem {
	if len(b) <= a.bufPool.size {
		buf := a.bufPool.get()[:len(b)]
		copy(buf, b)
		return &sendItem{buf: buf, fromPool: true, poolOwner: a.bufPool}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return &sendItem{buf: cp}
}

// Disconnect cooperatively closes id: it posts a command and returns;
// the actual close happens asynchronously on the owning worker.
func (a *Agent) Disconnect(id ConnID, force bool) error {
	rec := a.table.lookup(id)
	if rec == nil {
		return newErr("Disconnect", KindObjectNotFound, nil)
	}
	return a.dispatcher.SendCommandByFD(rec.fd, cmdDisconnect, id, force)
}

// PauseReceive toggles readable-readiness suppression (spec §4.5).
func (a *Agent) PauseReceive(id ConnID, paused bool) error {
	rec := a.table.lookup(id)
	if rec == nil {
		return newErr("PauseReceive", KindObjectNotFound, nil)
	}
	rec.setPaused(paused)
	if paused {
		return nil
	}
	return a.dispatcher.SendCommandByFD(rec.fd, cmdUnpause, id, false)
}

// SetExtra/GetExtra store and retrieve the connection's opaque user slot.
func (a *Agent) SetExtra(id ConnID, v interface{}) error {
	rec := a.table.lookup(id)
	if rec == nil {
		return newErr("SetExtra", KindObjectNotFound, nil)
	}
	rec.extra = v
	return nil
}

func (a *Agent) GetExtra(id ConnID) (interface{}, bool) {
	rec := a.table.lookup(id)
	if rec == nil {
		return nil, false
	}
	return rec.extra, true
}

// SetReserved/GetReserved and SetReserved2/GetReserved2 store a pair of
// opaque int64 slots per connection, mirroring the original's
// SetConnectionReserved/GetConnectionReserved2 accessors for callers
// that need a cheaper alternative to Extra's interface{} boxing.
func (a *Agent) SetReserved(id ConnID, v int64) error {
	rec := a.table.lookup(id)
	if rec == nil {
		return newErr("SetReserved", KindObjectNotFound, nil)
	}
	rec.reserved = v
	return nil
}

func (a *Agent) GetReserved(id ConnID) (int64, bool) {
	rec := a.table.lookup(id)
	if rec == nil {
		return 0, false
	}
	return rec.reserved, true
}

func (a *Agent) SetReserved2(id ConnID, v int64) error {
	rec := a.table.lookup(id)
	if rec == nil {
		return newErr("SetReserved2", KindObjectNotFound, nil)
	}
	rec.reserved2 = v
	return nil
}

func (a *Agent) GetReserved2(id ConnID) (int64, bool) {
	rec := a.table.lookup(id)
	if rec == nil {
		return 0, false
	}
	return rec.reserved2, true
}

// IdleSince returns how long id has been silent, when MarkSilence is on.
func (a *Agent) IdleSince(id ConnID) (time.Duration, bool) {
	if !a.opts.MarkSilence {
		return 0, false
	}
	rec := a.table.lookup(id)
	if rec == nil {
		return 0, false
	}
	return time.Duration(nowMs()-rec.activeTimeMs.Load()) * time.Millisecond, true
}

// ActiveCount returns the number of currently live connections.
func (a *Agent) ActiveCount() int { return a.table.liveCount() }
