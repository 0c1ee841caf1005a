package tcpagent

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// cmdType is one of the three cross-thread commands of spec §4.3.
type cmdType int

const (
	cmdSend cmdType = iota
	cmdUnpause
	cmdDisconnect
)

type command struct {
	typ   cmdType
	fd    int
	ptr   interface{}
	force bool
}

// Handler is the dispatcher's callback surface (spec §4.1). All methods
// run on the worker goroutine that owns the event's fd, except
// OnCommand which also runs on that worker goroutine after draining the
// command queue.
// BeforeProcessIO resolves ptr (normally a ConnID) to a stable context
// value that is threaded through the rest of the batch's calls — this
// lets the implementation bump a ref-count once and decrement it in
// AfterProcessIO without a second, possibly-stale, lookup after a
// handler has already closed and recycled the underlying record.
type Handler interface {
	BeforeProcessIO(ptr interface{}, events uint32) (ctx interface{}, ok bool)
	OnError(ctx interface{})
	OnHungup(ctx interface{})
	OnReadyWrite(ctx interface{})
	OnReadyRead(ctx interface{})
	AfterProcessIO(ctx interface{}, events uint32)
	OnCommand(cmd command)
	// IsConnecting lets the dispatcher short-circuit to the connect
	// completion path regardless of which bits fired (spec §4.1).
	IsConnecting(ptr interface{}) bool
	OnConnectReady(ptr interface{}, events uint32)
	// OnTimer fires whenever a timerfd registered via AddTimer becomes
	// readable.
	OnTimer(ptr interface{})
}

// worker is one dispatcher thread: a private epoll instance, a wakeup
// eventfd for cross-thread commands, and (optionally) a timerfd.
type worker struct {
	index  int
	poller *epollPoller
	wakeFd int

	fdMu  sync.RWMutex
	fdPtr map[int]interface{}

	cmdMu sync.Mutex
	cmds  []command

	timerFds map[int]interface{} // timerfd -> user ptr, fired like a readable fd

	die chan struct{}
}

// Dispatcher is the I/O Dispatcher of spec §4.1: N worker threads each
// owning a readiness multiplexer, fed by a cross-thread command queue.
type Dispatcher struct {
	workers   []*worker
	pinCount  int // fd pinning uses fd % pinCount, excluding GC-only extra workers
	handler   Handler
	maxEvents int
	edgeTrig  bool
	log       *zap.Logger

	wg sync.WaitGroup
}

// NewDispatcher constructs totalWorkers workers (each with its own
// epoll instance and wakeup eventfd) but does not start their event
// loops — call Start for that. Only the first pinCount workers receive
// fd pinning via AddFD/SendCommandByFD; any workers beyond that are
// reserved for timers (e.g. the GC sweep) and never own a socket.
func NewDispatcher(totalWorkers, pinCount, maxEventsPerWait int, edgeTriggered bool, log *zap.Logger) (*Dispatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{maxEvents: maxEventsPerWait, edgeTrig: edgeTriggered, log: log, pinCount: pinCount}
	for i := 0; i < totalWorkers; i++ {
		p, err := newPoller()
		if err != nil {
			d.closeWorkers()
			return nil, newErr("NewDispatcher", KindWorkerThreadCreate, err)
		}
		wfd, err := newEventfd()
		if err != nil {
			p.close()
			d.closeWorkers()
			return nil, newErr("NewDispatcher", KindWorkerThreadCreate, err)
		}
		if err := p.add(wfd, evRead); err != nil {
			p.close()
			unix.Close(wfd)
			d.closeWorkers()
			return nil, newErr("NewDispatcher", KindWorkerThreadCreate, err)
		}
		w := &worker{
			index:    i,
			poller:   p,
			wakeFd:   wfd,
			fdPtr:    make(map[int]interface{}),
			timerFds: make(map[int]interface{}),
			die:      make(chan struct{}),
		}
		d.workers = append(d.workers, w)
	}
	return d, nil
}

func (d *Dispatcher) closeWorkers() {
	for _, w := range d.workers {
		if w.poller != nil {
			w.poller.close()
		}
		if w.wakeFd != 0 {
			unix.Close(w.wakeFd)
		}
	}
	d.workers = nil
}

// WorkerCount returns the number of workers.
func (d *Dispatcher) WorkerCount() int { return len(d.workers) }

// WorkerFor returns the worker index an fd is pinned to.
func (d *Dispatcher) WorkerFor(fd int) int { return fd % d.pinCount }

// Start spawns one goroutine per worker and begins serving events.
func (d *Dispatcher) Start(handler Handler) {
	d.handler = handler
	for _, w := range d.workers {
		d.wg.Add(1)
		go d.runWorker(w)
	}
}

// AddFD registers fd with the worker it is pinned to.
func (d *Dispatcher) AddFD(fd int, events uint32, ptr interface{}) error {
	w := d.workers[d.WorkerFor(fd)]
	w.fdMu.Lock()
	w.fdPtr[fd] = ptr
	w.fdMu.Unlock()
	if err := w.poller.add(fd, events); err != nil {
		w.fdMu.Lock()
		delete(w.fdPtr, fd)
		w.fdMu.Unlock()
		return err
	}
	return nil
}

// ModFD replaces the armed event mask for fd.
func (d *Dispatcher) ModFD(fd int, events uint32) error {
	w := d.workers[d.WorkerFor(fd)]
	return w.poller.modify(fd, events)
}

// DelFD deregisters fd.
func (d *Dispatcher) DelFD(fd int) error {
	w := d.workers[d.WorkerFor(fd)]
	w.fdMu.Lock()
	delete(w.fdPtr, fd)
	w.fdMu.Unlock()
	return w.poller.del(fd)
}

// AddTimer registers a timerfd on the given worker that fires every
// intervalMs, delivered to the handler like a readable fd.
func (d *Dispatcher) AddTimer(workerIndex, intervalMs int, ptr interface{}) (int, error) {
	w := d.workers[workerIndex]
	tfd, err := newTimerfd(intervalMs)
	if err != nil {
		return -1, err
	}
	w.fdMu.Lock()
	w.timerFds[tfd] = ptr
	w.fdMu.Unlock()
	if err := w.poller.add(tfd, evRead); err != nil {
		w.fdMu.Lock()
		delete(w.timerFds, tfd)
		w.fdMu.Unlock()
		unix.Close(tfd)
		return -1, err
	}
	return tfd, nil
}

// SendCommandByFD posts a command to the worker that owns fd. Delivery
// is FIFO per-caller; commands from different callers are not globally
// ordered.
func (d *Dispatcher) SendCommandByFD(fd int, typ cmdType, ptr interface{}, force bool) error {
	w := d.workers[d.WorkerFor(fd)]
	w.cmdMu.Lock()
	w.cmds = append(w.cmds, command{typ: typ, fd: fd, ptr: ptr, force: force})
	w.cmdMu.Unlock()
	return eventfdSignal(w.wakeFd)
}

// Stop signals every worker and waits for their goroutines to exit.
func (d *Dispatcher) Stop() {
	for _, w := range d.workers {
		close(w.die)
		eventfdSignal(w.wakeFd)
	}
	d.wg.Wait()
	for _, w := range d.workers {
		w.poller.close()
		unix.Close(w.wakeFd)
		for tfd := range w.timerFds {
			unix.Close(tfd)
		}
	}
}

func (d *Dispatcher) runWorker(w *worker) {
	defer d.wg.Done()
	events := make([]unix.EpollEvent, d.maxEvents)
	for {
		select {
		case <-w.die:
			return
		default:
		}

		batch, err := w.poller.wait(events, 1000)
		if err != nil {
			d.log.Warn("epoll_wait failed", zap.Int("worker", w.index), zap.Error(err))
			continue
		}

		for _, ev := range batch {
			fd := int(ev.Fd)
			if fd == w.wakeFd {
				eventfdDrain(fd)
				d.drainCommands(w)
				continue
			}

			w.fdMu.RLock()
			ptr, isConn := w.fdPtr[fd]
			tptr, isTimer := w.timerFds[fd]
			w.fdMu.RUnlock()

			if isTimer {
				timerfdDrain(fd)
				d.handler.OnTimer(tptr)
				continue
			}
			if !isConn {
				continue
			}

			d.dispatchOne(w, ptr, ev.Events)
		}

		select {
		case <-w.die:
			return
		default:
		}
	}
}

func (d *Dispatcher) dispatchOne(w *worker, ptr interface{}, events uint32) {
	if d.handler.IsConnecting(ptr) {
		d.handler.OnConnectReady(ptr, events)
		return
	}

	ctx, ok := d.handler.BeforeProcessIO(ptr, events)
	if !ok {
		return
	}

	switch {
	case events&evErr != 0:
		d.handler.OnError(ctx)
	case events&evHup != 0:
		d.handler.OnHungup(ctx)
	case events&evWrite != 0:
		d.handler.OnReadyWrite(ctx)
	case events&evRead != 0:
		d.handler.OnReadyRead(ctx)
	}

	d.handler.AfterProcessIO(ctx, events)
}

func (d *Dispatcher) drainCommands(w *worker) {
	w.cmdMu.Lock()
	pending := w.cmds
	w.cmds = nil
	w.cmdMu.Unlock()

	for _, c := range pending {
		d.handler.OnCommand(c)
	}
}
