package tcpagent

import (
	"golang.org/x/sys/unix"

	"go.uber.org/zap"
)

// ioCtx is the stable context BeforeProcessIO resolves and threads
// through OnError/OnHungup/OnReadyWrite/OnReadyRead/AfterProcessIO, so a
// close that happens mid-batch never forces a second, possibly-stale
// table lookup.
type ioCtx struct {
	id  ConnID
	rec *record
}

// IsConnecting lets the dispatcher short-circuit to the connect
// completion path (spec §4.1).
func (a *Agent) IsConnecting(ptr interface{}) bool {
	id, ok := ptr.(ConnID)
	if !ok {
		return false
	}
	rec := a.table.lookup(id)
	return rec != nil && rec.getState() == StateConnecting
}

// OnConnectReady runs the "Connection completion (async mode)" path of
// spec §4.3.
func (a *Agent) OnConnectReady(ptr interface{}, events uint32) {
	id := ptr.(ConnID)
	rec := a.table.lookup(id)
	if rec == nil {
		return
	}

	if err := socketError(rec.fd); err != nil || events&evErr != 0 {
		if err == nil {
			err = unix.ECONNABORTED
		}
		a.closeAndRecycle(rec, SCFError, SOConnect, err)
		return
	}
	if events&evHup != 0 || events&evRead != 0 || events&evWrite == 0 {
		a.closeAndRecycle(rec, SCFClose, SOConnect, nil)
		return
	}

	rec.setState(StateConnected)
	if err := a.sink.OnConnect(id); err != nil {
		a.closeAndRecycle(rec, SCFNone, SOConnect, nil)
		return
	}

	mask := evHup
	if rec.pending() {
		mask |= evWrite
	}
	if !rec.isPaused() {
		mask |= evRead
	}
	if a.opts.EdgeTriggered {
		mask |= evET
	}
	if err := a.dispatcher.ModFD(rec.fd, uint32(mask)); err != nil {
		a.closeAndRecycle(rec, SCFError, SOConnect, err)
		return
	}
	a.metrics.connectsTotal.Inc()
}

// OnTimer services the internal GC sweep timer.
func (a *Agent) OnTimer(ptr interface{}) {
	a.runGCSweep()
}

// BeforeProcessIO resolves ptr to the live record and bumps ref_count,
// per the use-after-free prevention scheme of spec §5.
func (a *Agent) BeforeProcessIO(ptr interface{}, events uint32) (interface{}, bool) {
	id, ok := ptr.(ConnID)
	if !ok {
		return nil, false
	}
	rec := a.table.lookup(id)
	if rec == nil {
		return nil, false
	}
	rec.refCount.Inc()
	return &ioCtx{id: id, rec: rec}, true
}

// AfterProcessIO decrements ref_count and, for a still-live connection,
// recomputes and rearms the epoll mask from current pending/paused
// state (spec §3 "paused ⇒ EPOLLIN not armed", §4.5). This is what
// lets PauseReceive(true) take effect with no worker round-trip: it
// only flips an atomic, and the next AfterProcessIO to run on this fd
// picks up the new state and drops EPOLLIN from the rearmed mask.
// Without this, a paused connection with data still arriving would
// stay armed for EPOLLIN forever under level-triggered epoll, spinning
// doRead/return on every epoll_wait.
func (a *Agent) AfterProcessIO(ctx interface{}, events uint32) {
	c := ctx.(*ioCtx)
	c.rec.refCount.Dec()
	if c.rec.getState() == StateConnected {
		a.rearmMask(c.rec)
	}
}

func (a *Agent) OnError(ctx interface{}) {
	c := ctx.(*ioCtx)
	a.closeAndRecycle(c.rec, SCFError, SOReceive, socketError(c.rec.fd))
}

func (a *Agent) OnHungup(ctx interface{}) {
	c := ctx.(*ioCtx)
	a.closeAndRecycle(c.rec, SCFClose, SOReceive, nil)
}

func (a *Agent) OnReadyRead(ctx interface{}) {
	c := ctx.(*ioCtx)
	a.doRead(c.id, c.rec)
}

func (a *Agent) OnReadyWrite(ctx interface{}) {
	c := ctx.(*ioCtx)
	a.doWrite(c.id, c.rec)
}

// OnCommand dispatches one of SEND/UNPAUSE/DISCONNECT (spec §4.3 Commands).
func (a *Agent) OnCommand(cmd command) {
	id, ok := cmd.ptr.(ConnID)
	if !ok {
		return
	}
	rec := a.table.lookup(id)
	if rec == nil {
		return
	}

	switch cmd.typ {
	case cmdSend:
		if rec.getState() == StateConnected && rec.pending() {
			a.doWrite(id, rec)
		}
	case cmdUnpause:
		// before_unpause: the record must still be connected and
		// actually unpaused by the time the command is serviced (the
		// caller may have re-paused it before this command drained).
		if rec.getState() != StateConnected {
			a.closeAndRecycle(rec, SCFError, SOReceive, newErr("Unpause", KindIllegalState, nil))
			return
		}
		if rec.isPaused() {
			return
		}
		a.doRead(id, rec)
		if rec.getState() == StateConnected {
			a.rearmMask(rec)
		}
	case cmdDisconnect:
		if rec.getState() == StateConnected || rec.getState() == StateConnecting {
			a.closeAndRecycle(rec, SCFClose, SOClose, nil)
		}
	}
}

// doRead implements the read path of spec §4.3.
func (a *Agent) doRead(id ConnID, rec *record) {
	if rec.getState() != StateConnected {
		return
	}
	if a.opts.MarkSilence {
		rec.activeTimeMs.Store(nowMs())
	}

	buf := a.scratch[rec.worker]
	maxIter := MaxContinueReads
	if a.opts.EdgeTriggered {
		maxIter = 1 << 30
	}

	for i := 0; i < maxIter; i++ {
		if rec.isPaused() {
			return
		}
		n, err := unix.Read(rec.fd, buf)
		switch {
		case err == unix.EAGAIN:
			return
		case err == unix.EINTR:
			i--
			continue
		case err != nil:
			a.closeAndRecycle(rec, SCFError, SOReceive, err)
			return
		case n == 0:
			a.closeAndRecycle(rec, SCFClose, SOReceive, nil)
			return
		}

		a.metrics.bytesReceived.Add(float64(n))
		if err := a.sink.OnReceive(id, buf[:n]); err != nil {
			a.closeAndRecycle(rec, SCFError, SOReceive, newErr("OnReceive", KindCancelled, err))
			return
		}
	}
}

// doWrite implements the write path of spec §4.3.
func (a *Agent) doWrite(id ConnID, rec *record) {
	if rec.getState() != StateConnected {
		return
	}

	maxIter := MaxContinueWrites
	if a.opts.EdgeTriggered {
		maxIter = 1 << 30
	}

	for i := 0; i < maxIter; i++ {
		rec.sendMu.Lock()
		if len(rec.sendQueue) == 0 {
			rec.sendMu.Unlock()
			a.rearmMask(rec)
			return
		}
		item := rec.sendQueue[0]
		rec.sendQueue = rec.sendQueue[1:]
		rec.sendMu.Unlock()

		n, err := unix.Write(rec.fd, item.remaining())
		switch {
		case err == unix.EAGAIN:
			rec.sendMu.Lock()
			rec.blocked = true
			rec.sendQueue = append([]*sendItem{item}, rec.sendQueue...)
			rec.sendMu.Unlock()
			a.rearmMask(rec)
			return
		case err == unix.EINTR:
			rec.sendMu.Lock()
			rec.sendQueue = append([]*sendItem{item}, rec.sendQueue...)
			rec.sendMu.Unlock()
			i--
			continue
		case err != nil:
			item.release()
			a.closeAndRecycle(rec, SCFError, SOSend, err)
			return
		}

		item.off += n
		a.metrics.bytesSent.Add(float64(n))
		reported := item.buf[item.off-n : item.off]
		if err := a.sink.OnSend(id, reported); err != nil {
			a.log.Warn("OnSend callback returned error; ignored", zap.Error(err))
		}

		if item.empty() {
			item.release()
			continue
		}

		// partial write: put back at front, let next readiness continue it.
		rec.sendMu.Lock()
		rec.sendQueue = append([]*sendItem{item}, rec.sendQueue...)
		rec.sendMu.Unlock()
		a.rearmMask(rec)
		return
	}
}

func (a *Agent) rearmMask(rec *record) {
	mask := evHup
	if rec.pending() {
		mask |= evWrite
	}
	if !rec.isPaused() {
		mask |= evRead
	}
	if a.opts.EdgeTriggered {
		mask |= evET
	}
	if err := a.dispatcher.ModFD(rec.fd, uint32(mask)); err != nil {
		a.closeAndRecycle(rec, SCFError, SOSend, err)
	}
}

// closeAndRecycle implements spec §4.2's close_and_recycle: idempotent,
// fires OnClose unless flag is SCFNone, and returns the record to the
// free pool or GC list.
func (a *Agent) closeAndRecycle(rec *record, flag CloseFlag, op SocketOperation, err error) {
	if !rec.closeStarted.CompareAndSwap(false, true) {
		return
	}

	id := rec.connID
	fd := rec.fd
	rec.setState(StateClosing)

	if a.dispatcher != nil && fd >= 0 {
		_ = a.dispatcher.DelFD(fd)
	}
	if fd >= 0 {
		unix.Close(fd)
		a.fdToID.Delete(fd)
	}
	a.table.remove(id)
	rec.freeTimeMs.Store(nowMs())
	rec.setState(StateDead)

	if flag != SCFNone {
		a.sink.OnClose(id, op, flag, err)
	}
	if flag == SCFError {
		if op == SOConnect {
			a.metrics.connectErrors.Inc()
		}
		a.log.Debug("connection closed with error",
			zap.Uint64("connID", uint64(id)), zap.Int("op", int(op)), zap.Error(err))
	}

	if !a.connPool.tryPut(rec) {
		a.connPool.pushGC(rec)
	}
}
