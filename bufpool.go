package tcpagent

import "sync"

// bufferPool is the bounded multi-producer multi-consumer buffer list
// of spec §3: fixed-size byte slices recycled for send-queue items.
// Over-capacity returns go to a time-locked GC list instead of being
// dropped immediately, on the same quarantine schedule as connection
// records.
type bufferPool struct {
	size         int
	quarantineMs int64

	ch chan []byte

	gcMu sync.Mutex
	gc   []bufGCItem
}

type bufGCItem struct {
	buf      []byte
	freedMs  int64
}

func newBufferPool(capacity, size int, quarantineMs int64) *bufferPool {
	return &bufferPool{
		size:         size,
		quarantineMs: quarantineMs,
		ch:           make(chan []byte, capacity),
	}
}

// get returns a buffer of exactly p.size bytes, reused from the pool
// when possible.
func (p *bufferPool) get() []byte {
	select {
	case b := <-p.ch:
		return b[:p.size]
	default:
		return make([]byte, p.size)
	}
}

// put returns buf to the pool, or to the GC overflow list when the
// pool is at capacity.
func (p *bufferPool) put(buf []byte) {
	if cap(buf) < p.size {
		return // foreign-sized buffer, let it be collected normally
	}
	select {
	case p.ch <- buf[:p.size]:
	default:
		p.gcMu.Lock()
		p.gc = append(p.gc, bufGCItem{buf: buf, freedMs: nowMs()})
		p.gcMu.Unlock()
	}
}

// sweep releases GC-overflowed buffers whose quarantine has elapsed,
// oldest first, stopping at the first one still quarantined unless
// force is set.
func (p *bufferPool) sweep(force bool) {
	p.gcMu.Lock()
	defer p.gcMu.Unlock()
	now := nowMs()
	i := 0
	for ; i < len(p.gc); i++ {
		if !force && now-p.gc[i].freedMs < p.quarantineMs {
			break
		}
		p.gc[i].buf = nil
	}
	if i > 0 {
		p.gc = append(p.gc[:0], p.gc[i:]...)
	}
}

func (p *bufferPool) gcLen() int {
	p.gcMu.Lock()
	defer p.gcMu.Unlock()
	return len(p.gc)
}
