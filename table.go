package tcpagent

import (
	"sync"

	"go.uber.org/atomic"
)

type slotState int32

const (
	slotEmpty slotState = iota
	slotPending
	slotPublished
)

// tableSlot is one entry in the active connection table. index+1 packed
// with gen forms the public ConnID (see connid.go).
type tableSlot struct {
	mu          sync.Mutex
	state       slotState
	gen         uint32
	rec         *record
	emptiedAtMs int64
}

// connTable is the indexed slot array described in spec §3/§4.2: a
// two-phase insert (acquire_slot + publish) so a vetoing pre-connect
// callback can cancel before the slot becomes lookup-visible, and a
// generation discriminator so a ConnID from a recycled slot never
// aliases whatever currently occupies it.
type connTable struct {
	mu           sync.RWMutex // guards growth of slots/free
	slots        []*tableSlot
	free         []int // candidate indices for reuse, oldest-emptied first
	live         atomic.Int32
	max          int
	quarantineMs int64
}

func newConnTable(max int, quarantineMs int64) *connTable {
	return &connTable{max: max, quarantineMs: quarantineMs}
}

func (t *connTable) liveCount() int { return int(t.live.Load()) }

// acquireSlot reserves a fresh slot, enforcing MaxConnectionCount. The
// returned ConnID is not yet lookup-visible until publish is called.
func (t *connTable) acquireSlot() (ConnID, error) {
	if t.live.Load() >= int32(t.max) {
		return NoConnID, newErr("acquireSlot", KindConnectionCountLimit, nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// try to reuse a quarantine-expired slot before growing the table.
	now := nowMs()
	for i := 0; i < len(t.free); i++ {
		idx := t.free[i]
		s := t.slots[idx]
		s.mu.Lock()
		if now-s.emptiedAtMs >= t.quarantineMs {
			s.gen++
			s.state = slotPending
			gen := s.gen
			s.mu.Unlock()
			t.free = append(t.free[:i], t.free[i+1:]...)
			t.live.Inc()
			return makeConnID(idx, gen), nil
		}
		s.mu.Unlock()
	}

	// nothing reusable yet: grow.
	s := &tableSlot{state: slotPending}
	idx := len(t.slots)
	t.slots = append(t.slots, s)
	t.live.Inc()
	return makeConnID(idx, s.gen), nil
}

// publish installs rec into the slot reserved by acquireSlot, making it
// visible to lookup.
func (t *connTable) publish(id ConnID, rec *record) bool {
	s := t.slotFor(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != id.generation() || s.state != slotPending {
		return false
	}
	rec.connID = id
	s.rec = rec
	s.state = slotPublished
	return true
}

// abandonPending releases a reserved slot that was never published,
// e.g. because on_prepare_connect rejected the connection.
func (t *connTable) abandonPending(id ConnID) {
	s := t.slotFor(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.gen == id.generation() && s.state == slotPending {
		s.state = slotEmpty
		s.rec = nil
		s.emptiedAtMs = nowMs()
		s.mu.Unlock()
		t.live.Dec()
		t.mu.Lock()
		t.free = append(t.free, id.slotIndex())
		t.mu.Unlock()
		return
	}
	s.mu.Unlock()
}

// lookup returns the record for id iff it is published and not yet removed.
func (t *connTable) lookup(id ConnID) *record {
	s := t.slotFor(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != id.generation() || s.state != slotPublished {
		return nil
	}
	return s.rec
}

// remove frees the slot for id, stamping the quarantine clock. Safe to
// call once per record; a second call is a no-op.
func (t *connTable) remove(id ConnID) {
	s := t.slotFor(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.gen != id.generation() || s.state == slotEmpty {
		s.mu.Unlock()
		return
	}
	s.state = slotEmpty
	s.rec = nil
	s.emptiedAtMs = nowMs()
	s.mu.Unlock()

	t.live.Dec()
	t.mu.Lock()
	t.free = append(t.free, id.slotIndex())
	t.mu.Unlock()
}

func (t *connTable) slotFor(id ConnID) *tableSlot {
	if id == NoConnID {
		return nil
	}
	idx := id.slotIndex()
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	return t.slots[idx]
}

// snapshot returns every currently-published ConnID, used by Stop to
// drive a clean shutdown.
func (t *connTable) snapshot() []ConnID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]ConnID, 0, len(t.slots))
	for idx, s := range t.slots {
		s.mu.Lock()
		if s.state == slotPublished {
			ids = append(ids, makeConnID(idx, s.gen))
		}
		s.mu.Unlock()
	}
	return ids
}
