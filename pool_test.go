package tcpagent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnPoolQuarantine(t *testing.T) {
	pool := newConnPool(4, 50) // 50ms quarantine

	r := newRecord()
	r.freeTimeMs.Store(nowMs())
	require.True(t, pool.tryPut(r))

	_, ok := pool.tryLock()
	require.False(t, ok, "record must stay quarantined immediately after release")

	time.Sleep(60 * time.Millisecond)

	got, ok := pool.tryLock()
	require.True(t, ok, "record should be reusable once quarantine elapses")
	require.Same(t, r, got)
}

func TestConnPoolRefCountBlocksReuse(t *testing.T) {
	pool := newConnPool(4, 1) // effectively no quarantine wait

	r := newRecord()
	r.freeTimeMs.Store(nowMs() - 1000)
	r.refCount.Store(1)
	require.True(t, pool.tryPut(r))

	_, ok := pool.tryLock()
	require.False(t, ok, "a record with ref_count > 0 must never be handed out for reuse")

	r.refCount.Store(0)
	got, ok := pool.tryLock()
	require.True(t, ok)
	require.Same(t, r, got)
}

func TestConnPoolOverCapacityGoesToGC(t *testing.T) {
	pool := newConnPool(1, 10)

	r1 := newRecord()
	r1.freeTimeMs.Store(nowMs())
	require.True(t, pool.tryPut(r1))

	r2 := newRecord()
	r2.freeTimeMs.Store(nowMs())
	require.False(t, pool.tryPut(r2), "pool is at capacity, must reject")
	pool.pushGC(r2)
	require.Equal(t, 1, pool.gcLen())
}

func TestConnPoolSweepStopsAtFirstUnreleasable(t *testing.T) {
	pool := newConnPool(0, 20)

	old := newRecord()
	old.freeTimeMs.Store(nowMs() - 1000) // long past quarantine
	fresh := newRecord()
	fresh.freeTimeMs.Store(nowMs()) // still quarantined

	pool.pushGC(old)
	pool.pushGC(fresh)

	released := pool.sweep(false)
	require.Equal(t, 1, released)
	require.Equal(t, 1, pool.gcLen())

	released = pool.sweep(true)
	require.Equal(t, 1, released)
	require.Equal(t, 0, pool.gcLen())
}

func TestBufferPoolGetPutSize(t *testing.T) {
	bp := newBufferPool(2, 128, 10)
	b := bp.get()
	require.Len(t, b, 128)
	bp.put(b)

	b2 := bp.get()
	require.Len(t, b2, 128)
}

func TestBufferPoolOverflowGCSweep(t *testing.T) {
	bp := newBufferPool(1, 64, 10)
	bp.put(make([]byte, 64))
	bp.put(make([]byte, 64)) // pool full, second goes to GC

	require.Equal(t, 1, bp.gcLen())
	bp.sweep(true)
	require.Equal(t, 0, bp.gcLen())
}
