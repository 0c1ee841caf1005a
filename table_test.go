package tcpagent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnTableAcquirePublishLookup(t *testing.T) {
	tbl := newConnTable(4, 100)

	id, err := tbl.acquireSlot()
	require.NoError(t, err)
	require.True(t, id.Valid())
	require.Nil(t, tbl.lookup(id), "not yet published")

	rec := newRecord()
	require.True(t, tbl.publish(id, rec))
	require.Same(t, rec, tbl.lookup(id))
	require.Equal(t, 1, tbl.liveCount())

	tbl.remove(id)
	require.Nil(t, tbl.lookup(id))
	require.Equal(t, 0, tbl.liveCount())
}

func TestConnTableAbandonPending(t *testing.T) {
	tbl := newConnTable(4, 100)

	id, err := tbl.acquireSlot()
	require.NoError(t, err)
	require.Equal(t, 1, tbl.liveCount())

	tbl.abandonPending(id)
	require.Equal(t, 0, tbl.liveCount())
	require.Nil(t, tbl.lookup(id))
}

func TestConnTableLimitExceeded(t *testing.T) {
	tbl := newConnTable(2, 100)

	id1, err := tbl.acquireSlot()
	require.NoError(t, err)
	_, err = tbl.acquireSlot()
	require.NoError(t, err)

	_, err = tbl.acquireSlot()
	require.Error(t, err)
	require.True(t, Is(err, KindConnectionCountLimit))

	tbl.abandonPending(id1)
	_, err = tbl.acquireSlot()
	require.NoError(t, err, "abandoning a slot should make room under the cap again")
}

func TestConnTableGenerationQuarantine(t *testing.T) {
	tbl := newConnTable(1, 1_000_000) // huge quarantine: slot never reusable within test

	id1, err := tbl.acquireSlot()
	require.NoError(t, err)
	rec1 := newRecord()
	require.True(t, tbl.publish(id1, rec1))
	tbl.remove(id1)

	// MaxConnectionCount==1 and the only slot is quarantined: a second
	// acquire must fail with ConnectionCountLimit... but removing
	// decremented liveCount, so acquireSlot's cap check passes and it
	// instead grows a new slot rather than reusing the quarantined one.
	id2, err := tbl.acquireSlot()
	require.NoError(t, err)
	require.NotEqual(t, id1.slotIndex(), id2.slotIndex(), "quarantined slot must not be reused early")
}

func TestConnIDGenerationRoundTrip(t *testing.T) {
	id := makeConnID(5, 3)
	require.Equal(t, 5, id.slotIndex())
	require.Equal(t, uint32(3), id.generation())
	require.True(t, id.Valid())
	require.False(t, NoConnID.Valid())
}
