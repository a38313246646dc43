package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTouchAndRemoveIfIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewConnectionRegistry(clock.Now)

	record := r.Insert("a", &fakeHandle{})
	assert.Equal(t, record.ConnectedAt, record.LastActivityAt)
	r.Insert("b", &fakeHandle{})
	cutoff := clock.Now()

	clock.Advance(time.Minute)
	require.True(t, r.Touch("a"))
	assert.False(t, r.Touch("missing"))

	_, removed := r.RemoveIfIdle("a", cutoff)
	assert.False(t, removed, "touched after the cutoff")
	idle, removed := r.RemoveIfIdle("b", cutoff)
	assert.True(t, removed)
	assert.Equal(t, "b", idle.ClientID)

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), got.LastActivityAt)
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySnapshotIsDetached(t *testing.T) {
	r := NewConnectionRegistry(nil)
	r.Insert("a", &fakeHandle{})
	r.Insert("b", &fakeHandle{})

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)

	_, ok := r.Remove("a")
	require.True(t, ok)
	_, ok = r.Remove("a")
	assert.False(t, ok)

	assert.Len(t, snapshot, 2)
	assert.Equal(t, 1, r.Len())
}
