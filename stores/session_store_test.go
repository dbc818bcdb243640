package stores

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionJournal(t *testing.T) {
	store, err := NewSessionStore("")
	require.NoError(t, err)
	defer store.Close()

	first, err := store.Begin("sources.sensor", "10.0.0.1:50000")
	require.NoError(t, err)
	second, err := store.Begin("sources.sensor", "10.0.0.2:50000")
	require.NoError(t, err)
	require.True(t, first.ID.Compare(second.ID) < 0)

	first.Records = 12
	first.Bytes = 48
	first.CloseReason = "evicted"
	require.NoError(t, store.Finish(first))

	stored, err := store.Get(first.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(12), stored.Records)
	require.Equal(t, "evicted", stored.CloseReason)
	require.False(t, stored.ClosedAt.IsZero())

	last, err := store.GetLast(10)
	require.NoError(t, err)
	require.Len(t, last, 2)
	require.Equal(t, second.ID, last[0].ID)
	require.Equal(t, first.ID, last[1].ID)

	last, err = store.GetLast(1)
	require.NoError(t, err)
	require.Len(t, last, 1)
}

func TestSessionStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	require.NoError(t, err)

	session, err := store.Begin("sources.kafka", "broker:9092")
	require.NoError(t, err)
	store.Close()

	store, err = NewSessionStore(dir)
	require.NoError(t, err)
	defer store.Close()

	stored, err := store.Get(session.ID)
	require.NoError(t, err)
	require.Equal(t, "broker:9092", stored.Remote)
}
