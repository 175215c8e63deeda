package audit

import (
	"testing"

	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRecorder(store)
}

func TestRecordAndRecent(t *testing.T) {
	rec := newTestRecorder(t)

	require.NoError(t, rec.Record("alice", "host.add", map[string]string{"name": "web-1"}, "10.0.0.9"))
	require.NoError(t, rec.Record("bob", "host.decommission", nil, ""))

	entries, err := rec.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "host.decommission", entries[0].Action)
	assert.Equal(t, "bob", entries[0].Actor)
	assert.Empty(t, entries[0].Detail)

	assert.Equal(t, "host.add", entries[1].Action)
	assert.JSONEq(t, `{"name":"web-1"}`, entries[1].Detail)
	assert.Equal(t, "10.0.0.9", entries[1].SourceAddr)
	assert.False(t, entries[1].Timestamp.IsZero())
}

func TestRecentLimit(t *testing.T) {
	rec := newTestRecorder(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.Record("alice", "placement.create", nil, ""))
	}
	entries, err := rec.Recent(3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRecordUnserialisableDetail(t *testing.T) {
	rec := newTestRecorder(t)

	// Channels cannot be marshalled; the entry must still land.
	require.NoError(t, rec.Record("alice", "scan.submit", make(chan int), ""))

	entries, err := rec.Recent(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Detail)
}
