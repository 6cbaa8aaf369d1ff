package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "testuser")
	require.NoError(t, err)
	return m
}

func TestLoadMissingCheckpoint(t *testing.T) {
	m := newTestManager(t)

	record, err := m.Load()
	assert.NoError(t, err)
	assert.Nil(t, record)
	assert.False(t, m.Exists())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)

	record := NewRecord("testuser")
	record.UserID = "12345"
	record.LastCursor = "cursor_3"
	record.PagesFetched = 3
	record.AddPostID("p1")
	record.AddPostID("p2")
	record.AddDownloadKey("https://x/a.jpg")

	require.NoError(t, m.Save(record))
	assert.True(t, m.Exists())

	loaded, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "testuser", loaded.Subject)
	assert.Equal(t, "cursor_3", loaded.LastCursor)
	assert.Equal(t, 3, loaded.PagesFetched)
	assert.Equal(t, []string{"p1", "p2"}, loaded.CompletedPostIDs)
	assert.True(t, loaded.HasDownloadKey("https://x/a.jpg"))
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestSaveReplacesAtomically(t *testing.T) {
	m := newTestManager(t)

	first := NewRecord("testuser")
	first.LastCursor = "cursor_1"
	require.NoError(t, m.Save(first))

	second := NewRecord("testuser")
	second.LastCursor = "cursor_2"
	require.NoError(t, m.Save(second))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "cursor_2", loaded.LastCursor)

	_, err = os.Stat(m.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not linger")
}

func TestLoadCorruptCheckpoint(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), 0755))
	require.NoError(t, os.WriteFile(m.Path(), []byte("{truncated"), 0644))

	_, err := m.Load()
	assert.Error(t, err)
}

func TestLoadNewerVersionRejected(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), 0755))
	require.NoError(t, os.WriteFile(m.Path(), []byte(`{"version": 99}`), 0644))

	_, err := m.Load()
	assert.Error(t, err)
}

func TestAddPostIDDeduplicates(t *testing.T) {
	record := NewRecord("u")
	record.AddPostID("p1")
	record.AddPostID("p1")
	record.AddPostID("")

	assert.Equal(t, []string{"p1"}, record.CompletedPostIDs)
}

func TestAddDownloadKeyDeduplicates(t *testing.T) {
	record := NewRecord("u")
	record.AddDownloadKey("k1")
	record.AddDownloadKey("k2")
	record.AddDownloadKey("k1")

	assert.Equal(t, []string{"k1", "k2"}, record.CompletedDownloadKeys)
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Save(NewRecord("testuser")))
	require.True(t, m.Exists())

	require.NoError(t, m.Delete())
	assert.False(t, m.Exists())

	assert.NoError(t, m.Delete())
}

func TestSaveRefreshesUpdatedAt(t *testing.T) {
	m := newTestManager(t)

	record := NewRecord("testuser")
	created := record.CreatedAt
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Save(record))

	assert.Equal(t, created, record.CreatedAt)
	assert.True(t, record.UpdatedAt.After(created))
}
