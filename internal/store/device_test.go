package store

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "nested", "padmux.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewStoreRunsMigrations(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	var name string
	err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", "devices").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "devices", name)
	require.FileExists(t, s.Path())
}

func TestDeviceRepositorySaveAndGet(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t).Devices()

	_, err := repo.Get("pad-1")
	require.ErrorIs(t, err, ErrNotFound)

	d := &DeviceSettings{
		DeviceID:    "pad-1",
		Name:        "DualSense",
		AutoConnect: true,
		LastProfile: "racing.lua",
		OutputPath:  "virtual/x360",
		SharedID:    "couch",
	}
	require.NoError(t, repo.Save(d))
	require.False(t, d.CreatedAt.IsZero())

	got, err := repo.Get("pad-1")
	require.NoError(t, err)
	require.Equal(t, "DualSense", got.Name)
	require.True(t, got.AutoConnect)
	require.Equal(t, "racing.lua", got.LastProfile)
	require.Equal(t, "virtual/x360", got.OutputPath)
	require.Equal(t, "couch", got.SharedID)

	d.AutoConnect = false
	require.NoError(t, repo.Save(d))
	got, err = repo.Get("pad-1")
	require.NoError(t, err)
	require.False(t, got.AutoConnect)
}

func TestDeviceRepositoryPartialUpdates(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t).Devices()

	require.NoError(t, repo.SetProfile("pad-2", "fps.lua"))
	require.NoError(t, repo.SetOutput("pad-2", "virtual/ds4", ""))
	require.NoError(t, repo.SetAutoConnect("pad-2", true))
	require.NoError(t, repo.SetProfile("pad-2", ""))

	got, err := repo.Get("pad-2")
	require.NoError(t, err)
	require.Empty(t, got.LastProfile)
	require.Equal(t, "virtual/ds4", got.OutputPath)
	require.True(t, got.AutoConnect)
}

func TestDeviceRepositoryListAndDelete(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t).Devices()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, repo.Save(&DeviceSettings{DeviceID: id}))
	}

	devices, err := repo.List()
	require.NoError(t, err)
	require.Len(t, devices, 3)
	require.Equal(t, "a", devices[0].DeviceID)

	require.NoError(t, repo.Delete("a"))
	require.ErrorIs(t, repo.Delete("a"), ErrNotFound)

	devices, err = repo.List()
	require.NoError(t, err)
	require.Len(t, devices, 2)
}

func TestDeviceRepositoryConcurrentWrites(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t).Devices()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := repo.SetProfile("pad", "p.lua"); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	got, err := repo.Get("pad")
	require.NoError(t, err)
	require.Equal(t, "p.lua", got.LastProfile)
}
