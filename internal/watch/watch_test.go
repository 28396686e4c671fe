package watch

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type changes struct {
	mu    sync.Mutex
	paths []string
}

func (c *changes) add(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, p)
}

func (c *changes) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

func TestWatcherReportsDebouncedChanges(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "profiles")
	got := &changes{}
	w, err := New(dir, 30*time.Millisecond, got.add, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	require.DirExists(t, dir)

	profile := filepath.Join(w.Dir(), "racing.lua")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(profile, []byte("-- edit"), 0o644))
	}

	require.Eventually(t, func() bool { return len(got.snapshot()) > 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, []string{profile}, got.snapshot(), "a burst of writes is reported once")
}

func TestWatcherIgnoresDirectories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	got := &changes{}
	w, err := New(dir, 20*time.Millisecond, got.add, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	time.Sleep(120 * time.Millisecond)
	require.Empty(t, got.snapshot())

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestWatcherReportsNestedProfiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "fps"), 0o755))

	got := &changes{}
	w, err := New(dir, 20*time.Millisecond, got.add, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	existing := filepath.Join(w.Dir(), "fps", "x.lua")
	require.NoError(t, os.WriteFile(existing, []byte("-- v2"), 0o644))
	require.Eventually(t, func() bool {
		return slices.Contains(got.snapshot(), existing)
	}, 2*time.Second, 10*time.Millisecond)

	created := filepath.Join(w.Dir(), "racing", "cars", "gt.lua")
	require.NoError(t, os.MkdirAll(filepath.Dir(created), 0o755))
	require.NoError(t, os.WriteFile(created, []byte("-- v1"), 0o644))
	require.Eventually(t, func() bool {
		return slices.Contains(got.snapshot(), created)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStableHonoursDebounceWindow(t *testing.T) {
	t.Parallel()

	w, err := New(t.TempDir(), time.Second, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.fsWatcher.Close() })

	now := time.Now()
	w.pending["/p/old.lua"] = now.Add(-2 * time.Second)
	w.pending["/p/new.lua"] = now.Add(-100 * time.Millisecond)

	require.Equal(t, []string{"/p/old.lua"}, w.stable(now))
	require.Len(t, w.pending, 1)
}
