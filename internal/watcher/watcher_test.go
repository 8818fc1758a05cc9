package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeatlas-io/codeatlas/internal/types"
)

// collect drains events until one matching path arrives or the deadline
// passes. fsnotify can surface intermediate events (directory writes), so
// tests filter rather than asserting exact sequences.
func collect(t *testing.T, ch <-chan types.ChangeEvent, path string, want types.ChangeType) types.ChangeEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if filepath.Base(ev.Path) == path && ev.ChangeType == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", want, path)
		}
	}
}

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := New([]string{dir}, 64, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)
	return w, dir
}

func TestCreateAndModify(t *testing.T) {
	w, dir := newTestWatcher(t)

	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n"), 0o644))
	ev := collect(t, w.Events(), "a.go", types.ChangeCreate)
	assert.True(t, filepath.IsAbs(filepath.FromSlash(ev.AbsolutePath)))
	assert.False(t, ev.Timestamp.IsZero())

	require.NoError(t, os.WriteFile(path, []byte("package a // changed\n"), 0o644))
	collect(t, w.Events(), "a.go", types.ChangeModify)
}

func TestRemoveMapsToDelete(t *testing.T) {
	w, dir := newTestWatcher(t)

	path := filepath.Join(dir, "b.go")
	require.NoError(t, os.WriteFile(path, []byte("package b\n"), 0o644))
	collect(t, w.Events(), "b.go", types.ChangeCreate)

	require.NoError(t, os.Remove(path))
	collect(t, w.Events(), "b.go", types.ChangeDelete)
}

func TestNewDirectoryWatched(t *testing.T) {
	w, dir := newTestWatcher(t)

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	collect(t, w.Events(), "pkg", types.ChangeCreate)

	// Give the new watch a moment to register before writing into it.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "c.go"), []byte("package pkg\n"), 0o644))
	collect(t, w.Events(), "c.go", types.ChangeCreate)
}

func TestCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{dir}, 8, nil)
	require.NoError(t, err)
	w.Start(context.Background())
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
