package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScriptStoreWriteRead(t *testing.T) {
	var store, err = NewScriptStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	file, err := store.Write("scrub", "return 1")
	require.NoError(t, err)
	require.Equal(t, "scrub.lua", file)

	source, err := store.Read(file)
	require.NoError(t, err)
	require.Equal(t, "return 1", source)
}

func TestScriptStoreRejectsEscapingNames(t *testing.T) {
	var store, err = NewScriptStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	for _, name := range []string{"../evil", "a/b", `a\b`, ""} {
		var _, err = store.Write(name, "x")
		require.Error(t, err, "name %q must be rejected", name)
	}
	for _, file := range []string{"../evil.lua", "sub/x.lua", ""} {
		var _, err = store.Read(file)
		require.Error(t, err, "file %q must be rejected", file)
	}
}

func TestScriptStoreReadMissing(t *testing.T) {
	var store, err = NewScriptStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Read("ghost.lua")
	require.Error(t, err)
}

func TestScriptStoreWatcherReportsEdits(t *testing.T) {
	var changed = make(chan string, 8)
	var dir = t.TempDir()
	var store, err = NewScriptStore(dir, func(file string) { changed <- file })
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scrub.lua"), []byte("return 1"), 0o644))

	select {
	case file := <-changed:
		require.Equal(t, "scrub.lua", file)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher reported no change")
	}

	// Files that are not scripts are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	select {
	case file := <-changed:
		t.Fatalf("unexpected change notification for %s", file)
	case <-time.After(250 * time.Millisecond):
	}
}
