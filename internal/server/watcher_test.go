package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, ".env")
	other := filepath.Join(dir, "other.txt")
	require.NoError(t, os.WriteFile(target, []byte("A=1\n"), 0o600))

	w, err := NewWatcher([]string{target}, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(target, []byte("A=2\n"), 0o600))
		require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))
	}

	select {
	case changed := <-w.Changes():
		assert.Equal(t, []string{target}, changed)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	select {
	case changed := <-w.Changes():
		t.Fatalf("burst reported twice: %v", changed)
	case <-time.After(2 * debounceDelay):
	}
}

func TestWatcherMergesUnconsumedBatches(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	local := filepath.Join(dir, ".env.local")

	w, err := NewWatcher([]string{env, local}, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	for _, name := range []string{env, local, env} {
		w.mu.Lock()
		w.pending[name] = true
		w.mu.Unlock()
		w.flush()
	}

	select {
	case changed := <-w.Changes():
		assert.ElementsMatch(t, []string{env, local}, changed)
	case <-time.After(time.Second):
		t.Fatal("no change reported")
	}
	select {
	case changed := <-w.Changes():
		t.Fatalf("batches reported separately: %v", changed)
	default:
	}
}

func TestWatcherSeesAtomicSave(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.env")
	require.NoError(t, os.WriteFile(target, []byte("A=1\n"), 0o600))

	w, err := NewWatcher([]string{target}, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	tmp := filepath.Join(dir, "config.env.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("A=2\n"), 0o600))
	require.NoError(t, os.Rename(tmp, target))

	select {
	case changed := <-w.Changes():
		assert.Contains(t, changed, target)
	case <-time.After(5 * time.Second):
		t.Fatal("atomic save not reported")
	}
}

func TestWatcherNeedsAPath(t *testing.T) {
	_, err := NewWatcher([]string{filepath.Join(t.TempDir(), "missing", "x.env")}, zap.NewNop())
	assert.Error(t, err)
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	w, err := NewWatcher([]string{filepath.Join(t.TempDir(), ".env")}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
