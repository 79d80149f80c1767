package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leapstack-labs/borrowck/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_DebouncedChanges(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "nested/keep.txt", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var changed []string
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, WatchConfig{Paths: []string{dir}, Debounce: 20 * time.Millisecond, Logger: testutil.NewTestLogger(t)},
			func(_ context.Context, file string) {
				mu.Lock()
				changed = append(changed, file)
				mu.Unlock()
			})
	}()

	target := filepath.Join(dir, "nested", "s.star")
	ignored := filepath.Join(dir, "nested", "notes.txt")
	// the watcher starts asynchronously, so keep touching until it sees a write
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(ignored, []byte("x"), 0o600)
		_ = os.WriteFile(target, []byte(`bind("v", 1)`), 0o600)
		mu.Lock()
		defer mu.Unlock()
		return len(changed) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	for _, f := range changed {
		assert.Equal(t, target, f)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestWatch_MissingPath(t *testing.T) {
	err := Watch(context.Background(), WatchConfig{Paths: []string{filepath.Join(t.TempDir(), "nope")}},
		func(context.Context, string) {})
	assert.ErrorContains(t, err, "failed to watch")
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "b.yaml", "scenarios:\n  - name: b1\n    steps: [{op: bind, name: v, value: 1}]\n  - name: b2\n    steps: [{op: bind, name: v, value: 1}]\n")
	testutil.WriteFile(t, dir, "a.star", `bind("v", 1)`)
	testutil.WriteFile(t, dir, "sub/c.yml", "name: c\nsteps: [{op: bind, name: v, value: 1}]\n")
	testutil.WriteFile(t, dir, ".hidden/d.yaml", "name: d\nsteps: []\n")
	testutil.WriteFile(t, dir, "README.md", "docs")
	single := testutil.WriteFile(t, t.TempDir(), "one.star", `bind("v", 1)`)

	jobs, err := Discover(dir, single)
	require.NoError(t, err)

	var names []string
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c", "one"}, names)
	assert.True(t, jobs[0].IsScript())
	assert.False(t, jobs[1].IsScript())
	assert.Equal(t, single, jobs[4].Script)
}

func TestDiscover_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Discover(filepath.Join(dir, "missing"))
	assert.ErrorContains(t, err, "failed to stat")

	notes := testutil.WriteFile(t, dir, "notes.txt", "x")
	_, err = Discover(notes)
	assert.ErrorContains(t, err, "is not a scenario file or script")

	bad := testutil.WriteFile(t, dir, "bad.yaml", "name: [unclosed\n")
	_, err = Discover(bad)
	assert.Error(t, err)
}
