package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/themesync/internal/theme"
	"github.com/openmined/themesync/internal/themefs"
)

func newTestEngine(t *testing.T, local, remote map[string]string, cfg EngineConfig) (*SyncEngine, *fakeGateway, string) {
	t.Helper()

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for _, unit := range []string{"config", "layout", "sections", "snippets", "templates"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, unit), 0o755))
	}
	for key, body := range local {
		writeFile(t, root, key, body)
	}

	gateway := newFakeGateway(remote)
	if cfg.ThemeID == "" {
		cfg.ThemeID = testThemeID
	}
	se, err := NewSyncEngine(themefs.Mount(root), gateway, cfg)
	require.NoError(t, err)
	return se, gateway, root
}

func readFile(t *testing.T, root, key string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)
	return string(b)
}

func TestNewSyncEngine_RequiresTheme(t *testing.T) {
	store, _ := newMemStore(t, nil)
	_, err := NewSyncEngine(store, newFakeGateway(nil), EngineConfig{})
	assert.Error(t, err)
}

func TestSyncEngine_InitialReconcile(t *testing.T) {
	j := NewSyncJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, j.Open())
	defer j.Close()
	require.NoError(t, j.RecordConflict(testThemeID, "templates/index.json", time.Now()))

	se, gateway, root := newTestEngine(t,
		map[string]string{"templates/index.json": "local", "snippets/extra.liquid": "extra"},
		map[string]string{"templates/index.json": "remote", "layout/theme.liquid": "layout"},
		EngineConfig{Selector: &FixedSelector{Strategy: StrategyFavorLocal}, Journal: j},
	)

	result, err := se.InitialReconcile(t.Context())
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Equal(t, []string{"layout/theme.liquid"}, result.DeletedRemote)
	assert.Equal(t, []string{"snippets/extra.liquid", "templates/index.json"}, theme.Keys(result.Uploaded))

	body, _ := gateway.body("templates/index.json")
	assert.Equal(t, "local", body)
	assert.Equal(t, "local", readFile(t, root, "templates/index.json"))

	conflicts, err := j.Conflicts(testThemeID)
	require.NoError(t, err)
	assert.Empty(t, conflicts, "a clean reconcile clears recorded conflicts")
}

func TestSyncEngine_InitialReconcileRespectsFilter(t *testing.T) {
	se, _, root := newTestEngine(t,
		map[string]string{"config/settings_data.json": "local"},
		map[string]string{"config/settings_data.json": "remote"},
		EngineConfig{Selector: &FixedSelector{Strategy: StrategyFavorRemote}, Ignore: []string{"config/settings_data.json"}},
	)

	result, err := se.InitialReconcile(t.Context())
	require.NoError(t, err)
	assert.Zero(t, result.Succeeded())
	assert.Equal(t, "local", readFile(t, root, "config/settings_data.json"))
}

func TestSyncEngine_HandleWatchEvent_Changes(t *testing.T) {
	se, gateway, root := newTestEngine(t,
		map[string]string{"sections/header.liquid": "h1", "sections/footer.liquid": "f1"},
		map[string]string{"sections/header.liquid": "h1", "sections/footer.liquid": "f1"},
		EngineConfig{},
	)

	writeFile(t, root, "sections/header.liquid", "h2")
	require.NoError(t, os.Remove(filepath.Join(root, "sections/footer.liquid")))

	se.HandleWatchEvent(t.Context(), WatchEvent{Kind: EventUnitChanged, Unit: "sections", Changes: []FileChange{
		{Key: "sections/header.liquid", Op: ChangeModified},
		{Key: "sections/footer.liquid", Op: ChangeRemoved},
	}})

	body, _ := gateway.body("sections/header.liquid")
	assert.Equal(t, "h2", body)
	_, ok := gateway.body("sections/footer.liquid")
	assert.False(t, ok)
}

func TestSyncEngine_HandleWatchEvent_UnitDeleted(t *testing.T) {
	files := map[string]string{"snippets/a.liquid": "a", "snippets/b.liquid": "b", "layout/theme.liquid": "t"}

	for _, noDelete := range []bool{false, true} {
		se, gateway, root := newTestEngine(t, files, files, EngineConfig{NoDelete: noDelete})
		require.NoError(t, os.RemoveAll(filepath.Join(root, "snippets")))

		se.HandleWatchEvent(t.Context(), WatchEvent{Kind: EventUnitDeleted, Unit: "snippets"})

		_, okA := gateway.body("snippets/a.liquid")
		_, okB := gateway.body("snippets/b.liquid")
		assert.Equal(t, noDelete, okA, "noDelete=%v", noDelete)
		assert.Equal(t, noDelete, okB, "noDelete=%v", noDelete)
		assert.Empty(t, se.Store().KeysWithPrefix("snippets"))
		_, ok := gateway.body("layout/theme.liquid")
		assert.True(t, ok)
	}
}

func TestSyncEngine_HandleWatchEvent_ConfigUpdated(t *testing.T) {
	se, _, root := newTestEngine(t, nil, nil, EngineConfig{})
	assert.False(t, se.Filter().Ignored("templates/index.json"))

	writeFile(t, root, theme.IgnoreFileName, "templates/index.json\n")
	se.HandleWatchEvent(t.Context(), WatchEvent{Kind: EventConfigUpdated, Unit: theme.IgnoreFileName})

	assert.True(t, se.Filter().Ignored("templates/index.json"))
}

func TestSyncEngine_RunRejectsSecondRun(t *testing.T) {
	se, _, _ := newTestEngine(t, nil, nil, EngineConfig{})
	se.running.Store(true)
	assert.ErrorIs(t, se.Run(t.Context()), ErrEngineRunning)
}

func TestSyncEngine_Run(t *testing.T) {
	files := map[string]string{"templates/404.json": "v1"}
	se, gateway, root := newTestEngine(t, files, files, EngineConfig{
		Selector:        &FixedSelector{Strategy: StrategyFavorRemote},
		PollInterval:    20 * time.Millisecond,
		DebounceTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- se.Run(ctx) }()

	require.Eventually(t, se.Running, 2*time.Second, 10*time.Millisecond)
	// give the watcher time to register before touching the tree
	time.Sleep(100 * time.Millisecond)

	gateway.set("templates/404.json", "v2")
	require.Eventually(t, func() bool {
		return readFile(t, root, "templates/404.json") == "v2"
	}, 3*time.Second, 20*time.Millisecond, "remote change is pulled")

	writeFile(t, root, "snippets/new.liquid", "new")
	require.Eventually(t, func() bool {
		body, ok := gateway.body("snippets/new.liquid")
		return ok && body == "new"
	}, 3*time.Second, 20*time.Millisecond, "local change is pushed")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "engine did not stop")
	}
}

func TestSyncEngine_RunStopsOnConflict(t *testing.T) {
	files := map[string]string{"templates/404.json": "v1"}
	se, gateway, root := newTestEngine(t, files, files, EngineConfig{
		Selector:        &FixedSelector{Strategy: StrategyFavorRemote},
		PollInterval:    20 * time.Millisecond,
		DebounceTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- se.Run(ctx) }()

	require.Eventually(t, se.Running, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writeFile(t, root, "templates/404.json", "v3")
	gateway.set("templates/404.json", "v2")

	select {
	case err := <-done:
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "templates/404.json", conflict.Key)
	case <-time.After(4 * time.Second):
		require.FailNow(t, "engine did not stop on conflict")
	}
	assert.Equal(t, "v3", readFile(t, root, "templates/404.json"))
}
