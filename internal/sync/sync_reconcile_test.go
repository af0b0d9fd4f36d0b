package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/themesync/internal/theme"
)

func classifyPass(r *Reconciler, gateway RemoteGateway, selector StrategySelector) PlanFunc {
	return func(ctx context.Context) (*Partition, error) {
		remote, err := gateway.ListChecksums(ctx, r.ThemeID())
		if err != nil {
			return nil, err
		}
		return selector.Select(ctx, Classify(r.Store().Checksums(), remote))
	}
}

func TestReconciler_ExecutesAllActions(t *testing.T) {
	store, fs := newMemStore(t, map[string]string{
		"snippets/old.liquid":  "old",
		"templates/index.json": `{"local":true}`,
		"sections/gone.liquid": "gone",
	})
	gateway := newFakeGateway(map[string]string{
		"layout/theme.liquid":    "layout",
		"templates/index.json":   `{"remote":true}`,
		"sections/remote.liquid": "remote section",
	})

	var hooked []string
	var hookMu sync.Mutex
	r := NewReconciler(store, gateway, testThemeID, WithMutationHook(func(op Op, key string) {
		hookMu.Lock()
		defer hookMu.Unlock()
		hooked = append(hooked, string(op)+":"+key)
	}))

	result := r.Reconcile(t.Context(), &Partition{
		DeleteLocal:  []theme.Checksum{{Key: "snippets/old.liquid"}},
		Download:     []theme.Checksum{{Key: "layout/theme.liquid", Checksum: sum("layout")}, {Key: "templates/index.json", Checksum: sum(`{"remote":true}`)}},
		DeleteRemote: []theme.Checksum{{Key: "sections/remote.liquid"}},
		Upload:       []theme.Checksum{{Key: "sections/gone.liquid"}},
	})

	require.NoError(t, result.Err())
	assert.Equal(t, []string{"layout/theme.liquid", "templates/index.json"}, result.Downloaded)
	assert.Equal(t, []string{"snippets/old.liquid"}, result.DeletedLocal)
	assert.Equal(t, []string{"sections/remote.liquid"}, result.DeletedRemote)
	assert.Equal(t, []theme.Checksum{{Key: "sections/gone.liquid", Checksum: sum("gone")}}, result.Uploaded)
	assert.True(t, result.DidMutate())
	assert.False(t, result.Partial())
	assert.Equal(t, 5, result.Succeeded())

	assert.Equal(t, "layout", readMemFile(t, fs, "layout/theme.liquid"))
	assert.Equal(t, `{"remote":true}`, readMemFile(t, fs, "templates/index.json"))
	exists, err := afero.Exists(fs, testRoot+"/snippets/old.liquid")
	require.NoError(t, err)
	assert.False(t, exists)

	_, ok := gateway.body("sections/remote.liquid")
	assert.False(t, ok)
	body, ok := gateway.body("sections/gone.liquid")
	assert.True(t, ok)
	assert.Equal(t, "gone", body)

	assert.ElementsMatch(t, []string{
		"delete-local:snippets/old.liquid",
		"download:layout/theme.liquid",
		"download:templates/index.json",
	}, hooked)
	assert.Empty(t, r.Status().All(), "completed keys are dropped from the status")
}

func TestReconciler_ConvergenceIdempotence(t *testing.T) {
	store, _ := newMemStore(t, map[string]string{
		"templates/index.json":  "local",
		"snippets/extra.liquid": "extra",
	})
	gateway := newFakeGateway(map[string]string{
		"templates/index.json": "remote",
		"layout/theme.liquid":  "layout",
	})
	r := NewReconciler(store, gateway, testThemeID)
	selector := &FixedSelector{Strategy: StrategyFavorRemote}

	first, err := r.Pass(t.Context(), classifyPass(r, gateway, selector))
	require.NoError(t, err)
	assert.True(t, first.DidMutate())

	second, err := r.Pass(t.Context(), classifyPass(r, gateway, selector))
	require.NoError(t, err)
	assert.False(t, second.DidMutate())
	assert.Zero(t, second.Succeeded())
}

func TestReconciler_PartialFailure(t *testing.T) {
	store, _ := newMemStore(t, map[string]string{"templates/index.json": "old"})
	gateway := newFakeGateway(map[string]string{
		"templates/index.json": "new",
		"layout/theme.liquid":  "layout",
		"config/settings.json": "{}",
	})
	gateway.fetchErr["layout/theme.liquid"] = errFakeRemote

	r := NewReconciler(store, gateway, testThemeID)
	result := r.Reconcile(t.Context(), &Partition{Download: []theme.Checksum{
		{Key: "templates/index.json", Checksum: sum("new")},
		{Key: "layout/theme.liquid", Checksum: sum("layout")},
		{Key: "config/settings.json", Checksum: sum("{}")},
		{Key: "templates/missing.json", Checksum: "x"},
	}})

	assert.True(t, result.Partial())
	assert.Equal(t, []string{"config/settings.json", "templates/index.json"}, result.Downloaded)
	require.Len(t, result.Errors, 2)
	assert.ErrorIs(t, result.Err(), errFakeRemote)
	assert.ErrorIs(t, result.Err(), ErrRemoteMissing)
	assert.ElementsMatch(t, []string{"layout/theme.liquid", "templates/missing.json"}, result.FailedKeys(OpDownload))

	_, ok := store.Get("layout/theme.liquid")
	assert.False(t, ok, "failed download leaves no entry")
	a, ok := store.Get("templates/index.json")
	require.True(t, ok)
	assert.Equal(t, sum("new"), a.Checksum)

	status, ok := r.Status().Get("layout/theme.liquid")
	require.True(t, ok)
	assert.Equal(t, SyncStateError, status.State)
	assert.Equal(t, 1, status.ErrorCount)
}

func TestReconciler_EmptyPartition(t *testing.T) {
	store, _ := newMemStore(t, nil)
	r := NewReconciler(store, newFakeGateway(nil), testThemeID)

	result := r.Reconcile(t.Context(), &Partition{})
	assert.False(t, result.DidMutate())
	assert.NoError(t, result.Err())

	result = r.Reconcile(t.Context(), nil)
	assert.False(t, result.DidMutate())
}

func TestReconciler_PlanErrorAbortsPass(t *testing.T) {
	store, _ := newMemStore(t, nil)
	gateway := newFakeGateway(map[string]string{"layout/theme.liquid": "x"})
	r := NewReconciler(store, gateway, testThemeID)

	_, err := r.Pass(t.Context(), func(ctx context.Context) (*Partition, error) {
		return nil, &ConflictError{Key: "templates/404.json"}
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Zero(t, store.Len())
}

func TestReconciler_TryPassWhileBusy(t *testing.T) {
	store, _ := newMemStore(t, nil)
	r := NewReconciler(store, newFakeGateway(nil), testThemeID)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Pass(context.Background(), func(ctx context.Context) (*Partition, error) {
			close(entered)
			<-release
			return &Partition{}, nil
		})
	}()

	<-entered
	_, err := r.TryPass(t.Context(), func(ctx context.Context) (*Partition, error) {
		return &Partition{}, nil
	})
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	<-done

	_, err = r.TryPass(t.Context(), func(ctx context.Context) (*Partition, error) {
		return &Partition{}, nil
	})
	assert.NoError(t, err)
}

func TestReconciler_PassesAreSerialized(t *testing.T) {
	store, _ := newMemStore(t, map[string]string{"templates/index.json": "v0"})
	gateway := newFakeGateway(nil)
	for i := 0; i < 10; i++ {
		gateway.set(fmt.Sprintf("templates/t%d.json", i), fmt.Sprintf("v%d", i))
	}
	r := NewReconciler(store, gateway, testThemeID)

	var inPass, maxInPass atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Pass(context.Background(), func(ctx context.Context) (*Partition, error) {
				n := inPass.Add(1)
				if n > maxInPass.Load() {
					maxInPass.Store(n)
				}
				time.Sleep(time.Millisecond)
				inPass.Add(-1)
				key := fmt.Sprintf("templates/t%d.json", i)
				return &Partition{Download: []theme.Checksum{{Key: key, Checksum: sum(fmt.Sprintf("v%d", i))}}}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInPass.Load())
	assert.Equal(t, 11, store.Len())
}

func TestReconciler_PassHook(t *testing.T) {
	store, _ := newMemStore(t, map[string]string{"templates/index.json": "v1"})
	gateway := newFakeGateway(nil)
	r := NewReconciler(store, gateway, testThemeID)

	var seen []*ReconcileResult
	r.AddPassHook(func(result *ReconcileResult) {
		seen = append(seen, result)
	})

	result := r.Reconcile(t.Context(), &Partition{Upload: []theme.Checksum{{Key: "templates/index.json"}}})
	require.Len(t, seen, 1)
	assert.Same(t, result, seen[0])
	assert.Equal(t, []theme.Checksum{{Key: "templates/index.json", Checksum: sum("v1")}}, result.Uploaded)
	assert.False(t, result.DidMutate(), "uploads do not mutate the store")
}

func TestReconciler_ApplyLocalChanges(t *testing.T) {
	store, fs := newMemStore(t, map[string]string{
		"templates/index.json":      "v1",
		"sections/header.liquid":    "h1",
		"config/settings_data.json": "{}",
	})
	gateway := newFakeGateway(map[string]string{
		"templates/index.json":      "v1",
		"sections/header.liquid":    "h1",
		"config/settings_data.json": "{}",
	})
	r := NewReconciler(store, gateway, testThemeID)
	filter := NewIgnoreFilter(nil, nil, []string{"config/settings_data.json"})

	writeMemFile(t, fs, "templates/index.json", "v2")
	writeMemFile(t, fs, "snippets/new.liquid", "new")
	writeMemFile(t, fs, "config/settings_data.json", `{"x":1}`)
	require.NoError(t, fs.Remove(testRoot+"/sections/header.liquid"))

	result, err := r.ApplyLocalChanges(t.Context(), []string{
		"templates/index.json",
		"snippets/new.liquid",
		"sections/header.liquid",
		"config/settings_data.json",
		"README.md",
	}, filter, false)
	require.NoError(t, err)

	assert.Equal(t, []theme.Checksum{
		{Key: "snippets/new.liquid", Checksum: sum("new")},
		{Key: "templates/index.json", Checksum: sum("v2")},
	}, result.Uploaded)
	assert.Equal(t, []string{"sections/header.liquid"}, result.DeletedRemote)
	assert.False(t, result.DidMutate())

	body, _ := gateway.body("config/settings_data.json")
	assert.Equal(t, "{}", body, "ignored key is not pushed")
	a, ok := store.Get("config/settings_data.json")
	require.True(t, ok)
	assert.Equal(t, sum(`{"x":1}`), a.Checksum, "ignored key is still refreshed")
	assert.Empty(t, store.Unsynced())
}

func TestReconciler_ApplyLocalChanges_NoDelete(t *testing.T) {
	store, fs := newMemStore(t, map[string]string{"sections/header.liquid": "h1"})
	gateway := newFakeGateway(map[string]string{"sections/header.liquid": "h1"})
	r := NewReconciler(store, gateway, testThemeID)

	require.NoError(t, fs.Remove(testRoot+"/sections/header.liquid"))
	result, err := r.ApplyLocalChanges(t.Context(), []string{"sections/header.liquid"}, nil, true)
	require.NoError(t, err)

	assert.Empty(t, result.DeletedRemote)
	_, ok := gateway.body("sections/header.liquid")
	assert.True(t, ok)
	assert.Zero(t, store.Len())
}

func TestReconciler_ApplyLocalChanges_RetriesFailedUpload(t *testing.T) {
	store, fs := newMemStore(t, map[string]string{"templates/index.json": "v1"})
	gateway := newFakeGateway(map[string]string{"templates/index.json": "v1"})
	gateway.uploadErr["templates/index.json"] = errFakeRemote
	r := NewReconciler(store, gateway, testThemeID)

	writeMemFile(t, fs, "templates/index.json", "v2")
	result, err := r.ApplyLocalChanges(t.Context(), []string{"templates/index.json"}, nil, false)
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err(), errFakeRemote)
	assert.True(t, store.IsUnsynced("templates/index.json"))

	delete(gateway.uploadErr, "templates/index.json")
	result, err = r.ApplyLocalChanges(t.Context(), []string{"templates/index.json"}, nil, false)
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Len(t, result.Uploaded, 1, "unchanged but unsynced key is uploaded again")
	assert.False(t, store.IsUnsynced("templates/index.json"))
}
