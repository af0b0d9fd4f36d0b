package themefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/themesync/internal/theme"
)

const root = "/theme"

func newMemFs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(root, 0o755))
	for key, body := range files {
		p := filepath.Join(root, filepath.FromSlash(key))
		require.NoError(t, fs.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, afero.WriteFile(fs, p, []byte(body), 0o644))
	}
	return fs
}

func TestMount_ScansEligibleFiles(t *testing.T) {
	fs := newMemFs(t, map[string]string{
		"templates/index.json":             `{"sections":{}}`,
		"templates/customers/account.json": `{}`,
		"sections/header.liquid":           `<header/>`,
		"assets/logo.png":                  "\x89PNG",
		"config/settings_data.json":        `{"current":{}}`,
		"README.md":                        "readme",
		"assets/.DS_Store":                 "junk",
		"snippets/node_modules/x.liquid":   "dep",
	})

	store := Mount(root, WithFs(fs))

	keys := theme.Keys(store.Checksums())
	assert.Equal(t, []string{
		"assets/logo.png",
		"config/settings_data.json",
		"sections/header.liquid",
		"templates/customers/account.json",
		"templates/index.json",
	}, keys)

	index, ok := store.Get("templates/index.json")
	require.True(t, ok)
	assert.Equal(t, `{"sections":{}}`, index.Value)
	assert.Equal(t, theme.ComputeChecksum([]byte(`{"sections":{}}`)), index.Checksum)
	require.NotNil(t, index.Stats)
	assert.Equal(t, int64(len(`{"sections":{}}`)), index.Stats.Size)

	// binary entries stay lazy
	logo, ok := store.Get("assets/logo.png")
	require.True(t, ok)
	assert.False(t, logo.HasBody())
	assert.Equal(t, theme.ComputeChecksum([]byte("\x89PNG")), logo.Checksum)
}

func TestMount_MissingRootIsEmpty(t *testing.T) {
	store := Mount("/does/not/exist", WithFs(afero.NewMemMapFs()))
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, store.Checksums())
}

func TestMount_RootIsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/theme", []byte("x"), 0o644))

	store := Mount(root, WithFs(fs))
	assert.Equal(t, 0, store.Len())
}

func TestRead_LoadsLazyBinary(t *testing.T) {
	fs := newMemFs(t, map[string]string{"assets/logo.png": "\x89PNG"})
	store := Mount(root, WithFs(fs))

	asset, err := store.Read("assets/logo.png")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, []byte("\x89PNG"), asset.Attachment)
	assert.Empty(t, asset.Value)
}

func TestRead_MissingEverywhere(t *testing.T) {
	store := Mount(root, WithFs(newMemFs(t, nil)))

	asset, err := store.Read("templates/missing.json")
	require.NoError(t, err)
	assert.Nil(t, asset)
}

func TestRead_DropsLazyEntryRemovedFromDisk(t *testing.T) {
	fs := newMemFs(t, map[string]string{"assets/logo.png": "\x89PNG", "templates/index.json": "{}"})
	store := Mount(root, WithFs(fs))
	require.Equal(t, 2, store.Len())

	require.NoError(t, fs.Remove(filepath.Join(root, "assets", "logo.png")))

	asset, err := store.Read("assets/logo.png")
	require.NoError(t, err)
	assert.Nil(t, asset)
	assert.Equal(t, []string{"templates/index.json"}, theme.Keys(store.Checksums()))
	_, ok := store.Get("assets/logo.png")
	assert.False(t, ok)
}

func TestRead_PicksUpFileCreatedAfterMount(t *testing.T) {
	fs := newMemFs(t, nil)
	store := Mount(root, WithFs(fs))

	require.NoError(t, fs.MkdirAll(filepath.Join(root, "templates"), 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "templates/404.json"), []byte(`{"x":3}`), 0o644))

	asset, err := store.Read("templates/404.json")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, `{"x":3}`, asset.Value)

	_, ok := store.Get("templates/404.json")
	assert.True(t, ok)
}

func TestWrite_PersistsAndIsIdempotent(t *testing.T) {
	fs := newMemFs(t, nil)
	store := Mount(root, WithFs(fs))

	asset := theme.NewAsset("templates/customers/account.json", []byte(`{"a":1}`))
	require.NoError(t, store.Write(asset))
	require.NoError(t, store.Write(asset))

	body, err := afero.ReadFile(fs, filepath.Join(root, "templates/customers/account.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	got, ok := store.Get(asset.Key)
	require.True(t, ok)
	assert.Equal(t, asset.Checksum, got.Checksum)
	assert.Equal(t, 1, store.Len())
}

func TestWrite_LazyAssetSkipsDisk(t *testing.T) {
	fs := newMemFs(t, nil)
	store := Mount(root, WithFs(fs))

	require.NoError(t, store.Write(&theme.Asset{Key: "templates/a.json", Checksum: "abc"}))

	_, err := fs.Stat(filepath.Join(root, "templates/a.json"))
	assert.True(t, os.IsNotExist(err))
	got, ok := store.Get("templates/a.json")
	require.True(t, ok)
	assert.Equal(t, "abc", got.Checksum)
}

func TestWrite_BinaryAttachment(t *testing.T) {
	fs := newMemFs(t, nil)
	store := Mount(root, WithFs(fs))

	require.NoError(t, store.Write(theme.NewAsset("assets/logo.png", []byte{1, 2, 3})))

	body, err := afero.ReadFile(fs, filepath.Join(root, "assets/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, body)

	got, _ := store.Get("assets/logo.png")
	assert.Nil(t, got.Attachment)
}

func TestDelete(t *testing.T) {
	fs := newMemFs(t, map[string]string{
		"templates/customers/account.json": `{}`,
		"templates/index.json":             `{}`,
	})
	store := Mount(root, WithFs(fs))
	store.MarkUnsynced("templates/customers/account.json")

	require.NoError(t, store.Delete("templates/customers/account.json"))

	_, ok := store.Get("templates/customers/account.json")
	assert.False(t, ok)
	assert.False(t, store.IsUnsynced("templates/customers/account.json"))

	// empty nested dir goes away, unit dir stays
	_, err := fs.Stat(filepath.Join(root, "templates/customers"))
	assert.True(t, os.IsNotExist(err))
	_, err = fs.Stat(filepath.Join(root, "templates"))
	assert.NoError(t, err)

	// missing key is a no-op
	assert.NoError(t, store.Delete("templates/customers/account.json"))
	assert.NoError(t, store.Delete("never/existed.json"))
}

func TestRefresh_DetectsDiskChanges(t *testing.T) {
	fs := newMemFs(t, map[string]string{"templates/404.json": `1`})
	store := Mount(root, WithFs(fs))
	before, _ := store.Get("templates/404.json")

	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "templates/404.json"), []byte(`3`), 0o644))
	after, err := store.Refresh("templates/404.json")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.NotEqual(t, before.Checksum, after.Checksum)

	require.NoError(t, fs.Remove(filepath.Join(root, "templates/404.json")))
	gone, err := store.Refresh("templates/404.json")
	require.NoError(t, err)
	assert.Nil(t, gone)
	_, ok := store.Get("templates/404.json")
	assert.False(t, ok)
}

func TestKeysWithPrefix(t *testing.T) {
	fs := newMemFs(t, map[string]string{
		"templates/index.json":   `{}`,
		"templates/404.json":     `{}`,
		"sections/header.liquid": ``,
	})
	store := Mount(root, WithFs(fs))

	assert.Equal(t, []string{"templates/404.json", "templates/index.json"}, store.KeysWithPrefix("templates"))
	assert.Empty(t, store.KeysWithPrefix("assets"))
}

func TestUnsynced(t *testing.T) {
	store := Mount(root, WithFs(newMemFs(t, nil)))
	store.MarkUnsynced("templates/b.json")
	store.MarkUnsynced("templates/a.json")
	assert.Equal(t, []string{"templates/a.json", "templates/b.json"}, store.Unsynced())

	store.MarkSynced("templates/a.json")
	assert.False(t, store.IsUnsynced("templates/a.json"))
	assert.True(t, store.IsUnsynced("templates/b.json"))
}
