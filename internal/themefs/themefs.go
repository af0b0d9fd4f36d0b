// Package themefs keeps the in-memory view of a local theme directory.
package themefs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"

	"github.com/openmined/themesync/internal/theme"
)

type entry struct {
	asset  *theme.Asset
	binary bool
}

// ThemeFS maps asset keys to assets backed by files under root.
// Mutating calls are expected to come from a single writer.
type ThemeFS struct {
	root     string
	fs       afero.Fs
	ignore   *gitignore.GitIgnore
	mu       sync.RWMutex
	files    map[string]*entry
	unsynced mapset.Set[string]
}

type Option func(*ThemeFS)

// WithFs swaps the backing filesystem. Defaults to the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(t *ThemeFS) {
		t.fs = fs
	}
}

// WithIgnoreLines replaces the default ignore rules.
func WithIgnoreLines(lines ...string) Option {
	return func(t *ThemeFS) {
		t.ignore = gitignore.CompileIgnoreLines(lines...)
	}
}

// Mount scans root and returns a store with one entry per eligible file.
// A missing or unreadable root yields an empty store.
func Mount(root string, opts ...Option) *ThemeFS {
	t := &ThemeFS{
		root:     root,
		fs:       afero.NewOsFs(),
		ignore:   gitignore.CompileIgnoreLines(theme.DefaultIgnoreLines...),
		files:    make(map[string]*entry),
		unsynced: mapset.NewSet[string](),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.scan(); err != nil {
		slog.Warn("themefs mount", "root", root, "error", err)
		t.files = make(map[string]*entry)
	}
	return t
}

func (t *ThemeFS) Root() string {
	return t.root
}

func (t *ThemeFS) Fs() afero.Fs {
	return t.fs
}

func (t *ThemeFS) scan() error {
	info, err := t.fs.Stat(t.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", t.root)
	}

	files := make(map[string]*entry)
	err = afero.Walk(t.fs, t.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			slog.Debug("themefs walk", "path", p, "error", err)
			return nil
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil || rel == "." {
			return nil
		}
		key := filepath.ToSlash(rel)
		if info.IsDir() {
			if t.ignore.MatchesPath(key + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !t.Eligible(key) {
			return nil
		}

		e, _, err := t.load(key)
		if err != nil {
			slog.Warn("themefs load", "key", key, "error", err)
			return nil
		}
		if e != nil {
			files[key] = e
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.files = files
	t.mu.Unlock()

	slog.Debug("themefs mounted", "root", t.root, "files", len(files))
	return nil
}

// Eligible reports whether key belongs to the theme layout and is not ignored by default.
func (t *ThemeFS) Eligible(key string) bool {
	return theme.IsThemeFile(key) && !t.ignore.MatchesPath(key)
}

// load reads key from disk. Binary entries keep only the checksum in memory,
// the body is returned separately.
func (t *ThemeFS) load(key string) (*entry, []byte, error) {
	p := t.path(key)
	info, err := t.fs.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, err
	}

	body, err := afero.ReadFile(t.fs, p)
	if err != nil {
		return nil, nil, err
	}

	asset := theme.NewAsset(key, body)
	asset.Stats = &theme.FileStats{Size: info.Size(), ModTime: info.ModTime()}
	binary := !theme.IsTextFile(key)
	if binary {
		asset.Attachment = nil
	}
	return &entry{asset: asset, binary: binary}, body, nil
}

func (t *ThemeFS) path(key string) string {
	return filepath.Join(t.root, filepath.FromSlash(key))
}

// Get returns a copy of the entry for key.
func (t *ThemeFS) Get(key string) (*theme.Asset, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.files[key]
	if !ok {
		return nil, false
	}
	return e.asset.Clone(), true
}

// Len returns the number of entries.
func (t *ThemeFS) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

// Checksums returns a snapshot of the store sorted by key.
func (t *ThemeFS) Checksums() []theme.Checksum {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]theme.Checksum, 0, len(t.files))
	for _, e := range t.files {
		out = append(out, e.asset.ChecksumEntry())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// KeysWithPrefix returns the keys below a directory.
func (t *ThemeFS) KeysWithPrefix(dir string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prefix := path.Clean(dir) + "/"
	var keys []string
	for key := range t.files {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Read returns the materialized asset for key, loading the body from disk when
// the entry is lazy. Returns nil when the key is absent in memory and on disk.
func (t *ThemeFS) Read(key string) (*theme.Asset, error) {
	t.mu.RLock()
	if e, ok := t.files[key]; ok && e.asset.HasBody() {
		a := e.asset.Clone()
		t.mu.RUnlock()
		return a, nil
	}
	t.mu.RUnlock()

	loaded, body, err := t.load(key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if loaded == nil {
		// gone from disk, a lazy entry must not outlive its file
		t.mu.Lock()
		delete(t.files, key)
		t.mu.Unlock()
		return nil, nil
	}

	t.mu.Lock()
	t.files[key] = loaded
	t.mu.Unlock()

	a := loaded.asset.Clone()
	if loaded.binary {
		a.Attachment = body
	}
	return a, nil
}

// Refresh re-reads key from disk regardless of the cached state and returns
// the new entry. A key missing on disk is dropped and nil is returned.
func (t *ThemeFS) Refresh(key string) (*theme.Asset, error) {
	loaded, _, err := t.load(key)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", key, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if loaded == nil {
		delete(t.files, key)
		return nil, nil
	}
	t.files[key] = loaded
	return loaded.asset.Clone(), nil
}

// DiskChecksum computes the checksum of key from disk without touching its entry.
func (t *ThemeFS) DiskChecksum(key string) (string, bool, error) {
	loaded, _, err := t.load(key)
	if err != nil {
		return "", false, fmt.Errorf("checksum %s: %w", key, err)
	}
	if loaded == nil {
		return "", false, nil
	}
	return loaded.asset.Checksum, true, nil
}

// Write sets the entry for asset.Key and persists materialized assets to disk.
func (t *ThemeFS) Write(asset *theme.Asset) error {
	if asset == nil || asset.Key == "" {
		return errors.New("write: empty asset")
	}

	stored := asset.Clone()
	binary := !theme.IsTextFile(asset.Key)
	if stored.Checksum == "" {
		stored.Checksum = theme.ComputeChecksum(stored.Body())
	}
	if stored.HasBody() {
		p := t.path(asset.Key)
		if err := t.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("write %s: %w", asset.Key, err)
		}
		if err := afero.WriteFile(t.fs, p, stored.Body(), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", asset.Key, err)
		}
		if info, err := t.fs.Stat(p); err == nil {
			stored.Stats = &theme.FileStats{Size: info.Size(), ModTime: info.ModTime()}
		}
		if binary {
			stored.Attachment = nil
		}
	}

	t.mu.Lock()
	t.files[asset.Key] = &entry{asset: stored, binary: binary}
	t.mu.Unlock()
	return nil
}

// Delete removes the entry and the file. Missing keys are not an error.
func (t *ThemeFS) Delete(key string) error {
	t.mu.Lock()
	delete(t.files, key)
	t.mu.Unlock()
	t.unsynced.Remove(key)

	p := t.path(key)
	if err := t.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	t.cleanupEmptyParentDirs(filepath.Dir(p))
	return nil
}

// Forget drops the entry without touching the disk.
func (t *ThemeFS) Forget(key string) {
	t.mu.Lock()
	delete(t.files, key)
	t.mu.Unlock()
	t.unsynced.Remove(key)
}

// cleanupEmptyParentDirs removes empty directories up to, not including, the unit directory.
func (t *ThemeFS) cleanupEmptyParentDirs(dir string) {
	for {
		rel, err := filepath.Rel(t.root, dir)
		if err != nil || rel == "." || !filepath.IsLocal(rel) || filepath.Dir(rel) == "." {
			return
		}
		empty, err := afero.IsEmpty(t.fs, dir)
		if err != nil || !empty {
			return
		}
		if err := t.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// MarkUnsynced records that key changed locally and has not reached the remote yet.
func (t *ThemeFS) MarkUnsynced(key string) {
	t.unsynced.Add(key)
}

func (t *ThemeFS) MarkSynced(key string) {
	t.unsynced.Remove(key)
}

func (t *ThemeFS) IsUnsynced(key string) bool {
	return t.unsynced.Contains(key)
}

// Unsynced returns the pending keys sorted.
func (t *ThemeFS) Unsynced() []string {
	keys := t.unsynced.ToSlice()
	sort.Strings(keys)
	return keys
}
