package sync

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/openmined/themesync/internal/theme"
	"github.com/openmined/themesync/internal/themefs"
)

const (
	testThemeID = "123"
	testRoot    = "/theme"
)

var errFakeRemote = errors.New("remote unavailable")

// fakeGateway is an in-memory remote theme.
type fakeGateway struct {
	mu         sync.Mutex
	assets     map[string]*theme.Asset
	listErr    error
	fetchErr   map[string]error
	uploadErr  map[string]error
	listCalls  int
	fetched    []string
	deleted    []string
	uploaded   []string
	onList     func(call int)
	blockFetch chan struct{}
}

func newFakeGateway(files map[string]string) *fakeGateway {
	g := &fakeGateway{
		assets:    make(map[string]*theme.Asset),
		fetchErr:  make(map[string]error),
		uploadErr: make(map[string]error),
	}
	for key, body := range files {
		g.assets[key] = theme.NewAsset(key, []byte(body))
	}
	return g
}

func (g *fakeGateway) set(key, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assets[key] = theme.NewAsset(key, []byte(body))
}

func (g *fakeGateway) remove(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.assets, key)
}

func (g *fakeGateway) body(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.assets[key]
	if !ok {
		return "", false
	}
	return string(a.Body()), true
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls
}

func (g *fakeGateway) ListChecksums(ctx context.Context, themeID string) ([]theme.Checksum, error) {
	g.mu.Lock()
	g.listCalls++
	call := g.listCalls
	hook := g.onList
	err := g.listErr
	out := make([]theme.Checksum, 0, len(g.assets))
	for _, a := range g.assets {
		out = append(out, a.ChecksumEntry())
	}
	g.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (g *fakeGateway) FetchAsset(ctx context.Context, themeID, key string) (*theme.Asset, error) {
	if g.blockFetch != nil {
		<-g.blockFetch
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetched = append(g.fetched, key)
	if err := g.fetchErr[key]; err != nil {
		return nil, err
	}
	a, ok := g.assets[key]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (g *fakeGateway) DeleteAsset(ctx context.Context, themeID, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, key)
	delete(g.assets, key)
	return nil
}

func (g *fakeGateway) UploadAsset(ctx context.Context, themeID string, asset *theme.Asset) (*theme.Checksum, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.uploadErr[asset.Key]; err != nil {
		return nil, err
	}
	stored := theme.NewAsset(asset.Key, asset.Body())
	g.assets[asset.Key] = stored
	g.uploaded = append(g.uploaded, asset.Key)
	c := stored.ChecksumEntry()
	return &c, nil
}

// newMemStore mounts an in-memory theme holding files.
func newMemStore(t *testing.T, files map[string]string) (*themefs.ThemeFS, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))
	for key, body := range files {
		writeMemFile(t, fs, key, body)
	}
	return themefs.Mount(testRoot, themefs.WithFs(fs)), fs
}

func writeMemFile(t *testing.T, fs afero.Fs, key, body string) {
	t.Helper()
	p := path.Join(testRoot, key)
	require.NoError(t, fs.MkdirAll(path.Dir(p), 0o755))
	require.NoError(t, afero.WriteFile(fs, p, []byte(body), 0o644))
}

func readMemFile(t *testing.T, fs afero.Fs, key string) string {
	t.Helper()
	b, err := afero.ReadFile(fs, path.Join(testRoot, key))
	require.NoError(t, err)
	return string(b)
}

func sum(body string) string {
	return theme.ComputeChecksum([]byte(body))
}

// fakePrompter answers prompts by category title.
type fakePrompter struct {
	answers map[string]Strategy
	err     error
	asked   []string
	files   map[string][]string
}

func newFakePrompter(answers map[Category]Strategy) *fakePrompter {
	p := &fakePrompter{answers: make(map[string]Strategy), files: make(map[string][]string)}
	for c, s := range answers {
		p.answers[c.Title()] = s
	}
	return p
}

func (p *fakePrompter) SelectStrategy(ctx context.Context, files []string, title string, choices []StrategyChoice) (Strategy, error) {
	p.asked = append(p.asked, title)
	p.files[title] = files
	if p.err != nil {
		return "", p.err
	}
	return p.answers[title], nil
}
