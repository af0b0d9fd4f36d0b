package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/openmined/themesync/internal/theme"
	"github.com/openmined/themesync/internal/utils"
)

const (
	lockFile    = "themesync.lock"
	journalFile = "journal.db"
	logFile     = "themesync.log"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
	ErrNotATheme       = errors.New("directory is not a theme")
)

// Workspace is a theme root plus the state directory of the engine running
// against it. Only one engine may hold a root at a time.
type Workspace struct {
	Root        string
	StateDir    string
	JournalPath string
	LogPath     string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	stateDir := filepath.Join(root, theme.StateDirName)
	return &Workspace{
		Root:        root,
		StateDir:    stateDir,
		JournalPath: filepath.Join(stateDir, journalFile),
		LogPath:     filepath.Join(stateDir, logFile),
		flock:       flock.New(filepath.Join(stateDir, lockFile)),
	}, nil
}

func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.StateDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.StateDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// only the holder removes the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup checks that the root is a theme and takes the lock.
func (w *Workspace) Setup() error {
	if !theme.HasRequiredDirectories(w.Root) {
		return fmt.Errorf("%w: %s", ErrNotATheme, w.Root)
	}

	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root)
	return nil
}
