package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/themesync/internal/sync"
	"github.com/openmined/themesync/internal/themeapi"
	"github.com/openmined/themesync/internal/themefs"
	"github.com/openmined/themesync/internal/utils"
	"github.com/openmined/themesync/internal/workspace"
)

// session holds everything a command needs to run an engine against one
// locked theme root.
type session struct {
	ws      *workspace.Workspace
	journal *sync.SyncJournal
	engine  *sync.SyncEngine
	closers []func()
}

func openSession(ctx context.Context, cfg *cliConfig, selector sync.StrategySelector) (*session, error) {
	s := &session{}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	var err error

	s.ws, err = workspace.NewWorkspace(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := s.ws.Setup(); err != nil {
		return nil, err
	}
	s.onClose(func() {
		if err := s.ws.Unlock(); err != nil {
			slog.Warn("workspace unlock", "error", err)
		}
	})

	closeLog, err := openLogFile(s.ws.LogPath, cfg.Verbose)
	if err != nil {
		return nil, err
	}
	s.onClose(closeLog)

	s.journal = sync.NewSyncJournal(s.ws.JournalPath)
	if err := s.journal.Open(); err != nil {
		return nil, fmt.Errorf("open sync journal: %w", err)
	}
	s.onClose(func() { _ = s.journal.Close() })

	gateway, err := themeapi.NewGateway(ctx, &cfg.Gateway)
	if err != nil {
		return nil, err
	}

	store := themefs.Mount(s.ws.Root)
	s.engine, err = sync.NewSyncEngine(store, gateway, cfg.engineConfig(selector, s.journal))
	if err != nil {
		return nil, err
	}

	slog.Info("session", "root", s.ws.Root, "theme", cfg.ThemeID, "backend", cfg.Gateway.Backend, "assets", store.Len())
	slog.Debug("session gateway", "store", cfg.Gateway.Store, "password", utils.MaskSecret(cfg.Gateway.Password), "s3bucket", cfg.Gateway.S3.Bucket)
	ok = true
	return s, nil
}

func (s *session) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// Close releases in reverse order of acquisition.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
