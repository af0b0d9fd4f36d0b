package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/themesync/internal/theme"
)

// Strategy picks which side wins for a whole divergence category.
type Strategy string

const (
	StrategyFavorRemote Strategy = "favor-remote"
	StrategyFavorLocal  Strategy = "favor-local"
)

func (s Strategy) IsValid() bool {
	return s == StrategyFavorRemote || s == StrategyFavorLocal
}

func (s Strategy) String() string {
	return string(s)
}

// ParseStrategy accepts the CLI spelling of a strategy.
func ParseStrategy(v string) (Strategy, error) {
	s := Strategy(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown strategy %q, expected %q or %q", v, StrategyFavorRemote, StrategyFavorLocal)
	}
	return s, nil
}

// Category names a divergence set.
type Category string

const (
	CategoryOnlyLocal   Category = "only-local"
	CategoryOnlyRemote  Category = "only-remote"
	CategoryConflicting Category = "conflicting"
)

// Title is the question shown above the file list of a category.
func (c Category) Title() string {
	switch c {
	case CategoryOnlyLocal:
		return "The files listed below are only present locally. What would you like to do?"
	case CategoryOnlyRemote:
		return "The files listed below are only present on the remote theme. What would you like to do?"
	case CategoryConflicting:
		return "The files listed below differ between the local and remote versions. What would you like to do?"
	default:
		return string(c)
	}
}

// Choices returns the two labelled strategies offered for a category.
func (c Category) Choices() []StrategyChoice {
	switch c {
	case CategoryOnlyLocal:
		return []StrategyChoice{
			{Label: "Delete files from the local directory", Strategy: StrategyFavorRemote},
			{Label: "Upload local files to the remote theme", Strategy: StrategyFavorLocal},
		}
	case CategoryOnlyRemote:
		return []StrategyChoice{
			{Label: "Download remote files to the local directory", Strategy: StrategyFavorRemote},
			{Label: "Delete files from the remote theme", Strategy: StrategyFavorLocal},
		}
	default:
		return []StrategyChoice{
			{Label: "Keep the remote version", Strategy: StrategyFavorRemote},
			{Label: "Keep the local version", Strategy: StrategyFavorLocal},
		}
	}
}

type StrategyChoice struct {
	Label    string
	Strategy Strategy
}

// Prompter asks the user to pick one strategy for a list of files.
type Prompter interface {
	SelectStrategy(ctx context.Context, files []string, title string, choices []StrategyChoice) (Strategy, error)
}

// Partition is the set of actions a reconciliation pass executes.
type Partition struct {
	DeleteLocal  []theme.Checksum
	Download     []theme.Checksum
	DeleteRemote []theme.Checksum
	// Upload is the upload path implied by favoring local files.
	Upload []theme.Checksum
}

func (p *Partition) Empty() bool {
	return len(p.DeleteLocal) == 0 && len(p.Download) == 0 && len(p.DeleteRemote) == 0 && len(p.Upload) == 0
}

func (p *Partition) Len() int {
	return len(p.DeleteLocal) + len(p.Download) + len(p.DeleteRemote) + len(p.Upload)
}

// StrategySelector turns a divergence into a partition.
type StrategySelector interface {
	Select(ctx context.Context, d *Divergence) (*Partition, error)
}

// assign maps a category and strategy onto partition buckets.
func (p *Partition) assign(c Category, s Strategy, files []theme.Checksum) {
	switch c {
	case CategoryOnlyLocal:
		if s == StrategyFavorRemote {
			p.DeleteLocal = append(p.DeleteLocal, files...)
		} else {
			p.Upload = append(p.Upload, files...)
		}
	case CategoryOnlyRemote:
		if s == StrategyFavorRemote {
			p.Download = append(p.Download, files...)
		} else {
			p.DeleteRemote = append(p.DeleteRemote, files...)
		}
	case CategoryConflicting:
		if s == StrategyFavorRemote {
			p.Download = append(p.Download, files...)
		} else {
			p.Upload = append(p.Upload, files...)
		}
	}
}

type categoryFiles struct {
	category Category
	files    []theme.Checksum
}

func categories(d *Divergence, skipOnlyLocal bool) []categoryFiles {
	var out []categoryFiles
	if !skipOnlyLocal {
		out = append(out, categoryFiles{CategoryOnlyLocal, d.OnlyLocal})
	}
	return append(out,
		categoryFiles{CategoryOnlyRemote, d.OnlyRemote},
		categoryFiles{CategoryConflicting, d.Conflicting},
	)
}

// InteractiveSelector asks the prompter once per non-empty category.
type InteractiveSelector struct {
	prompter Prompter
	// SkipOnlyLocal suppresses the local-only question, used with --nodelete.
	SkipOnlyLocal bool
}

func NewInteractiveSelector(prompter Prompter, skipOnlyLocal bool) *InteractiveSelector {
	return &InteractiveSelector{prompter: prompter, SkipOnlyLocal: skipOnlyLocal}
}

func (s *InteractiveSelector) Select(ctx context.Context, d *Divergence) (*Partition, error) {
	p := &Partition{}
	for _, cf := range categories(d, s.SkipOnlyLocal) {
		if len(cf.files) == 0 {
			continue
		}

		strategy, err := s.prompter.SelectStrategy(ctx, theme.Keys(cf.files), cf.category.Title(), cf.category.Choices())
		if err != nil {
			return nil, fmt.Errorf("select strategy for %s files: %w", cf.category, err)
		}
		if !strategy.IsValid() {
			return nil, fmt.Errorf("select strategy for %s files: invalid strategy %q", cf.category, strategy)
		}

		slog.Info("sync strategy", "category", cf.category, "strategy", strategy, "files", len(cf.files))
		p.assign(cf.category, strategy, cf.files)
	}
	return p, nil
}

// FixedSelector applies one strategy to every category without prompting.
type FixedSelector struct {
	Strategy      Strategy
	SkipOnlyLocal bool
}

func (s *FixedSelector) Select(ctx context.Context, d *Divergence) (*Partition, error) {
	if !s.Strategy.IsValid() {
		return nil, fmt.Errorf("invalid strategy %q", s.Strategy)
	}
	p := &Partition{}
	for _, cf := range categories(d, s.SkipOnlyLocal) {
		if len(cf.files) > 0 {
			p.assign(cf.category, s.Strategy, cf.files)
		}
	}
	return p, nil
}

// PollingPolicy is the no-prompt policy of the remote poller: remote-only and
// conflicting keys are downloaded, local-only keys are deleted locally.
// Callers filter out keys that changed locally before handing the divergence over.
type PollingPolicy struct {
	NoDelete bool
}

func (s *PollingPolicy) Select(ctx context.Context, d *Divergence) (*Partition, error) {
	p := &Partition{}
	p.Download = append(p.Download, d.OnlyRemote...)
	p.Download = append(p.Download, d.Conflicting...)
	if !s.NoDelete {
		p.DeleteLocal = append(p.DeleteLocal, d.OnlyLocal...)
	}
	return p, nil
}
