package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/openmined/themesync/internal/sync"
)

var errPromptCancelled = errors.New("prompt cancelled")

const maxListedFiles = 10

var (
	titleStyle  = cyan.Bold(true)
	cursorStyle = cyan.Bold(true)
	fileStyle   = gray
)

type strategyKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Select key.Binding
	Quit   key.Binding
}

var strategyKeys = strategyKeyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Select: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select")),
	Quit:   key.NewBinding(key.WithKeys("ctrl+c", "esc", "q"), key.WithHelp("esc", "cancel")),
}

// strategyModel asks for one strategy for a list of files
type strategyModel struct {
	title   string
	files   []string
	choices []sync.StrategyChoice
	help    help.Model

	cursor    int
	chosen    bool
	cancelled bool
}

func newStrategyModel(title string, files []string, choices []sync.StrategyChoice) strategyModel {
	return strategyModel{
		title:   title,
		files:   files,
		choices: choices,
		help:    help.New(),
	}
}

func (m strategyModel) Init() tea.Cmd {
	return nil
}

func (m strategyModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch {
	case key.Matches(keyMsg, strategyKeys.Quit):
		m.cancelled = true
		return m, tea.Quit
	case key.Matches(keyMsg, strategyKeys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(keyMsg, strategyKeys.Down):
		if m.cursor < len(m.choices)-1 {
			m.cursor++
		}
	case key.Matches(keyMsg, strategyKeys.Select):
		m.chosen = true
		return m, tea.Quit
	}
	return m, nil
}

func (m strategyModel) View() string {
	var b strings.Builder

	if m.chosen {
		fmt.Fprintf(&b, "%s %s\n", green.Render("✔"), m.choices[m.cursor].Label)
		return b.String()
	}
	if m.cancelled {
		return ""
	}

	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	for i, f := range m.files {
		if i == maxListedFiles {
			b.WriteString(fileStyle.Render(fmt.Sprintf("  ... and %d more", len(m.files)-maxListedFiles)))
			b.WriteString("\n")
			break
		}
		b.WriteString(fileStyle.Render("  " + f))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for i, c := range m.choices {
		if i == m.cursor {
			b.WriteString(cursorStyle.Render("> " + c.Label))
		} else {
			b.WriteString("  " + c.Label)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.ShortHelpView([]key.Binding{strategyKeys.Up, strategyKeys.Down, strategyKeys.Select, strategyKeys.Quit}))
	b.WriteString("\n")
	return b.String()
}

// tuiPrompter runs one bubbletea program per question.
type tuiPrompter struct {
	in  io.Reader
	out io.Writer
}

func newTUIPrompter(in io.Reader, out io.Writer) *tuiPrompter {
	return &tuiPrompter{in: in, out: out}
}

func (p *tuiPrompter) SelectStrategy(ctx context.Context, files []string, title string, choices []sync.StrategyChoice) (sync.Strategy, error) {
	if len(choices) == 0 {
		return "", errors.New("no strategies to choose from")
	}

	prog := tea.NewProgram(
		newStrategyModel(title, files, choices),
		tea.WithContext(ctx),
		tea.WithInput(p.in),
		tea.WithOutput(p.out),
	)
	final, err := prog.Run()
	if err != nil {
		return "", fmt.Errorf("strategy prompt: %w", err)
	}

	m, ok := final.(strategyModel)
	if !ok || m.cancelled || !m.chosen {
		return "", errPromptCancelled
	}
	return m.choices[m.cursor].Strategy, nil
}

func isInteractive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
