package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/themesync/internal/sync"
)

var testChoices = []sync.StrategyChoice{
	{Label: "Keep the remote version", Strategy: sync.StrategyFavorRemote},
	{Label: "Keep the local version", Strategy: sync.StrategyFavorLocal},
}

func press(t *testing.T, m strategyModel, msgs ...tea.KeyMsg) (strategyModel, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		m = next.(strategyModel)
	}
	return m, cmd
}

func TestStrategyModel_Navigate(t *testing.T) {
	m := newStrategyModel("Files differ", []string{"templates/index.json"}, testChoices)

	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Zero(t, m.cursor)
	assert.Nil(t, cmd)

	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.cursor, "cursor stops at the last choice")

	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	assert.Zero(t, m.cursor)

	m, cmd = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.True(t, m.chosen)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, m.View(), "Keep the remote version")
}

func TestStrategyModel_Cancel(t *testing.T) {
	m := newStrategyModel("Files differ", nil, testChoices)
	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.True(t, m.cancelled)
	require.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestStrategyModel_ViewTruncatesFiles(t *testing.T) {
	files := make([]string, maxListedFiles+3)
	for i := range files {
		files[i] = fmt.Sprintf("snippets/s%02d.liquid", i)
	}
	view := newStrategyModel("Only remote", files, testChoices).View()

	assert.Contains(t, view, "Only remote")
	assert.Contains(t, view, "snippets/s09.liquid")
	assert.NotContains(t, view, "snippets/s10.liquid")
	assert.Contains(t, view, "and 3 more")
	assert.Contains(t, view, "Keep the local version")
}

func TestTUIPrompter_SelectStrategy(t *testing.T) {
	var out bytes.Buffer
	p := newTUIPrompter(strings.NewReader("j\r"), &out)

	strategy, err := p.SelectStrategy(t.Context(), []string{"templates/index.json"}, "Files differ", testChoices)
	require.NoError(t, err)
	assert.Equal(t, sync.StrategyFavorLocal, strategy)
}

func TestTUIPrompter_NoChoices(t *testing.T) {
	p := newTUIPrompter(strings.NewReader(""), &bytes.Buffer{})
	_, err := p.SelectStrategy(t.Context(), nil, "Files differ", nil)
	assert.Error(t, err)
}
