// Package ui renders an interactive spinner around long-running tool steps.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	detailStyle = lipgloss.NewStyle().Faint(true).PaddingLeft(2)
)

type doneMsg struct {
	details []string
	err     error
}

type model struct {
	title   string
	spinner spinner.Model
	run     func(context.Context) ([]string, error)
	ctx     context.Context
	cancel  context.CancelFunc
	done    bool
	details []string
	err     error
}

func newModel(title string, fn func(context.Context) ([]string, error)) *model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	ctx, cancel := context.WithCancel(context.Background())
	return &model{title: title, spinner: s, run: fn, ctx: ctx, cancel: cancel}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		details, err := m.run(m.ctx)
		return doneMsg{details: details, err: err}
	})
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancel()
			m.err = context.Canceled
			m.done = true
			return m, tea.Quit
		}
	case doneMsg:
		m.details, m.err, m.done = msg.details, msg.err, true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) View() string {
	var b strings.Builder
	switch {
	case !m.done:
		fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), titleStyle.Render(m.title))
	case m.err != nil:
		fmt.Fprintf(&b, "%s %s\n", failStyle.Render("✗"), titleStyle.Render(m.title))
	default:
		fmt.Fprintf(&b, "%s %s\n", okStyle.Render("✓"), titleStyle.Render(m.title))
	}
	for _, d := range m.details {
		b.WriteString(detailStyle.Render(d) + "\n")
	}
	if m.done && m.err != nil {
		b.WriteString(detailStyle.Render(failStyle.Render(m.err.Error())) + "\n")
	}
	return b.String()
}

// Run executes fn while showing a spinner, then prints its details.
func Run(title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	m := newModel(title, fn)
	defer m.cancel()
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return nil, fmt.Errorf("run ui: %w", err)
	}
	fm := final.(*model)
	return fm.details, fm.err
}
